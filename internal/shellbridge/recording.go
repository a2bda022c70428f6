package shellbridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types in an asciicast v2 stream.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// RecordingEntry is a single timestamped terminal event.
type RecordingEntry struct {
	// Elapsed is the time since the recording started, in seconds.
	Elapsed float64
	Type    string
	Data    string
}

// MarshalJSON encodes the entry as an asciicast event array.
func (e RecordingEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Elapsed, e.Type, e.Data})
}

type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Recording captures timestamped terminal I/O in memory and writes it out as
// an asciicast v2 file. It is safe for concurrent use.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	width      int
	height     int
	maxEntries int
	dropped    int
}

// NewRecording starts a recording for a terminal of the given size. If
// maxEntries <= 0 there is no limit on the number of entries.
func NewRecording(cols, rows, maxEntries int) *Recording {
	return &Recording{
		startTime:  time.Now(),
		width:      cols,
		height:     rows,
		maxEntries: maxEntries,
	}
}

func (r *Recording) add(typ, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		r.dropped++
		return
	}
	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    data,
	})
}

func (r *Recording) RecordOutput(data []byte) { r.add(EventOutput, string(data)) }
func (r *Recording) RecordInput(data []byte)  { r.add(EventInput, string(data)) }

func (r *Recording) RecordResize(cols, rows int) {
	r.add(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Entries returns a copy of all recorded entries.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]RecordingEntry, len(r.entries))
	copy(result, r.entries)
	return result
}

// WriteCast writes the recording in asciicast v2 format: a JSON header line
// followed by one JSON array per event.
func (r *Recording) WriteCast(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	header := castHeader{
		Version:   2,
		Width:     r.width,
		Height:    r.height,
		Timestamp: r.startTime.Unix(),
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	for _, e := range r.entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write cast event: %w", err)
		}
	}
	return bw.Flush()
}

// Save writes the recording to dir/<name>.cast and returns the path.
func (r *Recording) Save(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create recording directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name)+".cast")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return "", fmt.Errorf("create recording file: %w", err)
	}
	if err := r.WriteCast(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close recording file: %w", err)
	}
	return path, nil
}
