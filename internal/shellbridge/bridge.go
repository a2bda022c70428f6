// Package shellbridge adapts one running remote shell to the relay.
//
// A Bridge owns the shell exclusively. Output is read on a dedicated goroutine
// into a bounded queue, so a slow consumer stalls the reader (and, through
// SSH flow control, the remote process) instead of buffering without limit.
// Chunks leave the queue in the order the shell produced them.
package shellbridge

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/sshclient"
)

// InterruptByte is the ETX control character a terminal sends for Ctrl-C.
const InterruptByte = 0x03

const (
	DefaultQueueSize = 64
	readBufferSize   = 32 * 1024
)

// Options configures a Bridge.
type Options struct {
	// QueueSize bounds the number of undelivered output chunks.
	QueueSize int
	// Cols and Rows are the size the shell was opened with.
	Cols, Rows int
	// Recording, when non-nil, receives all input, output and resizes.
	Recording *Recording
	// RecordingDir is where the recording is saved on Close.
	RecordingDir string
}

// Bridge is the relay's handle on one shell.
type Bridge struct {
	id     string
	shell  sshclient.Shell
	opts   Options
	logger zerolog.Logger

	out     chan []byte
	closing chan struct{}
	done    chan struct{} // closed when the read loop exits

	mu     sync.Mutex
	closed bool
	cols   int
	rows   int

	onDataOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// New wraps shell and starts reading its output.
func New(id string, shell sshclient.Shell, opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	b := &Bridge{
		id:      id,
		shell:   shell,
		opts:    opts,
		logger:  log.With().Str("module", "shellbridge").Str("session_id", id).Logger(),
		out:     make(chan []byte, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cols:    opts.Cols,
		rows:    opts.Rows,
	}
	go b.readLoop()
	return b
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer close(b.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := b.shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if b.opts.Recording != nil {
				b.opts.Recording.RecordOutput(data)
			}
			select {
			case b.out <- data:
			case <-b.closing:
				return
			}
		}
		if err != nil {
			b.logger.Debug().Err(err).Msg("shell output ended")
			return
		}
	}
}

// Output returns the ordered stream of output chunks. The channel is closed
// when the shell exits or the bridge is closed.
func (b *Bridge) Output() <-chan []byte {
	return b.out
}

// OnData delivers every output chunk to fn, in order, on a dedicated
// goroutine. Only the first registration takes effect; a bridge has a
// single consumer. The returned channel is closed after the last chunk
// has been delivered.
func (b *Bridge) OnData(fn func(data []byte)) <-chan struct{} {
	delivered := make(chan struct{})
	started := false
	b.onDataOnce.Do(func() {
		started = true
		go func() {
			defer close(delivered)
			for data := range b.out {
				fn(data)
			}
		}()
	})
	if !started {
		b.logger.Warn().Msg("OnData called more than once; ignoring")
		close(delivered)
	}
	return delivered
}

// Write forwards p to the shell's input. Writes after Close are dropped and
// logged. Transport failures surface as SHELL_WRITE_FAILED.
func (b *Bridge) Write(p []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.logger.Debug().Int("bytes", len(p)).Msg("write after close dropped")
		return nil
	}

	if b.opts.Recording != nil {
		b.opts.Recording.RecordInput(p)
	}
	if _, err := b.shell.Write(p); err != nil {
		return relayerr.Wrap(relayerr.ShellWriteFailed, err)
	}
	return nil
}

// Resize applies new PTY dimensions. Callers validate the range.
func (b *Bridge) Resize(cols, rows int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.cols, b.rows = cols, rows
	b.mu.Unlock()

	if b.opts.Recording != nil {
		b.opts.Recording.RecordResize(cols, rows)
	}
	if err := b.shell.Resize(cols, rows); err != nil {
		return relayerr.Wrap(relayerr.ShellWriteFailed, err)
	}
	return nil
}

// Size returns the last applied dimensions.
func (b *Bridge) Size() (cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows
}

// Interrupt sends Ctrl-C to the shell. It does not close the session.
func (b *Bridge) Interrupt() error {
	return b.Write([]byte{InterruptByte})
}

// Done is closed once the shell's output has ended.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close ends the shell. It is safe to call more than once and tolerates a
// shell that is already gone.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.closing)

		if err := b.shell.Close(); err != nil {
			b.logger.Debug().Err(err).Msg("shell close")
			b.closeErr = err
		}

		if rec := b.opts.Recording; rec != nil && b.opts.RecordingDir != "" {
			path, err := rec.Save(b.opts.RecordingDir, b.id)
			if err != nil {
				b.logger.Error().Err(err).Msg("failed to save recording")
			} else {
				b.logger.Info().Str("path", path).Msg("recording saved")
			}
		}
	})
	return b.closeErr
}
