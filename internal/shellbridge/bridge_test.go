package shellbridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/sshclient/sshtest"
)

func collect(t *testing.T, b *Bridge) (func() []string, <-chan struct{}) {
	t.Helper()
	var mu sync.Mutex
	var chunks []string
	done := b.OnData(func(data []byte) {
		mu.Lock()
		chunks = append(chunks, string(data))
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), chunks...)
	}, done
}

func TestOnData_PreservesOrder(t *testing.T) {
	shell := sshtest.NewFakeShell()
	b := New("s1", shell, Options{QueueSize: 2})
	chunks, done := collect(t, b)

	for i := 0; i < 50; i++ {
		require.NoError(t, shell.Emit(string(rune('a'+i%26))))
	}
	shell.Exit()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("output was not fully delivered")
	}
	got := strings.Join(chunks(), "")
	var want strings.Builder
	for i := 0; i < 50; i++ {
		want.WriteRune(rune('a' + i%26))
	}
	assert.Equal(t, want.String(), got)

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after shell exit")
	}
}

func TestOnData_SecondRegistrationIgnored(t *testing.T) {
	shell := sshtest.NewFakeShell()
	b := New("s1", shell, Options{})
	_, _ = collect(t, b)

	second := b.OnData(func([]byte) { t.Error("second consumer must not receive data") })
	select {
	case <-second:
	default:
		t.Fatal("second OnData should return a closed channel")
	}
	require.NoError(t, shell.Emit("x"))
	b.Close()
}

func TestBackpressure(t *testing.T) {
	shell := sshtest.NewFakeShell()
	b := New("s1", shell, Options{QueueSize: 1})

	// With nobody consuming, the reader fills the queue and then stalls.
	require.NoError(t, shell.Emit("one"))
	require.NoError(t, shell.Emit("two"))
	emitted := make(chan struct{})
	go func() {
		shell.Emit("three")
		close(emitted)
	}()
	select {
	case <-emitted:
		t.Fatal("emit should block while the queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, "one", string(<-b.Output()))
	assert.Equal(t, "two", string(<-b.Output()))
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("emit should resume after the queue drains")
	}
	assert.Equal(t, "three", string(<-b.Output()))
	b.Close()
}

func TestWriteInterruptResize(t *testing.T) {
	shell := sshtest.NewFakeShell()
	b := New("s1", shell, Options{Cols: 80, Rows: 24})
	defer b.Close()

	require.NoError(t, b.Write([]byte("ls\r")))
	require.NoError(t, b.Write([]byte("")))
	require.NoError(t, b.Interrupt())
	assert.Equal(t, []byte("ls\r\x03"), shell.Input())

	cols, rows := b.Size()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)

	require.NoError(t, b.Resize(120, 40))
	cols, rows = b.Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
	assert.Equal(t, []sshtest.Window{{Cols: 120, Rows: 40}}, shell.Resizes())
}

func TestWriteFailure(t *testing.T) {
	shell := sshtest.NewFakeShell()
	shell.WriteErr = errors.New("channel closed")
	b := New("s1", shell, Options{})
	defer b.Close()

	err := b.Write([]byte("x"))
	assert.True(t, relayerr.Is(err, relayerr.ShellWriteFailed), "got %v", err)

	shell.ResizeErr = errors.New("channel closed")
	err = b.Resize(10, 10)
	assert.True(t, relayerr.Is(err, relayerr.ShellWriteFailed), "got %v", err)
}

func TestCloseIdempotentAndWritesAfterClose(t *testing.T) {
	shell := sshtest.NewFakeShell()
	b := New("s1", shell, Options{})

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, shell.Closed())

	assert.NoError(t, b.Write([]byte("late")))
	assert.NoError(t, b.Resize(100, 100))
	assert.Empty(t, shell.Input())
	assert.Empty(t, shell.Resizes())

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop after Close")
	}
}

func TestCloseSavesRecording(t *testing.T) {
	dir := t.TempDir()
	shell := sshtest.NewFakeShell()
	rec := NewRecording(80, 24, 0)
	b := New("sess-1", shell, Options{Recording: rec, RecordingDir: dir, Cols: 80, Rows: 24})
	_, done := collect(t, b)

	require.NoError(t, b.Write([]byte("whoami\r")))
	require.NoError(t, shell.Emit("root\r\n"))
	require.NoError(t, b.Resize(100, 30))
	shell.Exit()
	<-done
	require.NoError(t, b.Close())

	f, err := os.Open(filepath.Join(dir, "sess-1.cast"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var header map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.EqualValues(t, 2, header["version"])
	assert.EqualValues(t, 80, header["width"])

	var types []string
	for scanner.Scan() {
		var ev []any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		require.Len(t, ev, 3)
		types = append(types, ev[1].(string))
	}
	assert.ElementsMatch(t, []string{EventInput, EventOutput, EventResize}, types)
}

func TestRecordingMaxEntries(t *testing.T) {
	rec := NewRecording(80, 24, 2)
	rec.RecordOutput([]byte("a"))
	rec.RecordInput([]byte("b"))
	rec.RecordOutput([]byte("c"))
	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EventOutput, entries[0].Type)
	assert.Equal(t, "b", entries[1].Data)
}
