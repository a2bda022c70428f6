package sshtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/sshclient"
)

// FakeShell is an in-memory sshclient.Shell. Output is fed with Emit; input,
// resizes and closes are recorded for assertions.
type FakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu         sync.Mutex
	input      bytes.Buffer
	writes     int
	resizes    []Window
	closeCount int

	// WriteErr and ResizeErr, when set, are returned by Write and Resize.
	WriteErr  error
	ResizeErr error
	// CloseDelay holds the output stream open for this long after Close, like
	// a remote host that is slow to acknowledge the channel close.
	CloseDelay time.Duration
}

func NewFakeShell() *FakeShell {
	pr, pw := io.Pipe()
	return &FakeShell{pr: pr, pw: pw}
}

func (s *FakeShell) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *FakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return 0, io.ErrClosedPipe
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	s.writes++
	return s.input.Write(p)
}

func (s *FakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResizeErr != nil {
		return s.ResizeErr
	}
	s.resizes = append(s.resizes, Window{Cols: cols, Rows: rows})
	return nil
}

// Close ends the output stream. Closing twice returns an error, like a real
// channel that is already gone.
func (s *FakeShell) Close() error {
	s.mu.Lock()
	s.closeCount++
	n := s.closeCount
	delay := s.CloseDelay
	s.mu.Unlock()
	if delay > 0 {
		time.AfterFunc(delay, func() { s.pw.Close() })
	} else {
		s.pw.Close()
	}
	if n > 1 {
		return errors.New("shell already closed")
	}
	return nil
}

// FailWrites makes every later Write return err.
func (s *FakeShell) FailWrites(err error) {
	s.mu.Lock()
	s.WriteErr = err
	s.mu.Unlock()
}

// Emit makes data appear on the shell's output. It blocks until read.
func (s *FakeShell) Emit(data string) error {
	_, err := s.pw.Write([]byte(data))
	return err
}

// Exit ends the output stream as if the remote shell exited.
func (s *FakeShell) Exit() {
	s.pw.Close()
}

// Input returns every byte written so far.
func (s *FakeShell) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input.Bytes()...)
}

// Writes returns the number of successful Write calls.
func (s *FakeShell) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Resizes returns every size applied, oldest first.
func (s *FakeShell) Resizes() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.resizes...)
}

// Closed reports whether Close has been called.
func (s *FakeShell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount > 0
}

// FakeClient is an in-memory sshclient.Client.
type FakeClient struct {
	Shell   *FakeShell
	OpenErr error

	mu     sync.Mutex
	closed bool
	opened Window
}

func (c *FakeClient) OpenShell(cols, rows int) (sshclient.Shell, error) {
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	c.mu.Lock()
	c.opened = Window{Cols: cols, Rows: rows}
	c.mu.Unlock()
	return c.Shell, nil
}

func (c *FakeClient) Handle() *ssh.Client { return nil }

func (c *FakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Opened returns the size the shell was opened with.
func (c *FakeClient) Opened() Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// FakeDialer is an in-memory sshclient.Dialer.
type FakeDialer struct {
	// Err, when set, is returned by every Dial.
	Err error
	// Gate, when non-nil, makes Dial wait until it is closed or ctx ends.
	Gate chan struct{}
	// OpenErr is copied into every client created.
	OpenErr error
	// CloseDelay is copied into every shell created.
	CloseDelay time.Duration

	mu      sync.Mutex
	calls   int
	clients []*FakeClient
	creds   []credentials.Credential
}

func (d *FakeDialer) Dial(ctx context.Context, target sshclient.Target, cred credentials.Credential) (sshclient.Client, error) {
	d.mu.Lock()
	d.calls++
	d.creds = append(d.creds, cred)
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	shell := NewFakeShell()
	shell.CloseDelay = d.CloseDelay
	c := &FakeClient{Shell: shell, OpenErr: d.OpenErr}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Calls returns the number of Dial invocations.
func (d *FakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Clients returns every client handed out, oldest first.
func (d *FakeDialer) Clients() []*FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeClient(nil), d.clients...)
}

// Credentials returns every credential Dial received.
func (d *FakeDialer) Credentials() []credentials.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]credentials.Credential(nil), d.creds...)
}

// Last returns the most recent client, or nil.
func (d *FakeDialer) Last() *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}
