// Package sshclient is the relay's only point of contact with the SSH library.
//
// It dials remote hosts with golang.org/x/crypto/ssh, opens PTY-backed shells
// and normalizes every failure into the relayerr taxonomy before returning it,
// so callers above this package never inspect provider errors.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/relayerr"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultTerm           = "xterm-256color"
	DefaultCols           = 80
	DefaultRows           = 24
)

// Target is the remote endpoint and principal to authenticate as.
type Target struct {
	Host string
	Port int
	User string
}

// Address returns host:port, bracketing IPv6 literals.
func (t Target) Address() string {
	return net.JoinHostPort(strings.Trim(t.Host, "[]"), strconv.Itoa(t.Port))
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, target Target, cred credentials.Credential) (Client, error)
}

// Client is one authenticated SSH connection.
type Client interface {
	// OpenShell starts an interactive shell on a PTY of the given size.
	OpenShell(cols, rows int) (Shell, error)
	// Handle exposes the underlying connection for peer subsystems such as
	// SFTP. Implementations without one return nil.
	Handle() *ssh.Client
	Close() error
}

// Shell is a running interactive shell. Read yields its output until the
// remote side exits.
type Shell interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

// Config configures an SSHDialer.
type Config struct {
	HostKeyCallback   ssh.HostKeyCallback
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration // 0 disables keepalives
	Term              string
}

// SSHDialer dials real SSH servers.
type SSHDialer struct {
	cfg    Config
	logger zerolog.Logger
}

func NewDialer(cfg Config) *SSHDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Term == "" {
		cfg.Term = DefaultTerm
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &SSHDialer{cfg: cfg, logger: log.With().Str("module", "sshclient").Logger()}
}

// Dial connects and authenticates. The whole exchange is bounded by the
// configured connect timeout and by ctx. Returned errors are *relayerr.Error.
func (d *SSHDialer) Dial(ctx context.Context, target Target, cred credentials.Credential) (Client, error) {
	auth, err := authMethods(cred)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	var (
		hostKeyMu   sync.Mutex
		hostKeyErr  error
		hostKeySeen bool
	)
	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := d.cfg.HostKeyCallback(hostname, remote, key)
			hostKeyMu.Lock()
			hostKeySeen = true
			hostKeyErr = err
			hostKeyMu.Unlock()
			return err
		},
		Timeout: d.cfg.ConnectTimeout,
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("dial %s: %w", addr, ctx.Err())
		}
		return nil, relayerr.Classify(err)
	}

	// The handshake is not context aware; bound it with a deadline and tear
	// the socket down if ctx is cancelled first.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		hostKeyMu.Lock()
		seen, hkErr := hostKeySeen, hostKeyErr
		hostKeyMu.Unlock()
		return nil, classifyHandshake(ctx, addr, target.User, err, seen, hkErr)
	}
	if !stopped {
		// ctx fired after the handshake finished but closed the socket.
		sshConn.Close()
		return nil, relayerr.Classify(fmt.Errorf("ssh handshake with %s: %w", addr, context.DeadlineExceeded))
	}
	netConn.SetDeadline(time.Time{})

	c := &sshClient{
		client: ssh.NewClient(sshConn, chans, reqs),
		term:   d.cfg.Term,
		addr:   addr,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	if d.cfg.KeepAliveInterval > 0 {
		go c.keepalive(d.cfg.KeepAliveInterval)
	}
	d.logger.Debug().Str("addr", addr).Str("user", target.User).Str("method", cred.Method()).Msg("ssh connected")
	return c, nil
}

func classifyHandshake(ctx context.Context, addr, user string, err error, hostKeySeen bool, hostKeyErr error) *relayerr.Error {
	if hostKeyErr != nil {
		return relayerr.Classify(hostKeyErr)
	}
	if ctx.Err() != nil {
		return relayerr.Classify(fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err()))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relayerr.Classify(err)
	}
	if hostKeySeen && strings.Contains(err.Error(), "unable to authenticate") {
		return relayerr.Classify(&relayerr.AuthError{User: user, Err: err})
	}
	return &relayerr.Error{
		Code:    relayerr.ConnectionFailed,
		Message: fmt.Sprintf("ssh handshake with %s failed", addr),
		Err:     err,
	}
}

// authMethods builds the auth chain for exactly one credential method.
func authMethods(cred credentials.Credential) ([]ssh.AuthMethod, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	if cred.PrivateKey != "" {
		signer, err := parseSigner(cred.PrivateKey, cred.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	password := cred.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

func parseSigner(pemKey, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(pemKey), []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(pemKey))
	}
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, relayerr.New(relayerr.InvalidConfig, "private key is encrypted; a passphrase is required")
	}
	if passphrase != "" && strings.Contains(err.Error(), "decryption password incorrect") {
		return nil, &relayerr.Error{Code: relayerr.AuthFailed, Message: "incorrect private key passphrase", Err: err}
	}
	return nil, &relayerr.Error{Code: relayerr.InvalidConfig, Message: "unable to parse private key", Err: err}
}

type sshClient struct {
	client *ssh.Client
	term   string
	addr   string
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *sshClient) Handle() *ssh.Client { return c.client }

func (c *sshClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.client.Close()
	})
	return err
}

func (c *sshClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Str("addr", c.addr).Err(err).Msg("keepalive failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

func (c *sshClient) OpenShell(cols, rows int) (Shell, error) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ConnectionFailed, fmt.Errorf("create ssh session: %w", err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(c.term, rows, cols, modes); err != nil {
		session.Close()
		return nil, relayerr.Wrap(relayerr.ConnectionFailed, fmt.Errorf("request pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, relayerr.Wrap(relayerr.Unknown, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, relayerr.Wrap(relayerr.Unknown, fmt.Errorf("stdout pipe: %w", err))
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, relayerr.Wrap(relayerr.ConnectionFailed, fmt.Errorf("start shell: %w", err))
	}

	return &sshShell{session: session, stdin: stdin, stdout: stdout}, nil
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize changes the PTY dimensions. Note the library takes rows first.
func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.closeErr = s.session.Close()
		if errors.Is(s.closeErr, io.EOF) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}
