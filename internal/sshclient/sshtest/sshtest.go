// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password or public-key auth, serves PTY shells that echo
// their input with an "echo:" prefix, answers the interrupt byte with "^C",
// reports window changes as "resize:COLSxROWS" and exits on "exit". The sftp
// subsystem is served by github.com/pkg/sftp against the local filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configures a Server. At least one of Password or AuthorizedKey
// should be set or every login is rejected.
type Options struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey
	// Banner is written when a shell starts. Defaults to "ready\n".
	Banner string
}

// Window is a PTY size seen by the server.
type Window struct {
	Cols, Rows int
}

// Server is a running test SSH server.
type Server struct {
	Addr    string
	Host    string
	Port    int
	HostKey ssh.PublicKey

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	windows []Window
	logins  int
	inputs  bytes.Buffer
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Banner == "" {
		opts.Banner = "ready\n"
	}

	hostSigner, _ := GenerateKey(t)
	s := &Server{
		HostKey: hostSigner.PublicKey(),
		opts:    opts,
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}

	s.config = &ssh.ServerConfig{}
	if opts.Password != "" {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if opts.AuthorizedKey != nil {
		s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == opts.User && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[netConn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
	s.DropConnections()
}

// DropConnections closes every open connection from the server side, as if
// the remote host went away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

// Windows returns every PTY size the server has seen, oldest first. The
// initial pty-req counts as the first entry.
func (s *Server) Windows() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.windows...)
}

// Logins returns the number of successful handshakes.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Input returns every byte written to shells so far.
func (s *Server) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.inputs.Bytes()...)
}

func (s *Server) handleConn(netConn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, netConn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.logins++
	s.mu.Unlock()

	go func() {
		for req := range reqs {
			// Answer keepalives so clients see a live peer.
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type windowChange struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

type subsystemRequest struct {
	Name string
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			ok := ssh.Unmarshal(req.Payload, &p) == nil
			if ok {
				s.recordWindow(int(p.Cols), int(p.Rows))
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}

		case "window-change":
			var w windowChange
			if ssh.Unmarshal(req.Payload, &w) == nil {
				s.recordWindow(int(w.Cols), int(w.Rows))
				fmt.Fprintf(ch, "resize:%dx%d\n", w.Cols, w.Rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			io.WriteString(ch, s.opts.Banner)
			go s.echo(ch)

		case "subsystem":
			var sub subsystemRequest
			if ssh.Unmarshal(req.Payload, &sub) != nil || sub.Name != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go serveSFTP(ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) recordWindow(cols, rows int) {
	s.mu.Lock()
	s.windows = append(s.windows, Window{Cols: cols, Rows: rows})
	s.mu.Unlock()
}

func (s *Server) echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.mu.Lock()
			s.inputs.Write(chunk)
			s.mu.Unlock()

			switch {
			case bytes.HasPrefix(chunk, []byte("exit")):
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			case bytes.IndexByte(chunk, 0x03) >= 0:
				io.WriteString(ch, "^C\n")
			default:
				io.WriteString(ch, "echo:")
				ch.Write(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	defer server.Close()
	server.Serve()
}

// GenerateKey returns a fresh ed25519 signer and its PKCS#8 PEM encoding.
func GenerateKey(t testing.TB) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return signer, keyPEM
}
