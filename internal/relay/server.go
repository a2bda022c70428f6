// Package relay multiplexes a browser's WebSocket onto a remote shell session.
//
// Every connection is either unbound or bound to exactly one session. The
// binding table is owned by the Server and keyed by connection id; sessions
// themselves live in the session.Registry. Dropping the WebSocket tears down
// whatever session it was bound to.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sshrelay/internal/gate"
	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/session"
	"github.com/gluk-w/sshrelay/internal/shellbridge"
)

const (
	DefaultMessageRate  = 200
	DefaultMessageBurst = 200

	readLimit    = 1024 * 1024
	outQueueSize = 64
	opsQueueSize = 256
)

// Auditor receives admission decisions, which never reach the registry.
type Auditor interface {
	Rejected(sessionID string, target gate.Target, sourceIP string, err *relayerr.Error)
}

// Options tunes a Server.
type Options struct {
	MessageRate    rate.Limit
	MessageBurst   int
	MaxInputSize   int
	AllowedOrigins []string // empty accepts any origin
	Auditor        Auditor
}

// ClientBinding is the association between one client connection and the
// session it drives.
type ClientBinding struct {
	ConnID      string    `json:"conn_id"`
	SessionID   string    `json:"session_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	Pending     bool      `json:"pending"`
	ConnectedAt time.Time `json:"connected_at"`
}

type binding struct {
	ClientBinding
	conn   *clientConn
	stream *stream // nil while unbound
}

// stream carries one bound session's events to its client. Output and the
// closing notification are sent under mu, and nothing is sent once the stream
// has ended, so a client never sees output for a session after it was told
// the session is gone.
type stream struct {
	id     string
	conn   *clientConn
	bridge *shellbridge.Bridge

	mu    sync.Mutex
	ended bool
}

func (st *stream) send(msg ServerMessage) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return false
	}
	return st.conn.send(msg)
}

// end sends the final messages of the stream. Later calls are no-ops.
func (st *stream) end(msgs ...ServerMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return
	}
	st.ended = true
	for _, msg := range msgs {
		st.conn.send(msg)
	}
}

func (st *stream) isEnded() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ended
}

// Server is the relay endpoint. It implements http.Handler.
type Server struct {
	registry *session.Registry
	gate     *gate.Gate
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*binding // conn id
	owners   map[string]*stream  // session id

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(registry *session.Registry, g *gate.Gate, opts Options) *Server {
	if opts.MessageRate <= 0 {
		opts.MessageRate = DefaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultMessageBurst
	}
	if opts.MaxInputSize <= 0 {
		opts.MaxInputSize = DefaultMaxInputSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: registry,
		gate:     g,
		opts:     opts,
		logger:   log.With().Str("module", "relay").Logger(),
		bindings: make(map[string]*binding),
		owners:   make(map[string]*stream),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	registry.OnStateChange(s.onStateChange)
	return s
}

// Close drops every client connection.
func (s *Server) Close() {
	s.cancel()
}

// Bindings returns a snapshot of the connection table.
func (s *Server) Bindings() []ClientBinding {
	s.mu.Lock()
	out := make([]ClientBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.ClientBinding)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

type clientConn struct {
	id      string
	ws      *websocket.Conn
	remote  string
	ctx     context.Context
	out     chan ServerMessage
	ops     chan func()
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// send queues msg for the client. It gives up once the connection is gone.
func (c *clientConn) send(msg ServerMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *clientConn) writeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case msg := <-c.out:
			if err := wsjson.Write(c.ctx, c.ws, msg); err != nil {
				return err
			}
		}
	}
}

// opsLoop applies shell operations one at a time, in the order the client sent
// them.
func (c *clientConn) opsLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case op := <-c.ops:
			op()
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins}
	if len(s.opts.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to accept relay websocket")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.serve(ctx, ws, remote)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn, remote string) {
	g, ctx := errgroup.WithContext(ctx)
	cc := &clientConn{
		id:      uuid.NewString(),
		ws:      ws,
		remote:  remote,
		ctx:     ctx,
		out:     make(chan ServerMessage, outQueueSize),
		ops:     make(chan func(), opsQueueSize),
		limiter: rate.NewLimiter(s.opts.MessageRate, s.opts.MessageBurst),
	}
	cc.logger = s.logger.With().Str("conn_id", cc.id).Str("remote", logutil.SanitizeForLog(remote)).Logger()

	s.mu.Lock()
	s.bindings[cc.id] = &binding{
		ClientBinding: ClientBinding{ConnID: cc.id, RemoteAddr: remote, ConnectedAt: time.Now()},
		conn:          cc,
	}
	s.mu.Unlock()
	defer s.release(cc)

	cc.logger.Debug().Msg("relay connection opened")

	g.Go(cc.writeLoop)
	g.Go(cc.opsLoop)
	g.Go(func() error { return s.readLoop(cc) })
	err := g.Wait()

	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		cc.logger.Debug().Msg("relay connection closed")
	} else {
		cc.logger.Debug().Err(err).Msg("relay connection ended")
	}
}

// release removes the connection's binding and tears down its session.
func (s *Server) release(cc *clientConn) {
	s.mu.Lock()
	b := s.bindings[cc.id]
	delete(s.bindings, cc.id)
	var st *stream
	if b != nil && b.stream != nil {
		st = b.stream
		if s.owners[st.id] == st {
			delete(s.owners, st.id)
		}
	}
	s.mu.Unlock()

	if st != nil {
		st.end()
		s.registry.DisconnectIfBridge(st.id, st.bridge, session.ReasonClientGone, nil)
	}
}

func (s *Server) readLoop(cc *clientConn) error {
	for {
		typ, data, err := cc.ws.Read(cc.ctx)
		if err != nil {
			return err
		}
		if !cc.limiter.Allow() {
			cc.send(errorEvent("", relayerr.New(relayerr.RateLimited, "too many messages")))
			continue
		}
		if typ != websocket.MessageText {
			cc.send(errorEvent("", relayerr.New(relayerr.InvalidInput, "binary messages are not supported")))
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cc.send(errorEvent("", relayerr.New(relayerr.InvalidInput, "malformed message")))
			continue
		}
		s.safely(cc, msg.sessionID(), func() { s.dispatch(cc, &msg) }, secretsOf(&msg)...)
	}
}

func secretsOf(msg *ClientMessage) []string {
	if msg.Config == nil {
		return nil
	}
	return []string{msg.Config.Password, msg.Config.PrivateKey, msg.Config.Passphrase}
}

// safely runs fn, turning a panic into UNKNOWN_ERROR for the client.
func (s *Server) safely(cc *clientConn, sessionID string, fn func(), secrets ...string) {
	defer func() {
		if p := recover(); p != nil {
			cc.logger.Error().
				Str("session_id", logutil.SanitizeForLog(sessionID)).
				Str("panic", logutil.RedactSecrets(fmt.Sprint(p), secrets...)).
				Str("stack", string(debug.Stack())).
				Msg("relay handler panicked")
			cc.send(errorEvent(sessionID, relayerr.New(relayerr.Unknown, "internal error")))
		}
	}()
	fn()
}

func (s *Server) dispatch(cc *clientConn, msg *ClientMessage) {
	switch msg.Type {
	case EventStartSession:
		s.handleStart(cc, msg)
	case EventInput:
		s.handleInput(cc, msg)
	case EventResize:
		s.handleResize(cc, msg)
	case EventInterrupt:
		s.handleInterrupt(cc, msg)
	case EventEndSession:
		s.handleEnd(cc, msg)
	default:
		cc.send(errorEvent(msg.sessionID(), relayerr.New(relayerr.InvalidInput, "unknown event type %q", logutil.SanitizeForLog(msg.Type))))
	}
}

func (s *Server) handleStart(cc *clientConn, msg *ClientMessage) {
	if msg.Config == nil {
		cc.send(errorEvent("", relayerr.New(relayerr.InvalidConfig, "config is required")))
		return
	}
	cfg := msg.Config.sessionConfig()

	s.mu.Lock()
	b := s.bindings[cc.id]
	if b == nil {
		s.mu.Unlock()
		return
	}
	if (b.stream != nil && !b.stream.isEnded()) || b.Pending {
		s.mu.Unlock()
		cc.send(errorEvent(cfg.ID, relayerr.New(relayerr.AlreadyBound, "connection is already bound to a session")))
		return
	}
	b.Pending = true
	s.mu.Unlock()

	go s.safely(cc, cfg.ID, func() { s.startSession(cc, cfg) }, cfg.Credential.Secrets()...)
}

// startSession runs admission, create and connect off the read loop. It always
// ends with exactly one session_connected or session_error.
func (s *Server) startSession(cc *clientConn, cfg session.Config) {
	secrets := cfg.Credential.Secrets()
	bound := false
	unpend := func() {
		s.mu.Lock()
		if b := s.bindings[cc.id]; b != nil {
			b.Pending = false
		}
		s.mu.Unlock()
	}
	defer func() {
		if !bound {
			unpend()
		}
	}()

	// fail clears the pending flag before reporting, so the client may retry as
	// soon as it sees the error.
	fail := func(id string, err error) {
		unpend()
		rerr := relayerr.Classify(err)
		cc.logger.Info().
			Str("config", cfg.Redacted()).
			Str("code", string(rerr.Code)).
			Str("error", logutil.RedactSecrets(rerr.Error(), secrets...)).
			Msg("start_session failed")
		cc.send(errorEvent(id, rerr, secrets...))
	}

	if err := cfg.Credential.Validate(); err != nil {
		fail(cfg.ID, err)
		return
	}
	if err := session.ValidateDimensions(cfg.Cols, cfg.Rows, true); err != nil {
		fail(cfg.ID, err)
		return
	}
	target := gate.Target{Host: cfg.Host, Port: cfg.Port, Principal: cfg.Username}
	if err := s.gate.Admit(target); err != nil {
		if s.opts.Auditor != nil {
			s.opts.Auditor.Rejected(cfg.ID, target, cc.remote, relayerr.Classify(err))
		}
		fail(cfg.ID, err)
		return
	}

	rec, err := s.registry.CreateSession(cfg)
	if err != nil {
		fail(cfg.ID, err)
		return
	}
	id := rec.ID

	if err := s.registry.Connect(cc.ctx, id); err != nil {
		rerr := relayerr.Classify(err)
		switch rerr.Code {
		case relayerr.ConnectionFailed, relayerr.AuthFailed, relayerr.HostKeyVerificationFailed, relayerr.Timeout:
			s.gate.RecordFailure(target)
		}
		// The errored record is not reusable by this client; drop it so the id
		// can be started again.
		s.registry.DisconnectWithReason(id, session.ReasonFailed, rerr)
		fail(id, rerr)
		return
	}
	s.gate.RecordSuccess(target)

	bridge, err := s.registry.Bridge(id)
	if err != nil {
		fail(id, err)
		return
	}

	s.mu.Lock()
	b := s.bindings[cc.id]
	if b == nil {
		// Client left while connecting.
		s.mu.Unlock()
		s.registry.DisconnectIfBridge(id, bridge, session.ReasonClientGone, nil)
		return
	}
	st := &stream{id: id, conn: cc, bridge: bridge}
	b.SessionID = id
	b.Pending = false
	b.stream = st
	s.owners[id] = st
	bound = true
	s.mu.Unlock()

	// The session may have been torn down before it was bound, in which case
	// its hook found no owner. Checking under the stream lock orders
	// session_connected before any later session_disconnected.
	st.mu.Lock()
	cur, err := s.registry.Bridge(id)
	live := !st.ended && err == nil && cur == bridge
	if live {
		cc.send(ServerMessage{Type: EventSessionConnected, SessionID: id})
	} else if !st.ended {
		st.ended = true
		cc.send(errorEvent(id, relayerr.New(relayerr.SessionNotFound, "session ended while connecting")))
	}
	st.mu.Unlock()
	if !live {
		s.unbind(st)
		return
	}

	s.forward(st)
	cc.logger.Info().Str("session_id", logutil.SanitizeForLog(id)).Msg("session bound")
}

// unbind clears st from the tables if it is still current.
func (s *Server) unbind(st *stream) {
	s.mu.Lock()
	if s.owners[st.id] == st {
		delete(s.owners, st.id)
	}
	if b := s.bindings[st.conn.id]; b != nil && b.stream == st {
		b.stream = nil
		b.SessionID = ""
	}
	s.mu.Unlock()
}

// forward delivers shell output to the client in order. When the shell's
// output ends the session is disconnected, unless it was already replaced.
func (s *Server) forward(st *stream) {
	var carry []byte
	done := st.bridge.OnData(func(chunk []byte) {
		data := chunk
		if len(carry) > 0 {
			data = append(carry, chunk...)
			carry = nil
		}
		complete, rest := splitUTF8(data)
		if len(rest) > 0 {
			carry = append([]byte(nil), rest...)
		}
		if len(complete) > 0 && st.send(ServerMessage{Type: EventSessionOutput, SessionID: st.id, Data: string(complete)}) {
			s.registry.UpdateActivity(st.id)
		}
	})
	go func() {
		<-done
		if len(carry) > 0 {
			st.send(ServerMessage{Type: EventSessionOutput, SessionID: st.id, Data: string(carry)})
		}
		s.registry.DisconnectIfBridge(st.id, st.bridge, session.ReasonRemoteClosed, nil)
	}()
}

// onStateChange reports disconnects of bound sessions to their client and
// clears the binding once the client has been told.
func (s *Server) onStateChange(c session.StateChange) {
	if c.To != session.StateDisconnected || c.Bridge == nil {
		return
	}
	s.mu.Lock()
	st := s.owners[c.ID]
	s.mu.Unlock()
	if st == nil || st.bridge != c.Bridge {
		return
	}

	msgs := make([]ServerMessage, 0, 2)
	if c.Err != nil {
		msgs = append(msgs, errorEvent(c.ID, c.Err))
	}
	msgs = append(msgs, ServerMessage{Type: EventSessionDisconnected, SessionID: c.ID, Reason: c.Reason})
	go func() {
		st.end(msgs...)
		s.unbind(st)
	}()
}

// boundStream returns the live stream of session id on cc.
func (s *Server) boundStream(cc *clientConn, id string) (*stream, error) {
	s.mu.Lock()
	var st *stream
	if b := s.bindings[cc.id]; b != nil && b.stream != nil && b.stream.id == id {
		st = b.stream
	}
	s.mu.Unlock()
	if st == nil || st.isEnded() {
		return nil, relayerr.New(relayerr.SessionNotFound, "session %q is not bound to this connection", logutil.SanitizeForLog(id))
	}
	return st, nil
}

// enqueue schedules op on the connection's ordered worker.
func (s *Server) enqueue(cc *clientConn, id string, op func(b *shellbridge.Bridge) error) {
	task := func() {
		s.safely(cc, id, func() {
			st, err := s.boundStream(cc, id)
			if err != nil {
				cc.send(errorEvent(id, err))
				return
			}
			if err := op(st.bridge); err != nil {
				s.shellFailed(st, err)
			}
		})
	}
	select {
	case cc.ops <- task:
	case <-cc.ctx.Done():
	}
}

// shellFailed disconnects a session whose shell rejected an operation. The
// registry hook reports the error; it is only sent here if the session was
// already gone.
func (s *Server) shellFailed(st *stream, err error) {
	rerr := relayerr.Classify(err)
	st.conn.logger.Warn().Str("session_id", logutil.SanitizeForLog(st.id)).Err(err).Msg("shell operation failed")
	if !s.registry.DisconnectIfBridge(st.id, st.bridge, session.ReasonWriteFailed, rerr) {
		st.send(errorEvent(st.id, rerr))
	}
}

func (s *Server) handleInput(cc *clientConn, msg *ClientMessage) {
	if msg.SessionID == nil || msg.Data == nil {
		cc.send(errorEvent(msg.sessionID(), relayerr.New(relayerr.InvalidInput, "input requires sessionId and data")))
		return
	}
	id := *msg.SessionID
	if len(*msg.Data) > s.opts.MaxInputSize {
		cc.send(errorEvent(id, relayerr.New(relayerr.InvalidInput, "input exceeds %d bytes", s.opts.MaxInputSize)))
		return
	}
	data := []byte(*msg.Data)
	s.enqueue(cc, id, func(b *shellbridge.Bridge) error {
		s.registry.UpdateActivity(id)
		if len(data) == 1 && data[0] == shellbridge.InterruptByte {
			return b.Interrupt()
		}
		return b.Write(data)
	})
}

func (s *Server) handleResize(cc *clientConn, msg *ClientMessage) {
	if msg.SessionID == nil || msg.Cols == nil || msg.Rows == nil {
		cc.send(errorEvent(msg.sessionID(), relayerr.New(relayerr.InvalidInput, "resize requires sessionId, cols and rows")))
		return
	}
	id, cols, rows := *msg.SessionID, *msg.Cols, *msg.Rows
	if !validDimension(cols) || !validDimension(rows) {
		cc.send(errorEvent(id, session.ValidateDimensions(cols, rows, false)))
		return
	}
	s.enqueue(cc, id, func(b *shellbridge.Bridge) error {
		s.registry.UpdateActivity(id)
		return b.Resize(cols, rows)
	})
}

func (s *Server) handleInterrupt(cc *clientConn, msg *ClientMessage) {
	if msg.SessionID == nil {
		cc.send(errorEvent("", relayerr.New(relayerr.InvalidInput, "interrupt requires sessionId")))
		return
	}
	id := *msg.SessionID
	s.enqueue(cc, id, func(b *shellbridge.Bridge) error {
		s.registry.UpdateActivity(id)
		return b.Interrupt()
	})
}

func (s *Server) handleEnd(cc *clientConn, msg *ClientMessage) {
	if msg.SessionID == nil {
		cc.send(errorEvent("", relayerr.New(relayerr.InvalidInput, "end_session requires sessionId")))
		return
	}
	id := *msg.SessionID
	task := func() {
		s.safely(cc, id, func() {
			st, err := s.boundStream(cc, id)
			if err != nil {
				cc.send(errorEvent(id, err))
				return
			}
			s.registry.DisconnectIfBridge(id, st.bridge, session.ReasonRequested, nil)
		})
	}
	select {
	case cc.ops <- task:
	case <-cc.ctx.Done():
	}
}
