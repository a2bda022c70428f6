package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/gate"
	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/session"
	"github.com/gluk-w/sshrelay/internal/sshclient/sshtest"
)

type harness struct {
	dialer   *sshtest.FakeDialer
	registry *session.Registry
	gate     *gate.Gate
	relay    *Server
	url      string
}

func newHarness(t *testing.T, gateCfg gate.Config, opts Options) *harness {
	t.Helper()
	key, err := credentials.LoadKey("")
	require.NoError(t, err)
	dialer := &sshtest.FakeDialer{}
	reg := session.NewRegistry(dialer, credentials.NewVault(key), session.Options{})
	g := gate.New(gateCfg, nil)
	srv := New(reg, g, opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		reg.CloseAll(session.ReasonShutdown)
	})
	return &harness{
		dialer:   dialer,
		registry: reg,
		gate:     g,
		relay:    srv,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, v))
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(data)))
}

func (c *wsClient) next() ServerMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg ServerMessage
	require.NoError(c.t, wsjson.Read(ctx, c.conn, &msg))
	return msg
}

func (c *wsClient) expect(typ string) ServerMessage {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, typ, msg.Type, "unexpected message %+v", msg)
	return msg
}

func (c *wsClient) expectError(code relayerr.Code) ServerMessage {
	c.t.Helper()
	msg := c.expect(EventSessionError)
	require.Equal(c.t, code, msg.Code, "message: %s", msg.Message)
	return msg
}

func startMsg(id string) map[string]any {
	return map[string]any{
		"type": EventStartSession,
		"config": map[string]any{
			"id":       id,
			"hostname": "h",
			"port":     22,
			"username": "u",
			"password": "hunter2",
		},
	}
}

func input(id, data string) map[string]any {
	return map[string]any{"type": EventInput, "sessionId": id, "data": data}
}

// start opens a session and returns its fake shell.
func (h *harness) start(t *testing.T, c *wsClient, id string) *sshtest.FakeShell {
	t.Helper()
	c.send(startMsg(id))
	msg := c.expect(EventSessionConnected)
	require.Equal(t, id, msg.SessionID)
	client := h.dialer.Last()
	require.NotNil(t, client)
	return client.Shell
}

func TestStartSession_StreamsOutput(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	rec := h.registry.GetSession("s1")
	require.NotNil(t, rec)
	assert.Equal(t, session.StateConnected, rec.State)

	bindings := h.relay.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "s1", bindings[0].SessionID)

	require.NoError(t, shell.Emit("hello "))
	require.NoError(t, shell.Emit("world"))
	var got strings.Builder
	for got.Len() < len("hello world") {
		msg := c.expect(EventSessionOutput)
		assert.Equal(t, "s1", msg.SessionID)
		got.WriteString(msg.Data)
	}
	assert.Equal(t, "hello world", got.String())
}

func TestOutput_SplitMultibyteRune(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	euro := "€"
	require.NoError(t, shell.Emit(euro[:2]))
	require.NoError(t, shell.Emit(euro[2:]))
	msg := c.expect(EventSessionOutput)
	assert.Equal(t, euro, msg.Data)
}

func TestInput_OrderedWithInterrupt(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	c.send(input("s1", "sleep 100\r"))
	c.send(input("s1", "\x03"))
	c.send(input("s1", ""))
	c.send(input("s1", "\r"))
	c.send(map[string]any{"type": EventInterrupt, "sessionId": "s1"})

	want := "sleep 100\r\x03\r\x03"
	require.Eventually(t, func() bool { return string(shell.Input()) == want }, 5*time.Second, 5*time.Millisecond,
		"got %q", shell.Input())
}

func TestResize_Validation(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	c.send(map[string]any{"type": EventResize, "sessionId": "s1", "cols": 0, "rows": 40})
	c.expectError(relayerr.InvalidDimensions)
	c.send(map[string]any{"type": EventResize, "sessionId": "s1", "cols": 1001, "rows": 40})
	c.expectError(relayerr.InvalidDimensions)
	c.send(map[string]any{"type": EventResize, "sessionId": "s1", "cols": 80})
	c.expectError(relayerr.InvalidInput)
	assert.Empty(t, shell.Resizes())

	c.send(map[string]any{"type": EventResize, "sessionId": "s1", "cols": 120, "rows": 40})
	require.Eventually(t, func() bool { return len(shell.Resizes()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, sshtest.Window{Cols: 120, Rows: 40}, shell.Resizes()[0])

	b, err := h.registry.Bridge("s1")
	require.NoError(t, err)
	cols, rows := b.Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
}

func TestMalformedEvents(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{MaxInputSize: 8})
	c := h.dial(t)

	c.sendRaw(`{not json`)
	c.expectError(relayerr.InvalidInput)

	c.sendRaw(`{"type":"input","sessionId":"s1","data":null}`)
	c.expectError(relayerr.InvalidInput)

	c.sendRaw(`{"type":"input","data":"x"}`)
	c.expectError(relayerr.InvalidInput)

	c.send(map[string]any{"type": "launch_missiles"})
	c.expectError(relayerr.InvalidInput)

	// Well formed, but nothing is bound.
	c.send(input("s1", "ls"))
	msg := c.expectError(relayerr.SessionNotFound)
	assert.Equal(t, "s1", msg.SessionID)

	c.send(map[string]any{"type": EventStartSession})
	c.expectError(relayerr.InvalidConfig)

	shell := h.start(t, c, "s1")
	c.send(input("s1", "123456789"))
	c.expectError(relayerr.InvalidInput)
	assert.Empty(t, shell.Input())

	c.send(input("other", "ls"))
	c.expectError(relayerr.SessionNotFound)
}

func TestStartSession_InvalidConfigNeverDials(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)

	c.send(map[string]any{"type": EventStartSession, "config": map[string]any{"id": "s1", "hostname": "h", "port": 22, "username": "u"}})
	msg := c.expectError(relayerr.InvalidConfig)
	assert.Equal(t, "s1", msg.SessionID)

	c.send(map[string]any{"type": EventStartSession, "config": map[string]any{"id": "s1", "hostname": "h", "port": 70000, "username": "u", "password": "p"}})
	c.expectError(relayerr.InvalidConfig)

	assert.Equal(t, 0, h.dialer.Calls())
	assert.Equal(t, 0, h.registry.Len())
}

func TestStartSession_DimensionsOutOfRange(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)

	for _, dims := range [][2]int{{5000, 24}, {80, -1}, {80, 1001}} {
		msg := startMsg("s1")
		cfg := msg["config"].(map[string]any)
		cfg["cols"], cfg["rows"] = dims[0], dims[1]
		c.send(msg)
		errMsg := c.expectError(relayerr.InvalidDimensions)
		assert.Equal(t, "s1", errMsg.SessionID)
	}

	assert.Equal(t, 0, h.dialer.Calls())
	assert.Equal(t, 0, h.registry.Len())
	assert.Empty(t, h.relay.Bindings()[0].SessionID)

	// Sizes inside the range are passed to the pty.
	msg := startMsg("s1")
	cfg := msg["config"].(map[string]any)
	cfg["cols"], cfg["rows"] = 1000, 1
	c.send(msg)
	c.expect(EventSessionConnected)
	assert.Equal(t, sshtest.Window{Cols: 1000, Rows: 1}, h.dialer.Last().Opened())
}

func TestStartSession_AlreadyBound(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	h.start(t, c, "s1")

	c.send(startMsg("s2"))
	c.expectError(relayerr.AlreadyBound)
	assert.Nil(t, h.registry.GetSession("s2"))
}

func TestStartSession_DuplicateAcrossConnections(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	h.start(t, h.dial(t), "s1")

	other := h.dial(t)
	other.send(startMsg("s1"))
	other.expectError(relayerr.DuplicateSession)
}

func TestStartSession_FailureThenRateLimit(t *testing.T) {
	h := newHarness(t, gate.Config{MaxAttempts: 2, Window: time.Minute}, Options{})
	h.dialer.Err = &relayerr.AuthError{User: "u", Err: errors.New("unable to authenticate")}
	c := h.dial(t)

	c.send(startMsg("s1"))
	msg := c.expectError(relayerr.AuthFailed)
	assert.Equal(t, "s1", msg.SessionID)
	assert.NotContains(t, msg.Message, "hunter2")

	// The failed record was dropped, so the id can be retried.
	c.send(startMsg("s1"))
	c.expectError(relayerr.AuthFailed)

	c.send(startMsg("s1"))
	msg = c.expectError(relayerr.RateLimited)
	assert.Greater(t, msg.RetryAfterMs, int64(0))

	assert.Equal(t, 2, h.dialer.Calls())
	assert.Equal(t, 0, h.registry.Len())
}

func TestEndSession(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	c.send(map[string]any{"type": EventEndSession, "sessionId": "s1"})
	msg := c.expect(EventSessionDisconnected)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, session.ReasonRequested, msg.Reason)

	assert.Nil(t, h.registry.GetSession("s1"))
	assert.True(t, shell.Closed())

	c.send(map[string]any{"type": EventEndSession, "sessionId": "s1"})
	c.expectError(relayerr.SessionNotFound)

	// Unbound again, so a new session may start.
	h.start(t, c, "s2")
}

func TestTransportCloseTearsDownSession(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	c.conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, shell.Closed, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.relay.Bindings()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRemoteExitDisconnects(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")

	require.NoError(t, shell.Emit("logout\r\n"))
	c.expect(EventSessionOutput)
	shell.Exit()

	msg := c.expect(EventSessionDisconnected)
	assert.Equal(t, session.ReasonRemoteClosed, msg.Reason)
	assert.Nil(t, h.registry.GetSession("s1"))
}

func TestRemoteCloseAfterEndLeavesReusedIDAlone(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	h.dialer.CloseDelay = 300 * time.Millisecond
	c := h.dial(t)
	h.start(t, c, "s1")

	c.send(map[string]any{"type": EventEndSession, "sessionId": "s1"})
	msg := c.expect(EventSessionDisconnected)
	assert.Equal(t, session.ReasonRequested, msg.Reason)

	shell := h.start(t, c, "s1")

	// The first shell's output ends while the second one is live.
	time.Sleep(600 * time.Millisecond)
	require.NotNil(t, h.registry.GetSession("s1"))
	assert.Equal(t, session.StateConnected, h.registry.GetSession("s1").State)

	require.NoError(t, shell.Emit("still here"))
	msg = c.expect(EventSessionOutput)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "still here", msg.Data)
}

func TestNoOutputAfterDisconnect(t *testing.T) {
	h := newHarness(t, gate.Config{MaxAttempts: 100, Window: time.Minute}, Options{})
	c := h.dial(t)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("s%d", i)
		shell := h.start(t, c, id)

		emitted := make(chan struct{})
		go func() {
			defer close(emitted)
			for n := 0; n < 200; n++ {
				if shell.Emit(fmt.Sprintf("line %d\r\n", n)) != nil {
					return
				}
			}
		}()
		c.send(map[string]any{"type": EventEndSession, "sessionId": id})

		for {
			msg := c.next()
			require.Equal(t, id, msg.SessionID, "run %d: %+v", i, msg)
			if msg.Type == EventSessionDisconnected {
				assert.Equal(t, session.ReasonRequested, msg.Reason)
				break
			}
			require.Equal(t, EventSessionOutput, msg.Type, "run %d: %+v", i, msg)
		}

		// Nothing for the ended session may follow its disconnect.
		c.send(input(id, "x"))
		msg := c.expectError(relayerr.SessionNotFound)
		assert.Equal(t, id, msg.SessionID)
		<-emitted
	}
}

func TestWriteFailureDisconnects(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	c := h.dial(t)
	shell := h.start(t, c, "s1")
	shell.FailWrites(errors.New("channel closed"))

	c.send(input("s1", "ls\r"))
	c.expectError(relayerr.ShellWriteFailed)
	msg := c.expect(EventSessionDisconnected)
	assert.Equal(t, session.ReasonWriteFailed, msg.Reason)
	assert.Nil(t, h.registry.GetSession("s1"))
}

func TestIdleReapNotifiesClient(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{})
	var mu sync.Mutex
	now := time.Now()
	h.registry.SetNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	c := h.dial(t)
	h.start(t, c, "s1")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	assert.Equal(t, []string{"s1"}, h.registry.ReapIdle(time.Hour))

	c.expectError(relayerr.SessionTimeout)
	msg := c.expect(EventSessionDisconnected)
	assert.Equal(t, session.ReasonIdleTimeout, msg.Reason)
}

type panickyAuditor struct{}

func (panickyAuditor) Rejected(string, gate.Target, string, *relayerr.Error) {
	panic(fmt.Sprintf("audit store exploded, password=%s", "hunter2"))
}

func TestHandlerPanicReportsUnknownError(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{Auditor: panickyAuditor{}})
	c := h.dial(t)

	// Rejected by the gate, which calls the auditor.
	c.send(map[string]any{"type": EventStartSession, "config": map[string]any{"id": "s1", "hostname": "bad host", "port": 22, "username": "u", "password": "hunter2"}})
	msg := c.expectError(relayerr.Unknown)
	assert.Equal(t, "s1", msg.SessionID)
	assert.NotContains(t, msg.Message, "hunter2")

	// The connection survives and is unbound.
	h.start(t, c, "s2")
}

func TestMessageRateLimit(t *testing.T) {
	h := newHarness(t, gate.DefaultConfig(), Options{MessageRate: 0.001, MessageBurst: 2})
	c := h.dial(t)

	for i := 0; i < 3; i++ {
		c.send(map[string]any{"type": "noop"})
	}
	c.expectError(relayerr.InvalidInput)
	c.expectError(relayerr.InvalidInput)
	c.expectError(relayerr.RateLimited)
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	cases := []struct {
		in           []byte
		complete, rest string
	}{
		{[]byte("abc"), "abc", ""},
		{append([]byte("a"), euro[:1]...), "a", string(euro[:1])},
		{append([]byte("a"), euro[:2]...), "a", string(euro[:2])},
		{append([]byte("a"), euro...), "a€", ""},
		{[]byte{0xff}, "\xff", ""},
		{nil, "", ""},
	}
	for _, tc := range cases {
		complete, rest := splitUTF8(tc.in)
		if string(complete) != tc.complete || string(rest) != tc.rest {
			t.Errorf("splitUTF8(%q) = %q, %q; want %q, %q", tc.in, complete, rest, tc.complete, tc.rest)
		}
	}
}
