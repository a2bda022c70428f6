package relay

import (
	"unicode/utf8"

	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/session"
)

// Client events.
const (
	EventStartSession = "start_session"
	EventInput        = "input"
	EventResize       = "resize"
	EventInterrupt    = "interrupt"
	EventEndSession   = "end_session"
)

// Server events.
const (
	EventSessionConnected    = "session_connected"
	EventSessionOutput       = "session_output"
	EventSessionDisconnected = "session_disconnected"
	EventSessionError        = "session_error"
)

const (
	MinDimension = session.MinDimension
	MaxDimension = session.MaxDimension

	// DefaultMaxInputSize caps a single input event.
	DefaultMaxInputSize = 64 * 1024
)

// ClientMessage is one event read from the client. Pointer fields distinguish
// a missing or null value from an empty one.
type ClientMessage struct {
	Type      string       `json:"type"`
	SessionID *string      `json:"sessionId"`
	Data      *string      `json:"data"`
	Cols      *int         `json:"cols"`
	Rows      *int         `json:"rows"`
	Config    *StartConfig `json:"config"`
}

func (m *ClientMessage) sessionID() string {
	if m.SessionID != nil {
		return *m.SessionID
	}
	if m.Config != nil {
		return m.Config.ID
	}
	return ""
}

// StartConfig is the payload of start_session. Exactly one of Password or
// PrivateKey must be set; Passphrase only applies to PrivateKey.
type StartConfig struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

func (c *StartConfig) sessionConfig() session.Config {
	return session.Config{
		ID:       c.ID,
		Host:     c.Hostname,
		Port:     c.Port,
		Username: c.Username,
		Credential: credentials.Credential{
			Password:   c.Password,
			PrivateKey: c.PrivateKey,
			Passphrase: c.Passphrase,
		},
		Cols: c.Cols,
		Rows: c.Rows,
	}
}

// ServerMessage is one event written to the client.
type ServerMessage struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"sessionId,omitempty"`
	Data         string        `json:"data,omitempty"`
	Code         relayerr.Code `json:"code,omitempty"`
	Message      string        `json:"message,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	RetryAfterMs int64         `json:"retryAfterMs,omitempty"`
}

// errorEvent builds a session_error. Secrets are scrubbed from the message.
func errorEvent(sessionID string, err error, secrets ...string) ServerMessage {
	rerr := relayerr.Classify(err)
	msg := ServerMessage{
		Type:      EventSessionError,
		SessionID: sessionID,
		Code:      rerr.Code,
		Message:   logutil.RedactSecrets(rerr.Message, secrets...),
	}
	if rerr.RetryAfter > 0 {
		msg.RetryAfterMs = rerr.RetryAfter.Milliseconds()
	}
	return msg
}

func validDimension(n int) bool {
	return n >= MinDimension && n <= MaxDimension
}

// splitUTF8 splits p before a trailing, incomplete UTF-8 sequence so that a
// multi-byte character cut by a read boundary can be completed by the next
// chunk.
func splitUTF8(p []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		start := len(p) - i
		if !utf8.RuneStart(p[start]) {
			continue
		}
		if utf8.FullRune(p[start:]) {
			return p, nil
		}
		return p[:start], p[start:]
	}
	return p, nil
}
