// Package audit records session lifecycle and admission events in the
// database and serves them back for inspection.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/sshrelay/internal/database"
	"github.com/gluk-w/sshrelay/internal/gate"
	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/session"
)

// Event types.
const (
	EventSessionCreated    = "session_created"
	EventSessionConnecting = "session_connecting"
	EventSessionConnected  = "session_connected"
	EventConnectFailed     = "connect_failed"
	EventSessionEnded      = "session_ended"
	EventAdmissionRejected = "admission_rejected"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	SessionID  string
	EventType  string
	Host       string
	Port       int
	Username   string
	SourceIP   string
	FromState  string
	ToState    string
	ErrorCode  string
	Details    string
	DurationMs int64
}

// Auditor writes audit records and answers queries over them.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	logger        zerolog.Logger

	mu    sync.Mutex
	marks map[string]time.Time // session id -> start of the current phase
}

// NewAuditor creates an Auditor over db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		logger:        log.With().Str("module", "audit").Logger(),
		marks:         make(map[string]time.Time),
	}
}

// Log records an audit event.
func (a *Auditor) Log(e Entry) error {
	record := database.AuditLog{
		SessionID:  e.SessionID,
		EventType:  e.EventType,
		Host:       e.Host,
		Port:       e.Port,
		Username:   e.Username,
		SourceIP:   e.SourceIP,
		FromState:  e.FromState,
		ToState:    e.ToState,
		ErrorCode:  e.ErrorCode,
		Details:    e.Details,
		DurationMs: e.DurationMs,
		CreatedAt:  a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.logger.Error().Err(err).Msg("failed to write audit log")
		return err
	}

	a.logger.Debug().
		Str("event", e.EventType).
		Str("session_id", logutil.SanitizeForLog(e.SessionID)).
		Str("host", logutil.SanitizeForLog(e.Host)).
		Str("user", logutil.SanitizeForLog(e.Username)).
		Str("details", logutil.SanitizeForLog(e.Details)).
		Msg("audit")
	return nil
}

// OnStateChange is a session.StateHook that records every transition.
func (a *Auditor) OnStateChange(c session.StateChange) {
	entry := Entry{
		SessionID: c.ID,
		Host:      c.Target.Host,
		Port:      c.Target.Port,
		Username:  c.Target.Principal,
		FromState: string(c.From),
		ToState:   string(c.To),
		Details:   "reason=" + c.Reason,
	}
	if c.Err != nil {
		entry.ErrorCode = string(c.Err.Code)
		entry.Details = fmt.Sprintf("reason=%s error=%s", c.Reason, logutil.RedactSecrets(c.Err.Message))
	}

	a.mu.Lock()
	switch c.To {
	case session.StateCreated:
		entry.EventType = EventSessionCreated
	case session.StateConnecting:
		entry.EventType = EventSessionConnecting
		a.marks[c.ID] = c.At
	case session.StateConnected:
		entry.EventType = EventSessionConnected
		entry.DurationMs = a.sinceMark(c.ID, c.At)
		a.marks[c.ID] = c.At
	case session.StateError:
		entry.EventType = EventConnectFailed
		entry.DurationMs = a.sinceMark(c.ID, c.At)
		delete(a.marks, c.ID)
	case session.StateDisconnected:
		entry.EventType = EventSessionEnded
		if c.From == session.StateConnected {
			entry.DurationMs = a.sinceMark(c.ID, c.At)
		}
		delete(a.marks, c.ID)
	default:
		entry.EventType = string(c.To)
	}
	a.mu.Unlock()

	a.Log(entry)
}

// sinceMark returns the milliseconds since the session's last mark. Caller
// must hold a.mu.
func (a *Auditor) sinceMark(id string, at time.Time) int64 {
	start, ok := a.marks[id]
	if !ok {
		return 0
	}
	return at.Sub(start).Milliseconds()
}

// Rejected records an admission refusal. It satisfies relay.Auditor.
func (a *Auditor) Rejected(sessionID string, target gate.Target, sourceIP string, err *relayerr.Error) {
	entry := Entry{
		SessionID: sessionID,
		EventType: EventAdmissionRejected,
		Host:      target.Host,
		Port:      target.Port,
		Username:  target.Principal,
		SourceIP:  sourceIP,
	}
	if err != nil {
		entry.ErrorCode = string(err.Code)
		entry.Details = logutil.RedactSecrets(err.Message)
		if err.RetryAfter > 0 {
			entry.Details += fmt.Sprintf(" retry_after=%s", err.RetryAfter.Round(time.Second))
		}
	}
	a.Log(entry)
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	EventType string
	Host      string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the configured retention
// when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		a.logger.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged old audit entries")
	}
	return result.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
