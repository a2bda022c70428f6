// Package session owns the authoritative table of remote shell sessions.
//
// The Registry maps session ids to records and drives each record through its
// lifecycle (see State). The map lock only guards membership; each record has
// its own lock, so a slow connect to one host never delays operations on other
// sessions. Blocking work (dialing, closing shells) always happens with no lock
// held.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/gate"
	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/relayerr"
	"github.com/gluk-w/sshrelay/internal/shellbridge"
	"github.com/gluk-w/sshrelay/internal/sshclient"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCols           = 80
	DefaultRows           = 24

	// Terminal dimensions accepted for a shell, in cells.
	MinDimension = 1
	MaxDimension = 1000
)

// Config is what a client supplies to open a session.
type Config struct {
	ID         string
	Host       string
	Port       int
	Username   string
	Credential credentials.Credential
	Cols       int
	Rows       int
}

// Redacted renders the config for logs without credentials.
func (c Config) Redacted() string {
	return fmt.Sprintf("id=%s host=%s port=%d user=%s auth=%s",
		logutil.SanitizeForLog(c.ID),
		logutil.SanitizeForLog(c.Host),
		c.Port,
		logutil.SanitizeForLog(c.Username),
		c.Credential.Method(),
	)
}

// Target is where a session connects. The credential itself lives in the
// vault; only its reference is kept here.
type Target struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Principal     string `json:"principal"`
	CredentialRef string `json:"-"`
}

// ErrorInfo is the client-safe part of a failure.
type ErrorInfo struct {
	Code    relayerr.Code `json:"code"`
	Message string        `json:"message"`
}

// Record is a point-in-time copy of a session.
type Record struct {
	ID             string     `json:"id"`
	Target         Target     `json:"target"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	Cols           int        `json:"cols"`
	Rows           int        `json:"rows"`
	HasShell       bool       `json:"has_shell"`
	LastError      *ErrorInfo `json:"last_error,omitempty"`
}

// Options tunes a Registry.
type Options struct {
	ConnectTimeout  time.Duration
	MaxSessions     int // 0 means unlimited
	OutputQueueSize int
	RecordingDir    string // empty disables recording
}

type entry struct {
	mu sync.Mutex

	id           string
	target       Target
	state        State
	createdAt    time.Time
	lastActivity time.Time
	connectedAt  time.Time
	cols, rows   int
	lastErr      *relayerr.Error

	// client and bridge are non-nil exactly when state is Connected.
	client sshclient.Client
	bridge *shellbridge.Bridge

	hist history
}

// snapshot copies the entry. Caller must hold e.mu.
func (e *entry) snapshot() Record {
	rec := Record{
		ID:             e.id,
		Target:         e.target,
		State:          e.state,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivity,
		Cols:           e.cols,
		Rows:           e.rows,
		HasShell:       e.bridge != nil,
	}
	if !e.connectedAt.IsZero() {
		t := e.connectedAt
		rec.ConnectedAt = &t
	}
	if e.bridge != nil {
		rec.Cols, rec.Rows = e.bridge.Size()
	}
	if e.lastErr != nil {
		rec.LastError = &ErrorInfo{Code: e.lastErr.Code, Message: e.lastErr.Message}
	}
	return rec
}

// Registry is the session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	dialer sshclient.Dialer
	vault  *credentials.Vault
	opts   Options
	logger zerolog.Logger

	hooksMu sync.RWMutex
	hooks   []StateHook

	nowFn func() time.Time
}

func NewRegistry(dialer sshclient.Dialer, vault *credentials.Vault, opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Registry{
		sessions: make(map[string]*entry),
		dialer:   dialer,
		vault:    vault,
		opts:     opts,
		logger:   log.With().Str("module", "session").Logger(),
		nowFn:    time.Now,
	}
}

// SetNowFunc replaces the clock, for tests.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}

// OnStateChange registers a hook for every transition.
func (r *Registry) OnStateChange(hook StateHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) fire(change StateChange) {
	r.hooksMu.RLock()
	hooks := make([]StateHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Str("session_id", logutil.SanitizeForLog(change.ID)).Interface("panic", p).Msg("state hook panicked")
				}
			}()
			hook(change)
		}()
	}
}

// transition moves e to a new state and records it. Caller must hold e.mu and
// pass the result to fire after unlocking.
func (r *Registry) transition(e *entry, to State, reason string, cause *relayerr.Error) StateChange {
	now := r.nowFn()
	from := e.state
	e.state = to
	e.hist.record(Transition{From: from, To: to, Timestamp: now, Reason: reason})
	return StateChange{ID: e.id, Target: e.target, From: from, To: to, Reason: reason, Err: cause, At: now}
}

// ValidateDimensions checks a terminal size. With allowZero, 0 stands for the
// default on that axis.
func ValidateDimensions(cols, rows int, allowZero bool) error {
	ok := func(n int) bool {
		return (allowZero && n == 0) || (n >= MinDimension && n <= MaxDimension)
	}
	if !ok(cols) || !ok(rows) {
		return relayerr.New(relayerr.InvalidDimensions, "dimensions %dx%d outside [%d,%d]", cols, rows, MinDimension, MaxDimension)
	}
	return nil
}

func notFound(id string) *relayerr.Error {
	return relayerr.New(relayerr.SessionNotFound, "session %q not found", id)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// CreateSession validates cfg and registers a new record in Created. An empty
// cfg.ID gets a generated one. The credential is sealed in the vault.
func (r *Registry) CreateSession(cfg Config) (Record, error) {
	if err := gate.ValidateTarget(gate.Target{Host: cfg.Host, Port: cfg.Port, Principal: cfg.Username}); err != nil {
		return Record{}, err
	}
	if err := cfg.Credential.Validate(); err != nil {
		return Record{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := ValidateDimensions(cfg.Cols, cfg.Rows, true); err != nil {
		return Record{}, err
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}

	ref, err := r.vault.Seal(cfg.Credential)
	if err != nil {
		return Record{}, relayerr.Wrap(relayerr.Unknown, err)
	}

	now := r.nowFn()
	e := &entry{
		id:           cfg.ID,
		target:       Target{Host: cfg.Host, Port: cfg.Port, Principal: cfg.Username, CredentialRef: ref},
		createdAt:    now,
		lastActivity: now,
		cols:         cfg.Cols,
		rows:         cfg.Rows,
	}

	r.mu.Lock()
	if _, exists := r.sessions[cfg.ID]; exists {
		r.mu.Unlock()
		r.vault.Delete(ref)
		return Record{}, relayerr.New(relayerr.DuplicateSession, "session %q already exists", cfg.ID)
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		r.vault.Delete(ref)
		return Record{}, relayerr.New(relayerr.MaxSessionsExceeded, "session limit of %d reached", r.opts.MaxSessions)
	}
	e.mu.Lock()
	r.sessions[cfg.ID] = e
	r.mu.Unlock()
	change := r.transition(e, StateCreated, ReasonCreated, nil)
	rec := e.snapshot()
	e.mu.Unlock()

	r.fire(change)
	r.logger.Info().Str("config", cfg.Redacted()).Str("credential_ref", logutil.Mask(ref)).Msg("session created")
	return rec, nil
}

// Connect dials the session's target and opens its shell. The record must be
// in Created, or in Error for a retry. While one Connect is in flight, others
// fail with ALREADY_CONNECTING. Failures leave the record in Error with the
// classified cause.
func (r *Registry) Connect(ctx context.Context, id string) error {
	e := r.lookup(id)
	if e == nil {
		return notFound(id)
	}

	e.mu.Lock()
	switch e.state {
	case StateConnecting:
		e.mu.Unlock()
		return relayerr.New(relayerr.AlreadyConnecting, "session %q is already connecting", id)
	case StateConnected:
		e.mu.Unlock()
		return relayerr.New(relayerr.AlreadyConnecting, "session %q is already connected", id)
	case StateDisconnected:
		e.mu.Unlock()
		return notFound(id)
	}
	e.lastErr = nil
	change := r.transition(e, StateConnecting, ReasonConnecting, nil)
	target, cols, rows := e.target, e.cols, e.rows
	e.mu.Unlock()
	r.fire(change)

	start := r.nowFn()
	client, bridge, err := r.open(ctx, id, target, cols, rows)

	e.mu.Lock()
	if e.state != StateConnecting {
		// Disconnected while the dial was in flight.
		e.mu.Unlock()
		if bridge != nil {
			bridge.Close()
		}
		if client != nil {
			client.Close()
		}
		return notFound(id)
	}
	if err != nil {
		rerr := relayerr.Classify(err)
		e.lastErr = rerr
		change = r.transition(e, StateError, ReasonFailed, rerr)
		e.mu.Unlock()
		r.fire(change)
		r.logger.Warn().
			Str("session_id", logutil.SanitizeForLog(id)).
			Str("code", string(rerr.Code)).
			Str("error", logutil.RedactSecrets(rerr.Error())).
			Msg("session connect failed")
		return rerr
	}
	now := r.nowFn()
	e.client, e.bridge = client, bridge
	e.connectedAt, e.lastActivity = now, now
	change = r.transition(e, StateConnected, ReasonConnected, nil)
	e.mu.Unlock()
	r.fire(change)

	r.logger.Info().
		Str("session_id", logutil.SanitizeForLog(id)).
		Str("host", logutil.SanitizeForLog(target.Host)).
		Int("port", target.Port).
		Dur("took", now.Sub(start)).
		Msg("session connected")
	return nil
}

// open resolves the credential, dials and starts the shell.
func (r *Registry) open(ctx context.Context, id string, target Target, cols, rows int) (sshclient.Client, *shellbridge.Bridge, error) {
	cred, err := r.vault.Open(target.CredentialRef)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	client, err := r.dialer.Dial(ctx, sshclient.Target{Host: target.Host, Port: target.Port, User: target.Principal}, cred)
	if err != nil {
		return nil, nil, err
	}
	shell, err := client.OpenShell(cols, rows)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	opts := shellbridge.Options{QueueSize: r.opts.OutputQueueSize, Cols: cols, Rows: rows}
	if r.opts.RecordingDir != "" {
		opts.Recording = shellbridge.NewRecording(cols, rows, 0)
		opts.RecordingDir = r.opts.RecordingDir
	}
	return client, shellbridge.New(id, shell, opts), nil
}

// detached holds the resources of a record that has left the registry.
type detached struct {
	id     string
	client sshclient.Client
	bridge *shellbridge.Bridge
}

// teardown closes the shell and connection, tolerating handles that are
// already severed.
func (r *Registry) teardown(d *detached) {
	if d.bridge != nil {
		if err := d.bridge.Close(); err != nil {
			r.logger.Debug().Str("session_id", d.id).Err(err).Msg("shell close")
		}
	}
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			r.logger.Debug().Str("session_id", d.id).Err(err).Msg("connection close")
		}
	}
}

// detach removes id from the table and moves it to Disconnected. When keep is
// non-nil it is consulted under the record's lock and may veto the removal.
// Returns nil if nothing was removed.
func (r *Registry) detach(id, reason string, cause *relayerr.Error, keep func(e *entry) bool) *detached {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.mu.Lock()
	if keep != nil && keep(e) {
		e.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	d := &detached{id: id, client: e.client, bridge: e.bridge}
	e.client, e.bridge = nil, nil
	ref := e.target.CredentialRef
	change := r.transition(e, StateDisconnected, reason, cause)
	change.Bridge = d.bridge
	e.mu.Unlock()

	r.vault.Delete(ref)
	r.fire(change)
	return d
}

// Disconnect closes the session's shell and removes it. Unknown ids are a
// no-op, so it is safe to call from every teardown path.
func (r *Registry) Disconnect(id string) {
	r.DisconnectWithReason(id, ReasonRequested, nil)
}

// DisconnectWithReason is Disconnect with the reason and optional cause that
// hooks will see. Reports whether a record was removed.
func (r *Registry) DisconnectWithReason(id, reason string, cause *relayerr.Error) bool {
	return r.disconnect(id, reason, cause, nil)
}

// DisconnectIfBridge disconnects id only while bridge is still its shell. A
// holder of a bridge from an earlier record with the same id cannot remove the
// record that replaced it.
func (r *Registry) DisconnectIfBridge(id string, bridge *shellbridge.Bridge, reason string, cause *relayerr.Error) bool {
	if bridge == nil {
		return false
	}
	return r.disconnect(id, reason, cause, func(e *entry) bool { return e.bridge != bridge })
}

func (r *Registry) disconnect(id, reason string, cause *relayerr.Error, keep func(e *entry) bool) bool {
	d := r.detach(id, reason, cause, keep)
	if d == nil {
		return false
	}
	r.teardown(d)
	r.logger.Info().Str("session_id", logutil.SanitizeForLog(id)).Str("reason", reason).Msg("session disconnected")
	return true
}

// UpdateActivity refreshes the record's last activity time.
func (r *Registry) UpdateActivity(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	now := r.nowFn()
	e.mu.Lock()
	e.lastActivity = now
	e.mu.Unlock()
}

// ReapIdle disconnects every Connected session idle for longer than
// threshold. It sweeps a snapshot taken at call time; each shell is closed on
// its own goroutine so one stuck host cannot hold up the sweep. Returns the
// ids reaped.
func (r *Registry) ReapIdle(threshold time.Duration) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	cutoff := r.nowFn().Add(-threshold)
	cause := relayerr.New(relayerr.SessionTimeout, "session idle for more than %s", threshold)
	fresh := func(e *entry) bool {
		return e.state != StateConnected || !e.lastActivity.Before(cutoff)
	}

	var reaped []string
	for _, id := range ids {
		d := r.detach(id, ReasonIdleTimeout, cause, fresh)
		if d == nil {
			continue
		}
		reaped = append(reaped, id)
		r.logger.Info().Str("session_id", logutil.SanitizeForLog(id)).Dur("threshold", threshold).Msg("reaped idle session")
		go r.teardown(d)
	}
	return reaped
}

// CloseAll disconnects every session concurrently and waits for teardown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			r.DisconnectWithReason(id, reason, nil)
			return nil
		})
	}
	g.Wait()
	if len(ids) > 0 {
		r.logger.Info().Int("count", len(ids)).Str("reason", reason).Msg("closed all sessions")
	}
}

// GetSession returns a copy of the record, or nil if id is unknown.
func (r *Registry) GetSession(id string) *Record {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.snapshot()
	return &rec
}

// ListSessions returns copies of every record, oldest first.
func (r *Registry) ListSessions() []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// Transitions returns the recorded state changes for id, oldest first.
func (r *Registry) Transitions(id string) []Transition {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hist.list()
}

// Bridge returns the shell bridge of a Connected session.
func (r *Registry) Bridge(id string) (*shellbridge.Bridge, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return nil, relayerr.New(relayerr.SessionNotFound, "session %q is not connected", id)
	}
	return e.bridge, nil
}

// GetUnderlyingHandle exposes the live SSH connection of a Connected session
// to peer subsystems such as SFTP. Returns nil otherwise.
func (r *Registry) GetUnderlyingHandle(id string) *ssh.Client {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected || e.client == nil {
		return nil
	}
	return e.client.Handle()
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
