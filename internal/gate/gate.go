// Package gate implements admission control for new shell sessions.
//
// It protects the relay against connection storms with two complementary
// limits per (host, principal) key:
//
//  1. Sliding-window rate limit: at most MaxAttempts admissions within Window.
//  2. Consecutive-failure block: after FailureThreshold connect failures in a
//     row the key is blocked for an escalating cooldown (InitialBlock, doubling
//     each time, capped at MaxBlock). A successful connect clears the block.
//
// Each key owns its own lock, so admission checks for different principals
// never serialize against each other. All state is in memory; stale entries
// are dropped by Cleanup, which is expected to run periodically.
package gate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/relayerr"
)

const (
	DefaultMaxAttempts      = 10
	DefaultWindow           = 1 * time.Minute
	DefaultFailureThreshold = 5
	DefaultInitialBlock     = 30 * time.Second
	DefaultMaxBlock         = 5 * time.Minute
)

// Config holds the limits enforced by a Gate.
type Config struct {
	MaxAttempts      int
	Window           time.Duration
	FailureThreshold int
	InitialBlock     time.Duration
	MaxBlock         time.Duration
}

// DefaultConfig returns the default admission limits.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      DefaultMaxAttempts,
		Window:           DefaultWindow,
		FailureThreshold: DefaultFailureThreshold,
		InitialBlock:     DefaultInitialBlock,
		MaxBlock:         DefaultMaxBlock,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.InitialBlock <= 0 {
		c.InitialBlock = d.InitialBlock
	}
	if c.MaxBlock <= 0 {
		c.MaxBlock = d.MaxBlock
	}
	if c.MaxBlock < c.InitialBlock {
		c.MaxBlock = c.InitialBlock
	}
	return c
}

// Target identifies the remote endpoint and principal of a session attempt.
type Target struct {
	Host      string
	Port      int
	Principal string
}

type windowKey struct {
	host      string
	principal string
}

func keyFor(t Target) windowKey {
	return windowKey{host: strings.ToLower(strings.TrimSuffix(t.Host, ".")), principal: t.Principal}
}

// window is the rate state for one (host, principal) key.
type window struct {
	mu sync.Mutex

	attempts []time.Time

	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration

	// dead is set by Cleanup once the entry has been removed from the map.
	dead bool
}

// Gate admits or rejects session attempts.
type Gate struct {
	config  Config
	policy  *Policy
	entries sync.Map // windowKey -> *window
	logger  zerolog.Logger

	// Clock function for testing.
	nowFn func() time.Time
}

// New creates a Gate. A nil policy admits every syntactically valid host.
func New(config Config, policy *Policy) *Gate {
	return &Gate{
		config: config.withDefaults(),
		policy: policy,
		logger: log.With().Str("module", "gate").Logger(),
		nowFn:  time.Now,
	}
}

// SetNowFunc replaces the clock, for tests.
func (g *Gate) SetNowFunc(fn func() time.Time) {
	g.nowFn = fn
}

// Admit validates the target and records an attempt against its rate window.
// It returns nil when the attempt may proceed, or a *relayerr.Error with code
// INVALID_CONFIG or RATE_LIMITED.
func (g *Gate) Admit(t Target) error {
	if err := ValidateTarget(t); err != nil {
		return err
	}
	if !g.policy.Permits(t.Host) {
		g.logger.Warn().Str("host", logutil.SanitizeForLog(t.Host)).Msg("target host rejected by policy")
		return relayerr.New(relayerr.InvalidConfig, "target host %q is not permitted", t.Host)
	}

	key := keyFor(t)
	for {
		w := g.load(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		err := g.admitLocked(w, t)
		w.mu.Unlock()
		return err
	}
}

func (g *Gate) admitLocked(w *window, t Target) error {
	now := g.nowFn()

	if !w.blockedUntil.IsZero() && now.Before(w.blockedUntil) {
		retryAfter := w.blockedUntil.Sub(now)
		g.logger.Warn().
			Str("host", logutil.SanitizeForLog(t.Host)).
			Str("principal", logutil.SanitizeForLog(t.Principal)).
			Int("consecutive_failures", w.consecutiveFailures).
			Dur("retry_after", retryAfter).
			Msg("attempt rejected: key blocked")
		return &relayerr.Error{
			Code:       relayerr.RateLimited,
			Message:    fmt.Sprintf("blocked after %d consecutive failures; retry after %s", w.consecutiveFailures, retryAfter.Round(time.Second)),
			RetryAfter: retryAfter,
		}
	}

	w.prune(now.Add(-g.config.Window))

	if len(w.attempts) >= g.config.MaxAttempts {
		retryAfter := w.attempts[0].Add(g.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		g.logger.Warn().
			Str("host", logutil.SanitizeForLog(t.Host)).
			Str("principal", logutil.SanitizeForLog(t.Principal)).
			Int("max_attempts", g.config.MaxAttempts).
			Dur("window", g.config.Window).
			Msg("attempt rejected: rate limit exceeded")
		return &relayerr.Error{
			Code:       relayerr.RateLimited,
			Message:    fmt.Sprintf("exceeded %d attempts in %s; retry after %s", g.config.MaxAttempts, g.config.Window, retryAfter.Round(time.Second)),
			RetryAfter: retryAfter,
		}
	}

	w.attempts = append(w.attempts, now)
	return nil
}

// prune drops attempts at or before cutoff. Caller must hold w.mu.
func (w *window) prune(cutoff time.Time) {
	recent := w.attempts[:0]
	for _, ts := range w.attempts {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	w.attempts = recent
}

// RecordSuccess clears the failure counter and any active block for the key.
func (g *Gate) RecordSuccess(t Target) {
	v, ok := g.entries.Load(keyFor(t))
	if !ok {
		return
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFailures = 0
	w.blockedUntil = time.Time{}
	w.blockDuration = 0
}

// RecordFailure counts a failed connect for the key and blocks it once the
// failure threshold is reached.
func (g *Gate) RecordFailure(t Target) {
	key := keyFor(t)
	for {
		w := g.load(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		g.recordFailureLocked(w, t)
		w.mu.Unlock()
		return
	}
}

func (g *Gate) recordFailureLocked(w *window, t Target) {
	w.consecutiveFailures++
	if w.consecutiveFailures < g.config.FailureThreshold {
		return
	}
	if w.blockDuration == 0 {
		w.blockDuration = g.config.InitialBlock
	} else {
		w.blockDuration *= 2
		if w.blockDuration > g.config.MaxBlock {
			w.blockDuration = g.config.MaxBlock
		}
	}
	w.blockedUntil = g.nowFn().Add(w.blockDuration)
	g.logger.Warn().
		Str("host", logutil.SanitizeForLog(t.Host)).
		Str("principal", logutil.SanitizeForLog(t.Principal)).
		Int("consecutive_failures", w.consecutiveFailures).
		Dur("block", w.blockDuration).
		Msg("blocking key after consecutive failures")
}

// Status is a point-in-time view of one key's admission state.
type Status struct {
	RecentAttempts      int        `json:"recent_attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Blocked             bool       `json:"blocked"`
	BlockedUntil        *time.Time `json:"blocked_until,omitempty"`
}

// GetStatus reports the admission state for a target without recording an attempt.
func (g *Gate) GetStatus(t Target) Status {
	status := Status{MaxAttempts: g.config.MaxAttempts}
	v, ok := g.entries.Load(keyFor(t))
	if !ok {
		return status
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := g.nowFn()
	cutoff := now.Add(-g.config.Window)
	for _, ts := range w.attempts {
		if ts.After(cutoff) {
			status.RecentAttempts++
		}
	}
	status.ConsecutiveFailures = w.consecutiveFailures
	if now.Before(w.blockedUntil) {
		status.Blocked = true
		bu := w.blockedUntil
		status.BlockedUntil = &bu
	}
	return status
}

// Cleanup removes entries whose window is empty and which carry no failure
// or block state. Returns the number of entries removed.
func (g *Gate) Cleanup() int {
	now := g.nowFn()
	cutoff := now.Add(-g.config.Window)
	removed := 0
	g.entries.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.attempts) == 0 && w.consecutiveFailures == 0 && !now.Before(w.blockedUntil) {
			w.dead = true
			g.entries.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	if removed > 0 {
		g.logger.Debug().Int("removed", removed).Msg("cleaned up stale rate windows")
	}
	return removed
}

// Len returns the number of tracked keys.
func (g *Gate) Len() int {
	n := 0
	g.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (g *Gate) load(key windowKey) *window {
	v, _ := g.entries.LoadOrStore(key, &window{})
	return v.(*window)
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9_]([A-Za-z0-9_-]{0,61}[A-Za-z0-9_])?(\.[A-Za-z0-9_]([A-Za-z0-9_-]{0,61}[A-Za-z0-9_])?)*\.?$`)

// ValidateTarget checks the shape of a target: a syntactically valid hostname
// or IP literal, a port in [1,65535] and a non-empty principal. Failures are
// INVALID_CONFIG errors; nothing is dialed.
func ValidateTarget(t Target) error {
	if err := ValidateHost(t.Host); err != nil {
		return err
	}
	if t.Port < 1 || t.Port > 65535 {
		return relayerr.New(relayerr.InvalidConfig, "port %d out of range [1,65535]", t.Port)
	}
	if strings.TrimSpace(t.Principal) == "" {
		return relayerr.New(relayerr.InvalidConfig, "username is required")
	}
	for _, r := range t.Principal {
		if r < 32 || r == 127 {
			return relayerr.New(relayerr.InvalidConfig, "username contains control characters")
		}
	}
	return nil
}

// ValidateHost accepts hostnames (RFC 1123 labels, underscores tolerated) and
// IPv4/IPv6 literals, optionally bracketed.
func ValidateHost(host string) error {
	if host == "" {
		return relayerr.New(relayerr.InvalidConfig, "hostname is required")
	}
	if len(host) > 253 {
		return relayerr.New(relayerr.InvalidConfig, "hostname too long")
	}
	literal := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(literal) != nil {
		return nil
	}
	if strings.Contains(host, "..") || !hostnamePattern.MatchString(host) {
		return relayerr.New(relayerr.InvalidConfig, "invalid hostname %q", logutil.SanitizeForLog(host))
	}
	return nil
}
