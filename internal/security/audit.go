package security

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind is the closed enumeration of auditable security decisions.
type EventKind string

const (
	EventAccessGranted      EventKind = "access_granted"
	EventAccessDenied       EventKind = "access_denied"
	EventCredentialScrubbed EventKind = "credential_scrubbed"
	EventQueryBlocked       EventKind = "query_blocked"
	EventComplexityExceeded EventKind = "complexity_exceeded"
	EventInjectionAttempt   EventKind = "injection_attempt"
	EventSessionCreated     EventKind = "session_created"
	EventSessionCleared     EventKind = "session_cleared"
	EventCrossSessionAccess EventKind = "cross_session_access"
	EventUnusualPattern     EventKind = "unusual_pattern"
	EventRateLimitExceeded  EventKind = "rate_limit_exceeded"
)

// Severity bounds for events: 1 info .. 5 critical.
const (
	SeverityInfo     = 1
	SeverityNotice   = 2
	SeverityWarning  = 3
	SeverityHigh     = 4
	SeverityCritical = 5
)

// Event is one write-once audit record. Events are never updated or deleted.
type Event struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	AgentID   string            `json:"agent_id"`
	SessionID string            `json:"session_id"`
	Detail    map[string]string `json:"detail,omitempty"`
	Severity  int               `json:"severity"`
}

// RecorderConfig controls the audit recorder and the anomaly counters.
type RecorderConfig struct {
	LogPath                string // empty = in-memory buffer only
	RatePerMinute          int    // sliding-window request ceiling per agent
	MaxConsecutiveFailures int    // escalation ceiling per agent
}

// DefaultRecorderConfig returns the stock limits.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		RatePerMinute:          120,
		MaxConsecutiveFailures: 5,
	}
}

// rateWindow is the span of the sliding request window.
const rateWindow = time.Minute

// Recorder keeps the append-only event buffer, the optional JSONL audit
// file, and the per-agent rate and failure counters. Each concern has its
// own lock so hot paths do not contend on a single mutex, and no lock is
// ever held across I/O to the wrapped backend.
type Recorder struct {
	cfg    RecorderConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	events []Event

	fileMu sync.Mutex
	file   *os.File

	rateMu   sync.Mutex
	requests map[string][]time.Time

	failMu   sync.Mutex
	failures map[string]int
}

// NewRecorder opens the audit log (append-only, created if missing) when a
// path is configured.
func NewRecorder(cfg RecorderConfig, logger *zap.Logger) (*Recorder, error) {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRecorderConfig().RatePerMinute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultRecorderConfig().MaxConsecutiveFailures
	}
	r := &Recorder{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		requests: make(map[string][]time.Time),
		failures: make(map[string]int),
	}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit log %s: %w", cfg.LogPath, err)
		}
		r.file = f
	}
	return r, nil
}

// Record appends ev to the buffer and, when configured, to the audit file as
// one JSON line. Record never fails: a sink error is logged and swallowed so
// auditing cannot change a request's outcome.
func (r *Recorder) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if ev.Severity < SeverityInfo {
		ev.Severity = SeverityInfo
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if ev.Severity >= SeverityHigh {
		r.logger.Warn("security event",
			zap.String("kind", string(ev.Kind)),
			zap.String("agent", ev.AgentID),
			zap.Int("severity", ev.Severity))
	}

	line, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("marshal audit event", zap.Error(err))
		return
	}
	line = append(line, '\n')

	// The file has its own lock so a slow disk append never blocks the
	// buffer or concurrent queries.
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return
	}
	if _, err := r.file.Write(line); err != nil {
		r.logger.Error("append audit log", zap.Error(err))
	}
}

// Query returns buffered events filtered by kind (empty = any) and minimum
// severity.
func (r *Recorder) Query(kind EventKind, minSeverity int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if kind != "" && ev.Kind != kind {
			continue
		}
		if ev.Severity < minSeverity {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// CheckRate records one request for agent and reports whether it is inside
// the sliding one-minute ceiling. Timestamps older than the window are
// pruned on every check.
func (r *Recorder) CheckRate(agent string) bool {
	now := r.now()
	cutoff := now.Add(-rateWindow)

	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	stamps := r.requests[agent]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	r.requests[agent] = kept
	return len(kept) <= r.cfg.RatePerMinute
}

// RecordFailure bumps agent's consecutive-failure counter and reports
// whether it is still under the escalation ceiling.
func (r *Recorder) RecordFailure(agent string) bool {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	r.failures[agent]++
	return r.failures[agent] <= r.cfg.MaxConsecutiveFailures
}

// ResetFailures clears agent's consecutive-failure counter, called on any
// successful operation.
func (r *Recorder) ResetFailures(agent string) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	delete(r.failures, agent)
}

// Close releases the audit file, if open. Buffered events stay readable.
func (r *Recorder) Close() error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
