package security

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/memgate/internal/memory"
)

// Middleware wraps a memory.Backend and enforces every security invariant
// around it: scrubbing, capability checks, session isolation, cost-based
// admission, and audit logging. It implements memory.Backend itself, so a
// guarded store drops in wherever the raw backend would.
//
// Per request the middleware is stateless; shared mutable state lives only
// in the lineage manager and the recorder, each with its own locking. The
// wrapped backend is never called before every pre-delegation check has
// passed, and no lock is held across the delegation call.
type Middleware struct {
	backend   memory.Backend
	cap       *Capability
	session   string
	scrubber  *Scrubber
	lineage   *LineageManager
	estimator *CostEstimator
	recorder  *Recorder
	logger    *zap.Logger
	anomaly   bool

	ownRecorder bool
}

// Option configures a Middleware at construction.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	auditLogPath  string
	anomaly       bool
	lineage       *LineageManager
	recorder      *Recorder
	parentSession string
	rateLimit     int
	failureLimit  int
}

// WithLogger sets the zap logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditLogPath appends serialized events to the given file, one JSON
// line per event, in addition to the in-memory buffer.
func WithAuditLogPath(path string) Option {
	return func(o *options) { o.auditLogPath = path }
}

// WithAnomalyDetection toggles rate limiting and failure-streak escalation.
// Enabled by default.
func WithAnomalyDetection(enabled bool) Option {
	return func(o *options) { o.anomaly = enabled }
}

// WithLineage shares a lineage manager between middlewares so sessions of
// different agents see one parent/child tree.
func WithLineage(m *LineageManager) Option {
	return func(o *options) { o.lineage = m }
}

// WithRecorder shares a recorder between middlewares. The caller keeps
// ownership and must close it.
func WithRecorder(r *Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithParentSession registers the ambient session as a child of parent.
func WithParentSession(parent string) Option {
	return func(o *options) { o.parentSession = parent }
}

// WithRateLimit overrides the per-agent requests-per-minute ceiling.
func WithRateLimit(n int) Option {
	return func(o *options) { o.rateLimit = n }
}

// WithFailureLimit overrides the consecutive-failure escalation ceiling.
func WithFailureLimit(n int) Option {
	return func(o *options) { o.failureLimit = n }
}

// NewMiddleware builds the guarded store around backend for one agent and
// one ambient session. The capability is the agent's whole permission set;
// nothing ambient or global widens it later.
func NewMiddleware(backend memory.Backend, cap *Capability, sessionID string, opts ...Option) (*Middleware, error) {
	if sessionID == "" {
		return nil, memory.Violation("ambient session id must not be empty")
	}
	o := options{anomaly: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.lineage == nil {
		o.lineage = NewLineageManager()
	}

	m := &Middleware{
		backend:   backend,
		cap:       cap,
		session:   sessionID,
		scrubber:  NewScrubber(),
		lineage:   o.lineage,
		estimator: NewCostEstimator(),
		logger:    o.logger,
		anomaly:   o.anomaly,
	}
	if o.recorder != nil {
		m.recorder = o.recorder
	} else {
		cfg := DefaultRecorderConfig()
		cfg.LogPath = o.auditLogPath
		if o.rateLimit > 0 {
			cfg.RatePerMinute = o.rateLimit
		}
		if o.failureLimit > 0 {
			cfg.MaxConsecutiveFailures = o.failureLimit
		}
		rec, err := NewRecorder(cfg, o.logger)
		if err != nil {
			return nil, err
		}
		m.recorder = rec
		m.ownRecorder = true
	}

	if o.parentSession != "" {
		m.lineage.Register(o.parentSession, "")
	}
	m.lineage.Register(sessionID, o.parentSession)
	m.recorder.Record(Event{
		Kind:      EventSessionCreated,
		AgentID:   cap.AgentID(),
		SessionID: sessionID,
		Severity:  SeverityInfo,
	})
	return m, nil
}

// Recorder exposes the audit recorder for event queries.
func (m *Middleware) Recorder() *Recorder { return m.recorder }

// Lineage exposes the lineage manager so child sessions can be registered.
func (m *Middleware) Lineage() *LineageManager { return m.lineage }

// checkRate is the first gate of every operation when anomaly detection is
// on. A tripped ceiling is itself a security violation.
func (m *Middleware) checkRate(op string) error {
	if !m.anomaly {
		return nil
	}
	if m.recorder.CheckRate(m.cap.AgentID()) {
		return nil
	}
	m.recorder.Record(Event{
		Kind:      EventRateLimitExceeded,
		AgentID:   m.cap.AgentID(),
		SessionID: m.session,
		Detail:    map[string]string{"operation": op},
		Severity:  SeverityHigh,
	})
	return memory.Violation("agent %s exceeded request rate limit", m.cap.AgentID())
}

// deny audits a denial at the given severity, feeds the failure counter,
// and returns err unchanged. Escalation past the failure ceiling emits one
// critical unusual-pattern event.
func (m *Middleware) deny(kind EventKind, op, target string, severity int, err error) error {
	reason := err.Error()
	var se *memory.SecurityError
	if errors.As(err, &se) {
		reason = se.Reason
	}
	m.recorder.Record(Event{
		Kind:      kind,
		AgentID:   m.cap.AgentID(),
		SessionID: m.session,
		Detail:    map[string]string{"operation": op, "target_session": target, "reason": reason},
		Severity:  severity,
	})
	if m.anomaly && !m.recorder.RecordFailure(m.cap.AgentID()) {
		m.recorder.Record(Event{
			Kind:      EventUnusualPattern,
			AgentID:   m.cap.AgentID(),
			SessionID: m.session,
			Detail:    map[string]string{"operation": op, "reason": "consecutive failure ceiling exceeded"},
			Severity:  SeverityCritical,
		})
	}
	return err
}

// granted audits a successful operation and resets the failure streak.
func (m *Middleware) granted(op, target string, detail map[string]string) {
	kind := EventAccessGranted
	severity := SeverityInfo
	if target != m.session {
		kind = EventCrossSessionAccess
		severity = SeverityNotice
	}
	if detail == nil {
		detail = map[string]string{}
	}
	detail["operation"] = op
	m.recorder.Record(Event{
		Kind:      kind,
		AgentID:   m.cap.AgentID(),
		SessionID: m.session,
		Detail:    detail,
		Severity:  severity,
	})
	if m.anomaly {
		m.recorder.ResetFailures(m.cap.AgentID())
	}
}

// sessionReadable enforces the two independent read gates: capability scope
// and lineage reachability. GLOBAL skips the lineage check entirely.
func (m *Middleware) sessionReadable(target string) error {
	if target == m.session || m.cap.Scope() == ScopeGlobal {
		return nil
	}
	if m.cap.Scope() == ScopeSessionOnly {
		return memory.Violation("agent %s scope session_only forbids session access to %s", m.cap.AgentID(), target)
	}
	if !m.lineage.CanAccess(m.session, target) {
		return memory.Violation("session %s is not in the lineage of %s", target, m.session)
	}
	return nil
}

// sessionWritable is the write-side lineage gate; scope is enforced by the
// capability's own authorize methods.
func (m *Middleware) sessionWritable(target string) error {
	if target == m.session || m.cap.Scope() == ScopeGlobal {
		return nil
	}
	if !m.lineage.CanAccess(m.session, target) {
		return memory.Violation("session %s is not in the lineage of %s", target, m.session)
	}
	return nil
}

// Initialize delegates to the wrapped backend.
func (m *Middleware) Initialize(ctx context.Context) error {
	return m.backend.Initialize(ctx)
}

// Store scrubs, authorizes, and isolation-checks the record, then delegates.
// The caller's record is not mutated; the stored copy carries the redacted
// content and the sensitivity tag.
func (m *Middleware) Store(ctx context.Context, rec *memory.Record) (bool, error) {
	const op = "store"
	if err := m.checkRate(op); err != nil {
		return false, err
	}

	stored := *rec
	if stored.SessionID == "" {
		stored.SessionID = m.session
	}
	if stored.AgentID == "" {
		stored.AgentID = m.cap.AgentID()
	}

	scrubbed, fired := m.scrubber.Scrub(stored.Content)
	stored.Content = scrubbed
	if len(fired) > 0 {
		stored.Sensitivity = memory.SensitivityHigh
		m.recorder.Record(Event{
			Kind:      EventCredentialScrubbed,
			AgentID:   m.cap.AgentID(),
			SessionID: m.session,
			Detail:    map[string]string{"operation": op, "patterns": strings.Join(fired, ",")},
			Severity:  SeverityNotice,
		})
	} else if stored.Sensitivity == "" {
		stored.Sensitivity = memory.SensitivityLow
	}

	if err := m.cap.AuthorizeStore(stored.Kind, stored.SessionID, m.session); err != nil {
		return false, m.deny(EventAccessDenied, op, stored.SessionID, SeverityHigh, err)
	}
	if err := m.sessionWritable(stored.SessionID); err != nil {
		return false, m.deny(EventAccessDenied, op, stored.SessionID, SeverityHigh, err)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := m.backend.Store(ctx, &stored)
	if err != nil {
		return false, err
	}
	m.granted(op, stored.SessionID, map[string]string{"record_id": stored.ID, "kind": string(stored.Kind)})
	return ok, nil
}

// Retrieve authorizes and admission-prices the query, delegates, then
// scrubs the result set and drops sensitivity-high records the capability
// may not see. The drop is a partial-result policy, not a denial.
func (m *Middleware) Retrieve(ctx context.Context, q memory.Query) ([]*memory.Record, error) {
	const op = "retrieve"
	if err := m.checkRate(op); err != nil {
		return nil, err
	}

	target := q.SessionID
	if target == "" {
		target = m.session
	}

	desc := m.estimator.Estimate(q)
	if err := m.cap.AuthorizeQuery(q, m.session, desc.Total()); err != nil {
		return nil, m.deny(EventAccessDenied, op, target, SeverityHigh, err)
	}
	if err := m.sessionReadable(target); err != nil {
		return nil, m.deny(EventAccessDenied, op, target, SeverityHigh, err)
	}
	if _, err := m.estimator.Validate(q, m.cap.MaxQueryCost()); err != nil {
		kind := EventComplexityExceeded
		if strings.Contains(err.Error(), "blocked query keyword") {
			kind = EventInjectionAttempt
		}
		return nil, m.deny(kind, op, target, SeverityCritical, err)
	}

	q.SessionID = target
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := m.backend.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	filtered := make([]*memory.Record, 0, len(records))
	for _, rec := range records {
		if rec.Sensitivity == memory.SensitivityHigh && !m.cap.ReadRedacted() {
			continue
		}
		out := *rec
		out.Content, _ = m.scrubber.Scrub(out.Content)
		filtered = append(filtered, &out)
	}
	m.granted(op, target, map[string]string{"results": strconv.Itoa(len(filtered))})
	return filtered, nil
}

// GetByID delegates, then applies the read gates to the fetched record. A
// reachable record the capability may not see in clear is reported absent.
func (m *Middleware) GetByID(ctx context.Context, id string) (*memory.Record, error) {
	const op = "get"
	if err := m.checkRate(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.backend.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		m.granted(op, m.session, map[string]string{"record_id": id, "found": "false"})
		return nil, nil
	}
	if err := m.sessionReadable(rec.SessionID); err != nil {
		return nil, m.deny(EventAccessDenied, op, rec.SessionID, SeverityHigh, err)
	}
	if !m.cap.AllowsKind(rec.Kind) {
		err := memory.Violation("agent %s may not read %s records", m.cap.AgentID(), rec.Kind)
		return nil, m.deny(EventAccessDenied, op, rec.SessionID, SeverityHigh, err)
	}
	if rec.Sensitivity == memory.SensitivityHigh && !m.cap.ReadRedacted() {
		m.granted(op, rec.SessionID, map[string]string{"record_id": id, "found": "false"})
		return nil, nil
	}
	out := *rec
	out.Content, _ = m.scrubber.Scrub(out.Content)
	m.granted(op, rec.SessionID, map[string]string{"record_id": id})
	return &out, nil
}

// Delete requires the administer grant, then delegates.
func (m *Middleware) Delete(ctx context.Context, id string) (bool, error) {
	const op = "delete"
	if err := m.checkRate(op); err != nil {
		return false, err
	}
	if err := m.cap.AuthorizeDelete(); err != nil {
		return false, m.deny(EventAccessDenied, op, m.session, SeverityHigh, err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := m.backend.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	m.granted(op, m.session, map[string]string{"record_id": id})
	return ok, nil
}

// ClearSession wipes a session's records. Requires administer plus write
// eligibility to the target session.
func (m *Middleware) ClearSession(ctx context.Context, sessionID string) (int, error) {
	const op = "clear"
	if err := m.checkRate(op); err != nil {
		return 0, err
	}
	target := sessionID
	if target == "" {
		target = m.session
	}
	if err := m.cap.AuthorizeClear(target, m.session); err != nil {
		return 0, m.deny(EventAccessDenied, op, target, SeverityHigh, err)
	}
	if err := m.sessionWritable(target); err != nil {
		return 0, m.deny(EventAccessDenied, op, target, SeverityHigh, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := m.backend.ClearSession(ctx, target)
	if err != nil {
		return 0, err
	}
	m.recorder.Record(Event{
		Kind:      EventSessionCleared,
		AgentID:   m.cap.AgentID(),
		SessionID: m.session,
		Detail:    map[string]string{"target_session": target, "removed": strconv.Itoa(n)},
		Severity:  SeverityWarning,
	})
	if m.anomaly {
		m.recorder.ResetFailures(m.cap.AgentID())
	}
	return n, nil
}

// CleanupExpired destroys expired records across sessions; administrative.
func (m *Middleware) CleanupExpired(ctx context.Context) (int, error) {
	const op = "cleanup"
	if err := m.checkRate(op); err != nil {
		return 0, err
	}
	if err := m.cap.AuthorizeDelete(); err != nil {
		return 0, m.deny(EventAccessDenied, op, m.session, SeverityHigh, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := m.backend.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	m.granted(op, m.session, map[string]string{"removed": strconv.Itoa(n)})
	return n, nil
}

// GetSessionInfo applies the read gates to the target session, then
// delegates.
func (m *Middleware) GetSessionInfo(ctx context.Context, sessionID string) (*memory.SessionInfo, error) {
	const op = "session_info"
	if err := m.checkRate(op); err != nil {
		return nil, err
	}
	target := sessionID
	if target == "" {
		target = m.session
	}
	if err := m.sessionReadable(target); err != nil {
		return nil, m.deny(EventAccessDenied, op, target, SeverityHigh, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := m.backend.GetSessionInfo(ctx, target)
	if err != nil {
		return nil, err
	}
	m.granted(op, target, nil)
	return info, nil
}

// ListSessions delegates, then filters the listing down to sessions the
// capability and lineage can reach.
func (m *Middleware) ListSessions(ctx context.Context, limit int) ([]*memory.SessionInfo, error) {
	const op = "list_sessions"
	if err := m.checkRate(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := m.backend.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	visible := make([]*memory.SessionInfo, 0, len(infos))
	for _, info := range infos {
		if m.sessionReadable(info.SessionID) == nil {
			visible = append(visible, info)
		}
	}
	m.granted(op, m.session, map[string]string{"results": strconv.Itoa(len(visible))})
	return visible, nil
}

// Close shuts down the wrapped backend and, when owned, the recorder.
func (m *Middleware) Close(ctx context.Context) error {
	err := m.backend.Close(ctx)
	if m.ownRecorder {
		if cerr := m.recorder.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
