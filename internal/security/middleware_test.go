package security

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/memgate/internal/memory"
)

// fakeBackend is a minimal in-memory Backend that counts delegations so
// tests can assert the middleware never reached it on a denial.
type fakeBackend struct {
	records  map[string]*memory.Record
	failWith error

	storeCalls    int
	retrieveCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]*memory.Record)}
}

func (f *fakeBackend) Initialize(ctx context.Context) error { return nil }

func (f *fakeBackend) Store(ctx context.Context, rec *memory.Record) (bool, error) {
	f.storeCalls++
	if f.failWith != nil {
		return false, f.failWith
	}
	if rec.ID == "" {
		rec.ID = "rec-" + rec.SessionID
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return true, nil
}

func (f *fakeBackend) Retrieve(ctx context.Context, q memory.Query) ([]*memory.Record, error) {
	f.retrieveCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []*memory.Record
	for _, rec := range f.records {
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeBackend) GetByID(ctx context.Context, id string) (*memory.Record, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.records[id], nil
}

func (f *fakeBackend) Delete(ctx context.Context, id string) (bool, error) {
	if _, ok := f.records[id]; !ok {
		return false, nil
	}
	delete(f.records, id)
	return true, nil
}

func (f *fakeBackend) ClearSession(ctx context.Context, sessionID string) (int, error) {
	n := 0
	for id, rec := range f.records {
		if rec.SessionID == sessionID {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeBackend) GetSessionInfo(ctx context.Context, sessionID string) (*memory.SessionInfo, error) {
	return &memory.SessionInfo{SessionID: sessionID}, nil
}

func (f *fakeBackend) ListSessions(ctx context.Context, limit int) ([]*memory.SessionInfo, error) {
	seen := map[string]bool{}
	var out []*memory.SessionInfo
	for _, rec := range f.records {
		if !seen[rec.SessionID] {
			seen[rec.SessionID] = true
			out = append(out, &memory.SessionInfo{SessionID: rec.SessionID})
		}
	}
	return out, nil
}

func (f *fakeBackend) Close(ctx context.Context) error { return nil }

func newTestMiddleware(t *testing.T, backend memory.Backend, cfg CapabilityConfig, session string, opts ...Option) *Middleware {
	t.Helper()
	cap := mustCapability(t, cfg)
	m, err := NewMiddleware(backend, cap, session, opts...)
	if err != nil {
		t.Fatalf("NewMiddleware: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestStoreScrubsAndTagsRecord(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	token := "ghp_" + strings.Repeat("a1B2", 9)
	rec := &memory.Record{Kind: memory.KindEpisodic, Content: "deploy with " + token}
	ok, err := m.Store(context.Background(), rec)
	if err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}

	var stored *memory.Record
	for _, r := range backend.records {
		stored = r
	}
	if stored == nil {
		t.Fatal("record never reached the backend")
	}
	if strings.Contains(stored.Content, token) {
		t.Fatalf("secret reached storage: %q", stored.Content)
	}
	if !strings.Contains(stored.Content, "[REDACTED:GITHUB_TOKEN]") {
		t.Fatalf("stored content missing redaction token: %q", stored.Content)
	}
	if stored.Sensitivity != memory.SensitivityHigh {
		t.Fatalf("sensitivity = %q, want high", stored.Sensitivity)
	}
	// The caller's record is untouched.
	if !strings.Contains(rec.Content, token) {
		t.Fatal("caller's record was mutated")
	}
	if got := m.Recorder().Query(EventCredentialScrubbed, SeverityInfo); len(got) != 1 {
		t.Fatalf("scrub events = %d, want 1", len(got))
	}
}

func TestRetrieveCrossSessionDeniedBeforeBackend(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	_, err := m.Retrieve(context.Background(), memory.Query{SessionID: "s2"})
	if err == nil {
		t.Fatal("cross-session retrieve allowed under session_only")
	}
	if !memory.IsViolation(err) {
		t.Fatalf("denial is not a security violation: %v", err)
	}
	if !strings.Contains(err.Error(), "session access") {
		t.Fatalf("reason does not reference session access: %v", err)
	}
	if backend.retrieveCalls != 0 {
		t.Fatal("backend was called despite the denial")
	}
	denied := m.Recorder().Query(EventAccessDenied, SeverityHigh)
	if len(denied) != 1 {
		t.Fatalf("denial events at severity>=4: %d, want 1", len(denied))
	}
}

func TestGlobalScopeBypassesLineage(t *testing.T) {
	backend := newFakeBackend()
	cfg := baseConfig()
	cfg.Scope = "global"
	m := newTestMiddleware(t, backend, cfg, "s1")

	// "elsewhere" was never registered with the lineage manager.
	if _, err := m.Retrieve(context.Background(), memory.Query{SessionID: "elsewhere"}); err != nil {
		t.Fatalf("global scope denied by lineage: %v", err)
	}
	rec := &memory.Record{Kind: memory.KindEpisodic, SessionID: "elsewhere", Content: "x"}
	if _, err := m.Store(context.Background(), rec); err != nil {
		t.Fatalf("global cross-session store denied: %v", err)
	}
}

func TestCrossSessionNeedsScopeAndLineage(t *testing.T) {
	backend := newFakeBackend()
	cfg := baseConfig()
	cfg.Scope = "cross_session_read"
	m := newTestMiddleware(t, backend, cfg, "s1")

	// Scope alone is not enough: s2 has no lineage relation to s1.
	if _, err := m.Retrieve(context.Background(), memory.Query{SessionID: "s2"}); err == nil {
		t.Fatal("scope grant without lineage was allowed")
	}

	// A registered child becomes reachable.
	m.Lineage().Register("s2", "s1")
	if _, err := m.Retrieve(context.Background(), memory.Query{SessionID: "s2"}); err != nil {
		t.Fatalf("lineage child denied: %v", err)
	}
}

func TestRetrieveFiltersSensitiveRecords(t *testing.T) {
	backend := newFakeBackend()
	backend.records["r1"] = &memory.Record{
		ID: "r1", SessionID: "s1", Kind: memory.KindEpisodic,
		Content: "[REDACTED:AWS_KEY] was rotated", Sensitivity: memory.SensitivityHigh,
	}
	backend.records["r2"] = &memory.Record{
		ID: "r2", SessionID: "s1", Kind: memory.KindEpisodic,
		Content: "sprint planning notes", Sensitivity: memory.SensitivityLow,
	}

	m := newTestMiddleware(t, backend, baseConfig(), "s1")
	records, err := m.Retrieve(context.Background(), memory.Query{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r2" {
		t.Fatalf("sensitive record not filtered: %v", records)
	}

	cfg := baseConfig()
	cfg.ReadRedacted = true
	trusted := newTestMiddleware(t, backend, cfg, "s1")
	records, err = trusted.Retrieve(context.Background(), memory.Query{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("read-redacted grant still filtered: %d records", len(records))
	}
}

func TestGetByIDSensitiveReportedAbsent(t *testing.T) {
	backend := newFakeBackend()
	backend.records["r1"] = &memory.Record{
		ID: "r1", SessionID: "s1", Kind: memory.KindEpisodic,
		Content: "x", Sensitivity: memory.SensitivityHigh,
	}
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	rec, err := m.GetByID(context.Background(), "r1")
	if err != nil {
		t.Fatalf("sensitivity filtering must not be a denial: %v", err)
	}
	if rec != nil {
		t.Fatal("sensitive record returned without the read-redacted grant")
	}
}

func TestGetByIDForeignSessionDenied(t *testing.T) {
	backend := newFakeBackend()
	backend.records["r1"] = &memory.Record{
		ID: "r1", SessionID: "s9", Kind: memory.KindEpisodic, Content: "x",
	}
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	if _, err := m.GetByID(context.Background(), "r1"); !memory.IsViolation(err) {
		t.Fatalf("foreign-session get = %v, want security violation", err)
	}
}

func TestDeleteRequiresAdminister(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	if _, err := m.Delete(context.Background(), "r1"); !memory.IsViolation(err) {
		t.Fatalf("delete without administer = %v, want security violation", err)
	}

	cfg := baseConfig()
	cfg.Administer = true
	backend.records["r1"] = &memory.Record{ID: "r1", SessionID: "s1", Kind: memory.KindEpisodic}
	admin := newTestMiddleware(t, backend, cfg, "s1")
	ok, err := admin.Delete(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("administered delete: ok=%v err=%v", ok, err)
	}
}

func TestClearSessionAuditsEvent(t *testing.T) {
	backend := newFakeBackend()
	backend.records["r1"] = &memory.Record{ID: "r1", SessionID: "s1", Kind: memory.KindWorking}
	cfg := baseConfig()
	cfg.Administer = true
	m := newTestMiddleware(t, backend, cfg, "s1")

	n, err := m.ClearSession(context.Background(), "")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared = %d, want 1", n)
	}
	if got := m.Recorder().Query(EventSessionCleared, SeverityInfo); len(got) != 1 {
		t.Fatalf("session-cleared events = %d, want 1", len(got))
	}
}

func TestInjectionSearchTermDenied(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	_, err := m.Retrieve(context.Background(), memory.Query{Limit: 5, ContentSearch: "x MATCH (n) DETACH DELETE n"})
	if !memory.IsViolation(err) {
		t.Fatalf("injection search = %v, want security violation", err)
	}
	if backend.retrieveCalls != 0 {
		t.Fatal("backend saw the injection-bearing query")
	}
	if got := m.Recorder().Query(EventInjectionAttempt, SeverityHigh); len(got) != 1 {
		t.Fatalf("injection events = %d, want 1", len(got))
	}
}

func TestRateLimitViolation(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1", WithRateLimit(2))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Retrieve(ctx, memory.Query{Limit: 5}); err != nil {
			t.Fatalf("request %d under the ceiling failed: %v", i+1, err)
		}
	}
	_, err := m.Retrieve(ctx, memory.Query{Limit: 5})
	if !memory.IsViolation(err) {
		t.Fatalf("over-rate request = %v, want security violation", err)
	}
	if got := m.Recorder().Query(EventRateLimitExceeded, SeverityHigh); len(got) != 1 {
		t.Fatalf("rate events = %d, want 1", len(got))
	}
}

func TestAnomalyDetectionDisabled(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1",
		WithAnomalyDetection(false), WithRateLimit(1))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.Retrieve(ctx, memory.Query{Limit: 5}); err != nil {
			t.Fatalf("request %d throttled with anomaly detection off: %v", i+1, err)
		}
	}
}

func TestFailureStreakEscalates(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1", WithFailureLimit(2))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.Retrieve(ctx, memory.Query{SessionID: "s2"}) // always denied
	}
	if got := m.Recorder().Query(EventUnusualPattern, SeverityCritical); len(got) == 0 {
		t.Fatal("failure streak produced no unusual-pattern event")
	}
}

func TestBackendErrorPassesThrough(t *testing.T) {
	backend := newFakeBackend()
	backendErr := errors.New("bolt connection refused")
	backend.failWith = backendErr
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	_, err := m.Retrieve(context.Background(), memory.Query{Limit: 5})
	if !errors.Is(err, backendErr) {
		t.Fatalf("backend error was masked: %v", err)
	}
	if memory.IsViolation(err) {
		t.Fatal("backend failure reported as a security violation")
	}
}

func TestCancelledContextStopsBeforeDelegation(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Retrieve(ctx, memory.Query{Limit: 5})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled retrieve = %v", err)
	}
	if backend.retrieveCalls != 0 {
		t.Fatal("backend called after cancellation")
	}
}

func TestListSessionsFiltered(t *testing.T) {
	backend := newFakeBackend()
	backend.records["a"] = &memory.Record{ID: "a", SessionID: "s1", Kind: memory.KindEpisodic}
	backend.records["b"] = &memory.Record{ID: "b", SessionID: "s2", Kind: memory.KindEpisodic}
	m := newTestMiddleware(t, backend, baseConfig(), "s1")

	infos, err := m.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != "s1" {
		t.Fatalf("session_only listing = %v, want just s1", infos)
	}
}
