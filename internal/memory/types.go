package memory

import (
	"context"
	"time"
)

// Kind classifies a memory record by cognitive category.
type Kind string

const (
	KindEpisodic    Kind = "episodic"
	KindSemantic    Kind = "semantic"
	KindProcedural  Kind = "procedural"
	KindProspective Kind = "prospective"
	KindWorking     Kind = "working"
)

// AllKinds lists every valid memory kind.
var AllKinds = []Kind{KindEpisodic, KindSemantic, KindProcedural, KindProspective, KindWorking}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural, KindProspective, KindWorking:
		return true
	}
	return false
}

// Sensitivity levels assigned by the scrubber when a record is stored.
const (
	SensitivityLow  = "low"
	SensitivityHigh = "high"
)

// Record is a single memory entry.
type Record struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	AgentID     string            `json:"agent_id"`
	Kind        Kind              `json:"kind"`
	Content     string            `json:"content"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Sensitivity string            `json:"sensitivity,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the record has an expiry in the past.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Query describes a retrieval request against a backend.
type Query struct {
	SessionID     string   `json:"session_id,omitempty"` // empty = ambient session
	Kind          Kind     `json:"kind,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ContentSearch string   `json:"content_search,omitempty"`
	FilePaths     []string `json:"file_paths,omitempty"` // source paths for code-context queries
	Limit         int      `json:"limit,omitempty"`      // 0 = backend default
}

// SessionInfo summarizes one session known to a backend.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastWriteAt time.Time `json:"last_write_at"`
}

// Backend is the storage contract the security middleware wraps. The
// middleware itself implements Backend, so guarded and unguarded stores are
// interchangeable to callers.
type Backend interface {
	Initialize(ctx context.Context) error
	Store(ctx context.Context, rec *Record) (bool, error)
	Retrieve(ctx context.Context, q Query) ([]*Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	ClearSession(ctx context.Context, sessionID string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error)
	ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error)
	Close(ctx context.Context) error
}
