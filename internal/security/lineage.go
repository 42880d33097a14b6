package security

import (
	"sync"
)

// LineageRecord tracks one session's place in the parent/child tree. Records
// live for the process lifetime and are never deleted.
type LineageRecord struct {
	SessionID string   `json:"session_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Children  []string `json:"children,omitempty"`
}

// LineageManager registers sessions and answers reachability questions for
// the isolation check. Safe for concurrent use; its lock covers only the
// lineage table.
type LineageManager struct {
	mu       sync.RWMutex
	sessions map[string]*LineageRecord
}

// NewLineageManager returns an empty lineage table.
func NewLineageManager() *LineageManager {
	return &LineageManager{sessions: make(map[string]*LineageRecord)}
}

// Register creates or fetches the record for sessionID. When parentID names
// an already-registered session, sessionID is appended to its child set
// (once). Register is idempotent.
func (m *LineageManager) Register(sessionID, parentID string) LineageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		rec = &LineageRecord{SessionID: sessionID}
		m.sessions[sessionID] = rec
	}
	if parentID != "" && rec.ParentID == "" {
		rec.ParentID = parentID
		if parent, ok := m.sessions[parentID]; ok {
			parent.addChild(sessionID)
		}
	}
	return rec.snapshot()
}

// CanAccess reports whether current may reach target: itself, its registered
// parent, or one of its registered children. Unregistered sessions reach
// only themselves. Scope GLOBAL bypasses this check entirely at the
// middleware, not here.
func (m *LineageManager) CanAccess(current, target string) bool {
	if current == target {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[current]
	if !ok {
		return false
	}
	if rec.ParentID == target {
		return true
	}
	for _, child := range rec.Children {
		if child == target {
			return true
		}
	}
	return false
}

// Lookup returns a copy of the record for sessionID, if registered.
func (m *LineageManager) Lookup(sessionID string) (LineageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return LineageRecord{}, false
	}
	return rec.snapshot(), true
}

// snapshot copies the record, detaching the child slice from the live
// backing array so callers never observe later registrations.
func (r *LineageRecord) snapshot() LineageRecord {
	out := *r
	if len(r.Children) > 0 {
		out.Children = append([]string(nil), r.Children...)
	}
	return out
}

func (r *LineageRecord) addChild(id string) {
	for _, c := range r.Children {
		if c == id {
			return
		}
	}
	r.Children = append(r.Children, id)
}
