// Package filestore is the file-based reference backend: one JSON-lines
// file per session under a root directory, with an in-memory index for
// queries. It implements memory.Backend and is what the security middleware
// wraps in single-node deployments.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memgate/internal/memory"
)

// defaultLimit caps result sets when a query omits its own limit.
const defaultLimit = 100

// Store is a file-backed memory.Backend.
type Store struct {
	root   string
	logger *zap.Logger

	mu       sync.RWMutex
	records  map[string]*memory.Record   // id -> record
	sessions map[string][]string         // session -> record ids, insertion order
	created  map[string]time.Time        // session -> first write
	updated  map[string]time.Time        // session -> last write
}

// New creates a store rooted at dir. Call Initialize before use.
func New(dir string, logger *zap.Logger) *Store {
	return &Store{
		root:     dir,
		logger:   logger,
		records:  make(map[string]*memory.Record),
		sessions: make(map[string][]string),
		created:  make(map[string]time.Time),
		updated:  make(map[string]time.Time),
	}
}

// Initialize creates the root directory and loads every session file into
// the index.
func (s *Store) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("create store root %s: %w", s.root, err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store root: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		if err := s.loadFileLocked(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	s.logger.Info("file store initialized",
		zap.String("root", s.root),
		zap.Int("records", len(s.records)),
		zap.Int("sessions", len(s.sessions)))
	return nil
}

func (s *Store) loadFileLocked(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open session file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec memory.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("parse record in %s: %w", path, err)
		}
		s.indexLocked(&rec)
	}
	return scanner.Err()
}

func (s *Store) indexLocked(rec *memory.Record) {
	s.records[rec.ID] = rec
	s.sessions[rec.SessionID] = append(s.sessions[rec.SessionID], rec.ID)
	if first, ok := s.created[rec.SessionID]; !ok || rec.CreatedAt.Before(first) {
		s.created[rec.SessionID] = rec.CreatedAt
	}
	if last, ok := s.updated[rec.SessionID]; !ok || rec.CreatedAt.After(last) {
		s.updated[rec.SessionID] = rec.CreatedAt
	}
}

func (s *Store) sessionPath(sessionID string) string {
	// Session ids come from callers; keep the filename flat.
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(sessionID)
	return filepath.Join(s.root, name+".jsonl")
}

// Store appends the record to its session file and indexes it.
func (s *Store) Store(ctx context.Context, rec *memory.Record) (bool, error) {
	if rec.SessionID == "" {
		return false, fmt.Errorf("record has no session id")
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(&cp)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.sessionPath(cp.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("append record: %w", err)
	}
	s.indexLocked(&cp)
	rec.ID = cp.ID
	rec.CreatedAt = cp.CreatedAt
	return true, nil
}

// Retrieve filters the index by the query's predicates. Results come back
// newest first, truncated to the limit.
func (s *Store) Retrieve(ctx context.Context, q memory.Query) ([]*memory.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Record
	for _, rec := range s.records {
		if rec.Expired(now) {
			continue
		}
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		if len(q.Tags) > 0 && !hasAllTags(rec.Tags, q.Tags) {
			continue
		}
		if q.ContentSearch != "" && !strings.Contains(strings.ToLower(rec.Content), strings.ToLower(q.ContentSearch)) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetByID returns the record or nil when absent or expired.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Delete removes one record and rewrites its session file.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	delete(s.records, id)
	ids := s.sessions[rec.SessionID]
	for i, rid := range ids {
		if rid == id {
			s.sessions[rec.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if err := s.rewriteSessionLocked(rec.SessionID); err != nil {
		return false, err
	}
	return true, nil
}

// ClearSession removes every record of the session and its file.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sessions[sessionID]
	for _, id := range ids {
		delete(s.records, id)
	}
	n := len(ids)
	delete(s.sessions, sessionID)
	delete(s.created, sessionID)
	delete(s.updated, sessionID)
	if err := os.Remove(s.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("remove session file: %w", err)
	}
	return n, nil
}

// CleanupExpired drops every expired record and rewrites touched sessions.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := map[string]bool{}
	n := 0
	for id, rec := range s.records {
		if !rec.Expired(now) {
			continue
		}
		delete(s.records, id)
		ids := s.sessions[rec.SessionID]
		for i, rid := range ids {
			if rid == id {
				s.sessions[rec.SessionID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		touched[rec.SessionID] = true
		n++
	}
	for session := range touched {
		if err := s.rewriteSessionLocked(session); err != nil {
			return n, err
		}
	}
	return n, nil
}

// rewriteSessionLocked rebuilds a session file from the index after a
// deletion. Requires the write lock.
func (s *Store) rewriteSessionLocked(sessionID string) error {
	path := s.sessionPath(sessionID)
	ids := s.sessions[sessionID]
	if len(ids) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp session file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		line, err := json.Marshal(s.records[id])
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush session file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// GetSessionInfo summarizes one session, or nil when unknown.
func (s *Store) GetSessionInfo(ctx context.Context, sessionID string) (*memory.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &memory.SessionInfo{
		SessionID:   sessionID,
		RecordCount: len(ids),
		CreatedAt:   s.created[sessionID],
		LastWriteAt: s.updated[sessionID],
	}, nil
}

// ListSessions returns session summaries ordered by last write, newest
// first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*memory.SessionInfo, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memory.SessionInfo, 0, len(s.sessions))
	for id, ids := range s.sessions {
		out = append(out, &memory.SessionInfo{
			SessionID:   id,
			RecordCount: len(ids),
			CreatedAt:   s.created[id],
			LastWriteAt: s.updated[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastWriteAt.After(out[j].LastWriteAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the file store; files are closed per operation.
func (s *Store) Close(ctx context.Context) error {
	return nil
}
