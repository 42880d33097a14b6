// Package graphstore is the Neo4j-backed reference backend. Records are
// :Memory nodes linked to :Session nodes; every query is parameterized, and
// the middleware's injection scan keeps free-text search terms out of the
// Cypher surface entirely.
package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/memgate/internal/memory"
)

const defaultLimit = 100

// Store is a Neo4j memory.Backend.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a store connected to the given bolt URI.
func New(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Initialize verifies connectivity and ensures the uniqueness constraints.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT memgate_memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT memgate_session_id IF NOT EXISTS FOR (s:Session) REQUIRE s.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return nil
}

// Store creates the memory node and links it to its session node.
func (s *Store) Store(ctx context.Context, rec *memory.Record) (bool, error) {
	if rec.SessionID == "" {
		return false, fmt.Errorf("record has no session id")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	var expires interface{}
	if rec.ExpiresAt != nil {
		expires = *rec.ExpiresAt
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err = session.Run(ctx,
		`MERGE (s:Session {id: $sessionId})
		 ON CREATE SET s.created_at = $createdAt
		 SET s.last_write = $createdAt
		 CREATE (m:Memory {
			id: $id, session_id: $sessionId, agent_id: $agentId,
			kind: $kind, content: $content, tags: $tags,
			metadata: $metadata, sensitivity: $sensitivity,
			created_at: $createdAt, expires_at: $expiresAt
		 })
		 CREATE (m)-[:IN_SESSION]->(s)`,
		map[string]interface{}{
			"id":          rec.ID,
			"sessionId":   rec.SessionID,
			"agentId":     rec.AgentID,
			"kind":        string(rec.Kind),
			"content":     rec.Content,
			"tags":        toInterfaceSlice(rec.Tags),
			"metadata":    string(metaJSON),
			"sensitivity": rec.Sensitivity,
			"createdAt":   rec.CreatedAt,
			"expiresAt":   expires,
		})
	if err != nil {
		return false, fmt.Errorf("store record: %w", err)
	}
	return true, nil
}

// Retrieve runs a fully parameterized match over the query's predicates.
func (s *Store) Retrieve(ctx context.Context, q memory.Query) ([]*memory.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	cypher := `MATCH (m:Memory)
		WHERE (m.expires_at IS NULL OR m.expires_at > datetime())`
	params := map[string]interface{}{"limit": limit}
	if q.SessionID != "" {
		cypher += ` AND m.session_id = $sessionId`
		params["sessionId"] = q.SessionID
	}
	if q.Kind != "" {
		cypher += ` AND m.kind = $kind`
		params["kind"] = string(q.Kind)
	}
	if len(q.Tags) > 0 {
		cypher += ` AND all(t IN $tags WHERE t IN m.tags)`
		params["tags"] = toInterfaceSlice(q.Tags)
	}
	if q.ContentSearch != "" {
		cypher += ` AND toLower(m.content) CONTAINS toLower($search)`
		params["search"] = q.ContentSearch
	}
	cypher += ` RETURN m ORDER BY m.created_at DESC LIMIT $limit`

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve records: %w", err)
	}
	var records []*memory.Record
	for result.Next(ctx) {
		node, ok := result.Record().Values[0].(neo4j.Node)
		if !ok {
			continue
		}
		records = append(records, recordFromNode(node))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("retrieve records: %w", err)
	}
	return records, nil
}

// GetByID returns the record or nil when absent or expired.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {id: $id})
		 WHERE m.expires_at IS NULL OR m.expires_at > datetime()
		 RETURN m`,
		map[string]interface{}{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if !result.Next(ctx) {
		return nil, result.Err()
	}
	node, ok := result.Record().Values[0].(neo4j.Node)
	if !ok {
		return nil, nil
	}
	return recordFromNode(node), nil
}

// Delete detaches and removes one record node.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {id: $id}) DETACH DELETE m`,
		map[string]interface{}{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return summary.Counters().NodesDeleted() > 0, nil
}

// ClearSession removes every record of the session plus the session node.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {session_id: $sessionId}) DETACH DELETE m`,
		map[string]interface{}{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	n := summary.Counters().NodesDeleted()

	if _, err := session.Run(ctx,
		`MATCH (s:Session {id: $sessionId}) DETACH DELETE s`,
		map[string]interface{}{"sessionId": sessionID}); err != nil {
		return n, fmt.Errorf("remove session node: %w", err)
	}
	return n, nil
}

// CleanupExpired removes every record whose expiry has passed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory)
		 WHERE m.expires_at IS NOT NULL AND m.expires_at <= datetime()
		 DETACH DELETE m`, nil)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return summary.Counters().NodesDeleted(), nil
}

// GetSessionInfo summarizes one session node, or nil when unknown.
func (s *Store) GetSessionInfo(ctx context.Context, sessionID string) (*memory.SessionInfo, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Session {id: $sessionId})
		 OPTIONAL MATCH (m:Memory)-[:IN_SESSION]->(s)
		 RETURN s.id, s.created_at, s.last_write, count(m)`,
		map[string]interface{}{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("get session info: %w", err)
	}
	if !result.Next(ctx) {
		return nil, result.Err()
	}
	return sessionInfoFromRecord(result.Record()), nil
}

// ListSessions returns session summaries ordered by last write.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*memory.SessionInfo, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Session)
		 OPTIONAL MATCH (m:Memory)-[:IN_SESSION]->(s)
		 RETURN s.id, s.created_at, s.last_write, count(m)
		 ORDER BY s.last_write DESC LIMIT $limit`,
		map[string]interface{}{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var infos []*memory.SessionInfo
	for result.Next(ctx) {
		infos = append(infos, sessionInfoFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return infos, nil
}

// Close shuts down the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func recordFromNode(node neo4j.Node) *memory.Record {
	rec := &memory.Record{
		ID:          stringProp(node.Props, "id"),
		SessionID:   stringProp(node.Props, "session_id"),
		AgentID:     stringProp(node.Props, "agent_id"),
		Kind:        memory.Kind(stringProp(node.Props, "kind")),
		Content:     stringProp(node.Props, "content"),
		Sensitivity: stringProp(node.Props, "sensitivity"),
		CreatedAt:   timeProp(node.Props, "created_at"),
	}
	if tags, ok := node.Props["tags"].([]interface{}); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				rec.Tags = append(rec.Tags, s)
			}
		}
	}
	if meta := stringProp(node.Props, "metadata"); meta != "" && meta != "null" {
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
	}
	if exp, ok := node.Props["expires_at"].(time.Time); ok {
		rec.ExpiresAt = &exp
	}
	return rec
}

func sessionInfoFromRecord(rec *neo4j.Record) *memory.SessionInfo {
	info := &memory.SessionInfo{}
	if id, ok := rec.Values[0].(string); ok {
		info.SessionID = id
	}
	if created, ok := rec.Values[1].(time.Time); ok {
		info.CreatedAt = created
	}
	if last, ok := rec.Values[2].(time.Time); ok {
		info.LastWriteAt = last
	}
	if count, ok := rec.Values[3].(int64); ok {
		info.RecordCount = int(count)
	}
	return info
}

func stringProp(props map[string]interface{}, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func timeProp(props map[string]interface{}, key string) time.Time {
	if v, ok := props[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
