// Package security implements the memory-access enforcement layer: per-agent
// capabilities, secret scrubbing, session isolation, query admission control,
// and audit logging, composed into a middleware that wraps a memory.Backend.
package security

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/nidhogg/memgate/internal/memory"
)

// Scope is the cross-session privilege level of a capability, strictly
// ordered from most to least restrictive.
type Scope int

const (
	ScopeSessionOnly Scope = iota
	ScopeCrossSessionRead
	ScopeCrossSessionWrite
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeSessionOnly:
		return "session_only"
	case ScopeCrossSessionRead:
		return "cross_session_read"
	case ScopeCrossSessionWrite:
		return "cross_session_write"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// ParseScope converts a config string to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "session_only":
		return ScopeSessionOnly, nil
	case "cross_session_read":
		return ScopeCrossSessionRead, nil
	case "cross_session_write":
		return ScopeCrossSessionWrite, nil
	case "global":
		return ScopeGlobal, nil
	default:
		return ScopeSessionOnly, fmt.Errorf("unknown scope %q", s)
	}
}

// DefaultMaxResults is assumed for queries that omit a result limit, so
// omission cannot bypass limit-based denial.
const DefaultMaxResults = 100

// maxResultsCeiling bounds the configurable max-results limit.
const maxResultsCeiling = 10000

// CapabilityConfig is the raw material for a Capability, typically decoded
// from configuration.
type CapabilityConfig struct {
	AgentID        string        `json:"agent_id"`
	Scope          string        `json:"scope"`
	AllowedKinds   []memory.Kind `json:"allowed_kinds"`
	MaxQueryCost   float64       `json:"max_query_cost"`
	MaxResults     int           `json:"max_results"`
	MaxTokenBudget int           `json:"max_token_budget"`
	PathPatterns   []string      `json:"path_patterns,omitempty"`
	ReadRedacted   bool          `json:"read_redacted"`
	Administer     bool          `json:"administer"`
}

// Capability is an immutable per-agent permission set. Construct it with
// NewCapability and never mutate it afterward; every authorize method is a
// pure function of the capability and its arguments.
type Capability struct {
	agentID        string
	scope          Scope
	allowedKinds   map[memory.Kind]bool
	maxQueryCost   float64
	maxResults     int
	maxTokenBudget int
	pathPatterns   []string
	pathGlobs      []glob.Glob
	readRedacted   bool
	administer     bool
}

// NewCapability validates cfg and builds the capability. It fails rather
// than produce a permission set that could ever be interpreted loosely.
func NewCapability(cfg CapabilityConfig) (*Capability, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("capability: agent id must not be empty")
	}
	scope, err := ParseScope(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", cfg.AgentID, err)
	}
	if len(cfg.AllowedKinds) == 0 {
		return nil, fmt.Errorf("capability %s: allowed kinds must not be empty", cfg.AgentID)
	}
	kinds := make(map[memory.Kind]bool, len(cfg.AllowedKinds))
	for _, k := range cfg.AllowedKinds {
		if !k.Valid() {
			return nil, fmt.Errorf("capability %s: unknown memory kind %q", cfg.AgentID, k)
		}
		kinds[k] = true
	}
	if cfg.MaxQueryCost <= 0 {
		return nil, fmt.Errorf("capability %s: max query cost must be positive", cfg.AgentID)
	}
	if cfg.MaxResults < 1 || cfg.MaxResults > maxResultsCeiling {
		return nil, fmt.Errorf("capability %s: max results must be in 1..%d", cfg.AgentID, maxResultsCeiling)
	}
	if cfg.MaxTokenBudget <= 0 {
		return nil, fmt.Errorf("capability %s: max token budget must be positive", cfg.AgentID)
	}
	globs := make([]glob.Glob, 0, len(cfg.PathPatterns))
	for _, p := range cfg.PathPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("capability %s: bad path pattern %q: %w", cfg.AgentID, p, err)
		}
		globs = append(globs, g)
	}
	return &Capability{
		agentID:        cfg.AgentID,
		scope:          scope,
		allowedKinds:   kinds,
		maxQueryCost:   cfg.MaxQueryCost,
		maxResults:     cfg.MaxResults,
		maxTokenBudget: cfg.MaxTokenBudget,
		pathPatterns:   cfg.PathPatterns,
		pathGlobs:      globs,
		readRedacted:   cfg.ReadRedacted,
		administer:     cfg.Administer,
	}, nil
}

// AgentID returns the agent this capability was issued to.
func (c *Capability) AgentID() string { return c.agentID }

// Scope returns the capability's privilege level.
func (c *Capability) Scope() Scope { return c.scope }

// MaxQueryCost returns the admission-cost ceiling for queries.
func (c *Capability) MaxQueryCost() float64 { return c.maxQueryCost }

// MaxTokenBudget returns the token ceiling granted to the agent.
func (c *Capability) MaxTokenBudget() int { return c.maxTokenBudget }

// ReadRedacted reports whether the agent may see sensitivity-high records.
func (c *Capability) ReadRedacted() bool { return c.readRedacted }

// AllowsKind reports whether the agent may touch records of kind k.
func (c *Capability) AllowsKind(k memory.Kind) bool { return c.allowedKinds[k] }

// AuthorizeStore permits writing a record of the given kind into
// targetSession from currentSession. Deny by default.
func (c *Capability) AuthorizeStore(kind memory.Kind, targetSession, currentSession string) error {
	if !c.allowedKinds[kind] {
		return memory.Violation("agent %s may not store %s records", c.agentID, kind)
	}
	if targetSession != currentSession && c.scope < ScopeCrossSessionWrite {
		return memory.Violation("agent %s scope %s forbids writing to session %s", c.agentID, c.scope, targetSession)
	}
	return nil
}

// AuthorizeQuery permits a retrieval with the given pre-computed admission
// cost from currentSession. Deny by default.
func (c *Capability) AuthorizeQuery(q memory.Query, currentSession string, estimatedCost float64) error {
	target := q.SessionID
	if target == "" {
		target = currentSession
	}
	if target != currentSession && c.scope == ScopeSessionOnly {
		return memory.Violation("agent %s scope session_only forbids session access to %s", c.agentID, target)
	}
	if q.Kind != "" && !c.allowedKinds[q.Kind] {
		return memory.Violation("agent %s may not query %s records", c.agentID, q.Kind)
	}
	if estimatedCost > c.maxQueryCost {
		return memory.Violation("agent %s query cost %.1f exceeds limit %.1f", c.agentID, estimatedCost, c.maxQueryCost)
	}
	limit := q.Limit
	if limit < 0 {
		return memory.Violation("agent %s result limit %d is negative", c.agentID, limit)
	}
	if limit == 0 {
		limit = DefaultMaxResults
	}
	if limit > c.maxResults {
		return memory.Violation("agent %s result limit %d exceeds maximum %d", c.agentID, limit, c.maxResults)
	}
	for _, path := range q.FilePaths {
		if !c.pathAllowed(path) {
			return memory.Violation("agent %s may not access path %s", c.agentID, path)
		}
	}
	return nil
}

// AuthorizeDelete permits deleting a single record.
func (c *Capability) AuthorizeDelete() error {
	if !c.administer {
		return memory.Violation("agent %s lacks administer grant for delete", c.agentID)
	}
	return nil
}

// AuthorizeClear permits wiping targetSession. Requires the administer grant
// plus the same write eligibility as a store.
func (c *Capability) AuthorizeClear(targetSession, currentSession string) error {
	if !c.administer {
		return memory.Violation("agent %s lacks administer grant for clear", c.agentID)
	}
	if targetSession != currentSession && c.scope < ScopeCrossSessionWrite {
		return memory.Violation("agent %s scope %s forbids clearing session %s", c.agentID, c.scope, targetSession)
	}
	return nil
}

func (c *Capability) pathAllowed(path string) bool {
	for _, g := range c.pathGlobs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
