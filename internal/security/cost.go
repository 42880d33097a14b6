package security

import (
	"regexp"
	"strings"

	"github.com/nidhogg/memgate/internal/memory"
)

// Cost model constants. Total cost is the sum of the descriptor components
// and is monotone in result limit, filter count, and search presence.
const (
	costBase          = 10.0
	costPerFilter     = 5.0
	costPerResult     = 0.1
	costContentSearch = 25.0
	costPerSearchByte = 0.01
	costTagSearch     = 10.0
)

// CostDescriptor is the computed admission price of one query. Ephemeral,
// never persisted.
type CostDescriptor struct {
	Base       float64 `json:"base"`
	Filter     float64 `json:"filter"`
	Result     float64 `json:"result"`
	Complexity float64 `json:"complexity"`
}

// Total returns the summed admission cost.
func (d CostDescriptor) Total() float64 {
	return d.Base + d.Filter + d.Result + d.Complexity
}

// cypherKeywords is the injection denylist scanned against free-text search
// terms. The graph backend speaks Cypher, so any of its statement keywords
// in a search term is rejected outright.
var cypherKeywords = []string{
	"MATCH", "MERGE", "CREATE", "DELETE", "DETACH", "REMOVE",
	"SET", "DROP", "CALL", "UNION", "FOREACH", "LOAD CSV",
	"WITH", "RETURN",
}

var cypherKeywordRes = compileKeywordRes(cypherKeywords)

func compileKeywordRes(words []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		res[i] = regexp.MustCompile(`(?i)\b` + strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`) + `\b`)
	}
	return res
}

// CostEstimator prices queries and validates them against a ceiling. It is
// stateless and safe for concurrent use.
type CostEstimator struct{}

// NewCostEstimator returns the estimator.
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{}
}

// Estimate computes the cost descriptor for q. An absent or negative result
// limit is priced as DefaultMaxResults so limit games cannot dodge admission
// control.
func (e *CostEstimator) Estimate(q memory.Query) CostDescriptor {
	d := CostDescriptor{Base: costBase}

	filters := 0
	if q.Kind != "" {
		filters++
	}
	if q.SessionID != "" {
		filters++
	}
	if len(q.Tags) > 0 {
		filters++
	}
	if len(q.FilePaths) > 0 {
		filters++
	}
	d.Filter = costPerFilter * float64(filters)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	d.Result = costPerResult * float64(limit)

	if q.ContentSearch != "" {
		d.Complexity += costContentSearch + costPerSearchByte*float64(len(q.ContentSearch))
	}
	if len(q.Tags) > 0 {
		d.Complexity += costTagSearch
	}
	return d
}

// Validate prices q and denies when the total exceeds maxCost. Queries that
// pass the cost gate are additionally scanned for Cypher keywords in the
// free-text search term; any hit is a denial regardless of cost. Cost is
// always checked before the keyword scan.
func (e *CostEstimator) Validate(q memory.Query, maxCost float64) (CostDescriptor, error) {
	d := e.Estimate(q)
	if total := d.Total(); total > maxCost {
		return d, memory.Violation("query cost %.1f exceeds limit %.1f", total, maxCost)
	}
	if q.ContentSearch != "" {
		for i, re := range cypherKeywordRes {
			if re.MatchString(q.ContentSearch) {
				return d, memory.Violation("search term contains blocked query keyword %s", cypherKeywords[i])
			}
		}
	}
	return d, nil
}
