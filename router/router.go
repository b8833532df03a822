package router

import (
	"fmt"
	"strings"

	"github.com/queryweave/queryweave/config"
)

// Route identifies the downstream capability set chosen for a query.
type Route string

const (
	RouteSQL       Route = "sql"
	RouteDocuments Route = "documents"
	RouteHybrid    Route = "hybrid"
)

// ParseRoute converts a user-supplied route override into a Route.
func ParseRoute(s string) (Route, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sql":
		return RouteSQL, nil
	case "documents", "docs":
		return RouteDocuments, nil
	case "hybrid":
		return RouteHybrid, nil
	default:
		return "", fmt.Errorf("unknown route %q", s)
	}
}

// Match records one trigger phrase found in the query, in scan order.
type Match struct {
	Phrase   string  `json:"phrase"`
	Category Route   `json:"category"`
	Weight   float64 `json:"weight"`
}

// Decision is the routing decision for a query. Confidence is diagnostic
// only; it never gates execution.
type Decision struct {
	Route      Route   `json:"route"`
	Confidence float64 `json:"confidence"`
	Matches    []Match `json:"matches,omitempty"`
	Reason     string  `json:"reason"`
}

// Router classifies a normalized query string into a route decision.
// Classification is a pure function of the query text and the rule table,
// so identical queries always produce identical decisions and stable cache
// keys. The table is data, not code: categories change via configuration.
type Router struct {
	rules []config.RouteRule
}

// defaultRules is the built-in keyword table. The three category sets do
// not share phrases; hybrid phrases win over single-category keywords.
var defaultRules = []config.RouteRule{
	// Hybrid-indicative phrases.
	{Phrase: "and explain", Category: "hybrid"},
	{Phrase: "and describe", Category: "hybrid"},
	{Phrase: "and summarize", Category: "hybrid"},
	{Phrase: "explain the trend", Category: "hybrid"},
	{Phrase: "with context", Category: "hybrid"},
	{Phrase: "show data and explain", Category: "hybrid"},

	// SQL-indicative terms.
	{Phrase: "how many", Category: "sql"},
	{Phrase: "count", Category: "sql"},
	{Phrase: "sum", Category: "sql"},
	{Phrase: "average", Category: "sql"},
	{Phrase: "total", Category: "sql"},
	{Phrase: "revenue", Category: "sql"},
	{Phrase: "orders", Category: "sql"},
	{Phrase: "sales", Category: "sql"},
	{Phrase: "last month", Category: "sql"},
	{Phrase: "last quarter", Category: "sql"},
	{Phrase: "per region", Category: "sql"},
	{Phrase: "group by", Category: "sql"},
	{Phrase: "top 10", Category: "sql"},

	// Document-indicative terms.
	{Phrase: "what is", Category: "documents"},
	{Phrase: "explain", Category: "documents"},
	{Phrase: "describe", Category: "documents"},
	{Phrase: "policy", Category: "documents"},
	{Phrase: "documentation", Category: "documents"},
	{Phrase: "guide", Category: "documents"},
	{Phrase: "how do i", Category: "documents"},
	{Phrase: "why", Category: "documents"},
	{Phrase: "tell me about", Category: "documents"},
}

// New creates a router from configuration. Configured rules are scanned
// before the built-in table unless Replace is set, in which case they
// replace it entirely.
func New(cfg *config.RouterConfig) *Router {
	rules := defaultRules
	if cfg != nil && len(cfg.Rules) > 0 {
		if cfg.Replace {
			rules = cfg.Rules
		} else {
			merged := make([]config.RouteRule, 0, len(cfg.Rules)+len(defaultRules))
			merged = append(merged, cfg.Rules...)
			merged = append(merged, defaultRules...)
			rules = merged
		}
	}
	return &Router{rules: rules}
}

// Classify produces a route decision for the given query text.
// Precedence: a hybrid phrase wins outright; a query matching both the SQL
// and DOCUMENT sets without a hybrid phrase resolves to HYBRID with reduced
// confidence (do both rather than guess); a single-category match routes to
// that category; no match defaults to DOCUMENTS, the route with no risk of
// unintended data access. Empty input yields DOCUMENTS with zero confidence
// so the caller can short-circuit.
func (r *Router) Classify(text string) Decision {
	normalized := Normalize(text)
	if normalized == "" {
		return Decision{
			Route:  RouteDocuments,
			Reason: "empty query",
		}
	}

	var matches []Match
	var hybridScore, sqlScore, docScore float64
	for _, rule := range r.rules {
		phrase := strings.ToLower(strings.TrimSpace(rule.Phrase))
		if phrase == "" || !strings.Contains(normalized, phrase) {
			continue
		}
		w := rule.Weight
		if w <= 0 {
			// Exact multi-word phrases outweigh single keywords.
			if strings.ContainsRune(phrase, ' ') {
				w = 2.0
			} else {
				w = 1.0
			}
		}
		cat := Route(strings.ToLower(rule.Category))
		matches = append(matches, Match{Phrase: phrase, Category: cat, Weight: w})
		switch cat {
		case RouteHybrid:
			hybridScore += w
		case RouteSQL:
			sqlScore += w
		case RouteDocuments:
			docScore += w
		}
	}

	switch {
	case hybridScore > 0:
		return Decision{
			Route:      RouteHybrid,
			Confidence: confidence(hybridScore + sqlScore + docScore),
			Matches:    matches,
			Reason:     "hybrid phrase matched",
		}
	case sqlScore > 0 && docScore > 0:
		// Ambiguity resolved conservatively: do both rather than guess.
		return Decision{
			Route:      RouteHybrid,
			Confidence: confidence(sqlScore+docScore) * 0.5,
			Matches:    matches,
			Reason:     "both sql and document terms matched, no hybrid phrase",
		}
	case sqlScore > 0:
		return Decision{
			Route:      RouteSQL,
			Confidence: confidence(sqlScore),
			Matches:    matches,
			Reason:     "sql terms matched",
		}
	case docScore > 0:
		return Decision{
			Route:      RouteDocuments,
			Confidence: confidence(docScore),
			Matches:    matches,
			Reason:     "document terms matched",
		}
	default:
		return Decision{
			Route:      RouteDocuments,
			Confidence: 0.2,
			Reason:     "no terms matched, defaulting to documents",
		}
	}
}

// Normalize case-folds and trims query text the same way cache keys do.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// confidence maps an accumulated match score into (0, 1), monotonically.
func confidence(score float64) float64 {
	return score / (score + 2)
}
