package schema

import "time"

// QueryRequest is an inbound natural-language query. Immutable once created.
type QueryRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	// RouteOverride forces a route ("sql", "documents", "hybrid") and skips
	// classification when set.
	RouteOverride string `json:"route_override,omitempty"`
	TopK          int    `json:"top_k,omitempty"`
}

// Chunk is one document fragment returned by a retrieval capability.
type Chunk struct {
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	SourceRef string  `json:"source_ref,omitempty"`
}

// SQLResult is the structured-data arm's contribution to a response.
type SQLResult struct {
	SQL     string   `json:"sql"`
	Columns []string `json:"columns,omitempty"`
	Rows    [][]any  `json:"rows,omitempty"`
	JobRef  string   `json:"job_ref,omitempty"`
	State   string   `json:"state,omitempty"`
}

// Response is the orchestrator's answer to a QueryRequest. Every response
// carries its route and whether it was served from cache.
type Response struct {
	Answer    string     `json:"answer,omitempty"`
	Citations []Chunk    `json:"citations,omitempty"`
	SQLJobRef string     `json:"sql_job_ref,omitempty"`
	SQLState  string     `json:"sql_state,omitempty"`
	SQL       *SQLResult `json:"sql,omitempty"`
	Route     string     `json:"route"`
	CacheHit  bool       `json:"cache_hit"`
	// Degraded lists arms that failed softly ("documents", "sql").
	Degraded  []string  `json:"degraded,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
