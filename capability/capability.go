package capability

import (
	"context"
	"errors"

	"github.com/queryweave/queryweave/schema"
)

// The orchestration layer talks to everything expensive through these
// narrow interfaces; implementations live behind them so backends can be
// swapped without touching control flow.

// ErrUnavailable marks a soft capability failure: the affected route
// degrades instead of failing the whole request.
var ErrUnavailable = errors.New("capability unavailable")

// DocumentRetrieval is the semantic search capability. A timeout or an
// empty result set are both soft failures.
type DocumentRetrieval interface {
	Retrieve(ctx context.Context, query string, topK int) ([]schema.Chunk, error)
}

// SQLGeneration turns a natural-language query into SQL text.
type SQLGeneration interface {
	Generate(ctx context.Context, query, schemaContext string) (string, error)
}

// ResultSet is the raw outcome of executing a statement. Truncated is
// set when the row cap cut the result short.
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// SQLExecution runs approved SQL against the configured target database.
type SQLExecution interface {
	Execute(ctx context.Context, sqlText string) (*ResultSet, error)
}

// Embedding computes a vector for a text.
type Embedding interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// AnswerSynthesis turns retrieved context (and optional SQL rows) into a
// final answer.
type AnswerSynthesis interface {
	Synthesize(ctx context.Context, query string, chunks []schema.Chunk, sqlResult *schema.SQLResult) (string, error)
}
