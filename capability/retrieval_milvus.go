package capability

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/schema"
)

const (
	defaultVectorField = "vector"
	contentField       = "content"
	sourceField        = "source"
)

// MilvusRetriever embeds the query and runs a vector search against a
// Milvus collection. The collection is expected to carry content and
// source scalar fields alongside the vector field.
type MilvusRetriever struct {
	client      client.Client
	embedder    Embedding
	collection  string
	vectorField string
}

func NewMilvusRetriever(ctx context.Context, cfg *config.RetrievalConfig, embedder Embedding) (*MilvusRetriever, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Endpoint,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	vectorField := cfg.VectorField
	if vectorField == "" {
		vectorField = defaultVectorField
	}
	return &MilvusRetriever{
		client:      c,
		embedder:    embedder,
		collection:  cfg.Collection,
		vectorField: vectorField,
	}, nil
}

func (r *MilvusRetriever) Close() error {
	return r.client.Close()
}

func (r *MilvusRetriever) Retrieve(ctx context.Context, query string, topK int) ([]schema.Chunk, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrUnavailable, err)
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("build search param: %w", err)
	}
	results, err := r.client.Search(ctx, r.collection, nil, "",
		[]string{contentField, sourceField},
		[]entity.Vector{entity.FloatVector(vector)},
		r.vectorField, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("%w: milvus search: %v", ErrUnavailable, err)
	}

	var chunks []schema.Chunk
	for _, rs := range results {
		contentCol := rs.Fields.GetColumn(contentField)
		sourceCol := rs.Fields.GetColumn(sourceField)
		if contentCol == nil {
			continue
		}
		for i := 0; i < rs.ResultCount; i++ {
			content, err := contentCol.GetAsString(i)
			if err != nil || content == "" {
				continue
			}
			source := ""
			if sourceCol != nil {
				source, _ = sourceCol.GetAsString(i)
			}
			score := 0.0
			if i < len(rs.Scores) {
				score = float64(rs.Scores[i])
			}
			chunks = append(chunks, schema.Chunk{
				Content:   content,
				Score:     score,
				SourceRef: source,
			})
		}
	}
	logger.Debugf("retrieval: milvus returned %d chunks for %q", len(chunks), query)
	return chunks, nil
}
