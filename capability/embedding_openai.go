package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/metrics"
	"github.com/queryweave/queryweave/persistent"
)

// OpenAIEmbedding computes vectors through the OpenAI embeddings API.
type OpenAIEmbedding struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedding(cfg *config.EmbeddingConfig) *OpenAIEmbedding {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedding{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (e *OpenAIEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response carried no vectors")
	}
	raw := resp.Data[0].Embedding
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}

const embeddingNamespace = "embedding"

// CachedEmbedding fronts an embedder with the persistent cache so the
// same text is embedded at most once across restarts. A cache failure
// falls back to computing directly rather than failing the request.
type CachedEmbedding struct {
	inner Embedding
	cache *persistent.Cache
}

func NewCachedEmbedding(inner Embedding, cache *persistent.Cache) *CachedEmbedding {
	return &CachedEmbedding{inner: inner, cache: cache}
}

func (e *CachedEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, cached, err := e.cache.GetOrCompute(ctx, embeddingNamespace, []byte(text), func(ctx context.Context) ([]byte, error) {
		vector, err := e.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return json.Marshal(vector)
	})
	if err != nil {
		var cerr *persistent.ComputeError
		if errors.As(err, &cerr) {
			return nil, cerr.Err
		}
		logger.Warnf("embedding: persistent cache unavailable, computing directly: %v", err)
		return e.inner.Embed(ctx, text)
	}

	var vector []float32
	if err := json.Unmarshal(payload, &vector); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	if cached {
		metrics.IncDedupSuppressed()
	}
	return vector, nil
}
