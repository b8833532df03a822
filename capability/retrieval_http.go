package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/queryweave/queryweave/common/httpx"
	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/schema"
)

// HTTPRetriever queries an external search service over HTTP. The wire
// format is a plain JSON search API: POST {"query": ..., "top_k": ...},
// response {"results": [{"content", "score", "source"}]}.
type HTTPRetriever struct {
	client   *httpx.Client
	endpoint string
	apiKey   string
}

func NewHTTPRetriever(cfg *config.RetrievalConfig, client *httpx.Client) *HTTPRetriever {
	return &HTTPRetriever{
		client:   client,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
	}
}

type httpSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type httpSearchResponse struct {
	Results []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
		Source  string  `json:"source"`
	} `json:"results"`
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, topK int) ([]schema.Chunk, error) {
	body, err := json.Marshal(httpSearchRequest{Query: query, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: search returned %d: %s", ErrUnavailable, resp.StatusCode, string(snippet))
	}

	var decoded httpSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	chunks := make([]schema.Chunk, 0, len(decoded.Results))
	for _, res := range decoded.Results {
		if strings.TrimSpace(res.Content) == "" {
			continue
		}
		chunks = append(chunks, schema.Chunk{
			Content:   res.Content,
			Score:     res.Score,
			SourceRef: res.Source,
		})
	}
	logger.Debugf("retrieval: http search returned %d chunks for %q", len(chunks), query)
	return chunks, nil
}
