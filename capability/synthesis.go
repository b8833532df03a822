package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/schema"
)

const synthesisSystemPrompt = `You answer questions using only the provided context.
If the context does not contain the answer, say so plainly.
When table rows are provided, treat them as authoritative for numeric claims.
Cite document snippets by their bracketed number, like [1].`

const defaultContextTokenBudget = 3000

// OpenAISynthesizer composes the final answer from retrieved chunks and
// optional SQL rows. Chunk context is trimmed to a token budget so the
// prompt stays inside the model window regardless of top-k.
type OpenAISynthesizer struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	budget      int
	encoder     *tiktoken.Tiktoken
}

func NewOpenAISynthesizer(cfg *config.LLMConfig) (*OpenAISynthesizer, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load token encoder: %w", err)
	}
	budget := cfg.ContextTokenBudget
	if budget <= 0 {
		budget = defaultContextTokenBudget
	}
	return &OpenAISynthesizer{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		budget:      budget,
		encoder:     encoder,
	}, nil
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, query string, chunks []schema.Chunk, sqlResult *schema.SQLResult) (string, error) {
	prompt := s.buildPrompt(query, chunks, sqlResult)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(synthesisSystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(s.temperature),
	}
	if s.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.maxTokens))
	}
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("synthesis request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("synthesis returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (s *OpenAISynthesizer) buildPrompt(query string, chunks []schema.Chunk, sqlResult *schema.SQLResult) string {
	var b strings.Builder

	if len(chunks) > 0 {
		b.WriteString("Context:\n")
		remaining := s.budget
		for i, chunk := range chunks {
			content, used := s.clip(chunk.Content, remaining)
			if used == 0 {
				logger.Debugf("synthesis: token budget exhausted after %d of %d chunks", i, len(chunks))
				break
			}
			fmt.Fprintf(&b, "[%d] %s\n\n", i+1, content)
			remaining -= used
		}
	}

	if sqlResult != nil && len(sqlResult.Columns) > 0 {
		b.WriteString("Table result for the question:\n")
		b.WriteString(formatRows(sqlResult))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s", query)
	return b.String()
}

// clip returns at most budget tokens of text and the token count used.
func (s *OpenAISynthesizer) clip(text string, budget int) (string, int) {
	if budget <= 0 {
		return "", 0
	}
	tokens := s.encoder.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text, len(tokens)
	}
	return s.encoder.Decode(tokens[:budget]), budget
}

func formatRows(result *schema.SQLResult) string {
	var b strings.Builder
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	return b.String()
}
