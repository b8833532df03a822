package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
)

const sqlGenSystemPrompt = `You translate analytics questions into a single SQL statement.
Rules:
- Output only the SQL statement, no prose and no code fences.
- Use only tables and columns from the provided schema.
- Prefer explicit column lists over SELECT *.
- Never write statements that modify data unless the question asks for it.`

// OpenAISQLGenerator drafts SQL from a natural-language question and a
// schema description. Drafts are never executed here; the approval
// workflow owns that.
type OpenAISQLGenerator struct {
	client      openai.Client
	model       string
	temperature float64
}

func NewOpenAISQLGenerator(cfg *config.LLMConfig) *OpenAISQLGenerator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAISQLGenerator{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (g *OpenAISQLGenerator) Generate(ctx context.Context, query, schemaContext string) (string, error) {
	user := fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaContext, query)
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sqlGenSystemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(g.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("sql generation request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("sql generation returned no choices")
	}
	sqlText := stripFences(resp.Choices[0].Message.Content)
	logger.Debugf("sqlgen: drafted %d bytes of SQL for %q", len(sqlText), query)
	return sqlText, nil
}

// stripFences removes a surrounding markdown code fence if the model
// added one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
