package queryweave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/queryweave/queryweave/cache"
	"github.com/queryweave/queryweave/schema"
	"github.com/queryweave/queryweave/workflow"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(queryTool(), s.handleQuery)
	s.mcp.AddTool(sqlApproveTool(), s.handleSQLApprove)
	s.mcp.AddTool(sqlRejectTool(), s.handleSQLReject)
	s.mcp.AddTool(sqlExecuteTool(), s.handleSQLExecute)
	s.mcp.AddTool(sqlJobTool(), s.handleSQLJob)
	s.mcp.AddTool(cacheStatsTool(), s.handleCacheStats)
	s.mcp.AddTool(cacheClearTool(), s.handleCacheClear)
}

func queryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query",
		Description: "Answer a natural-language question, routing it to document retrieval, an approved-SQL workflow, or both",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "The question to answer",
				},
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Optional session identifier for log correlation",
				},
				"route": map[string]interface{}{
					"type":        "string",
					"description": "Force a route instead of classifying",
					"enum":        []string{"sql", "documents", "hybrid"},
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of document chunks to retrieve",
					"minimum":     1,
					"maximum":     50,
				},
			},
			Required: []string{"text"},
		},
	}
}

func sqlApproveTool() mcp.Tool {
	return jobActionTool("sql-approve", "Approve a pending SQL job so it can be executed")
}

func sqlRejectTool() mcp.Tool {
	return jobActionTool("sql-reject", "Reject a pending SQL job; rejection is final")
}

func sqlExecuteTool() mcp.Tool {
	return jobActionTool("sql-execute", "Execute an approved SQL job exactly once and cache its rows")
}

func jobActionTool(name, description string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "SQL job identifier",
				},
				"actor": map[string]interface{}{
					"type":        "string",
					"description": "Who is taking the action",
				},
			},
			Required: []string{"job_id", "actor"},
		},
	}
}

func sqlJobTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sql-job",
		Description: "Inspect a SQL job: its draft, state, and full transition history",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "SQL job identifier",
				},
			},
			Required: []string{"job_id"},
		},
	}
}

func cacheStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "cache-stats",
		Description: "Report hit and miss counts for the ephemeral cache and object totals for the persistent cache",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

func cacheClearTool() mcp.Tool {
	return mcp.Tool{
		Name:        "cache-clear",
		Description: "Clear the ephemeral cache, optionally a single category",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"category": map[string]interface{}{
					"type":        "string",
					"description": "Restrict clearing to one category",
					"enum": []string{
						string(cache.CategoryRAGAnswer),
						string(cache.CategorySQLGeneration),
						string(cache.CategorySQLResult),
						string(cache.CategoryEmbedding),
					},
				},
			},
		},
	}
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text parameter is required"), nil
	}
	req := &schema.QueryRequest{Text: text}
	if sessionID, ok := args["session_id"].(string); ok {
		req.SessionID = sessionID
	}
	if route, ok := args["route"].(string); ok {
		req.RouteOverride = route
	}
	if topK, ok := args["top_k"].(float64); ok {
		req.TopK = int(topK)
	}

	resp, err := s.orch.Query(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

func (s *Server) handleSQLApprove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.jobAction(ctx, request, func(ctx context.Context, jobID, actor string) (*workflow.Job, error) {
		return s.wf.Approve(ctx, jobID, actor)
	})
}

func (s *Server) handleSQLReject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.jobAction(ctx, request, func(ctx context.Context, jobID, actor string) (*workflow.Job, error) {
		return s.wf.Reject(ctx, jobID, actor)
	})
}

func (s *Server) handleSQLExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.jobAction(ctx, request, func(ctx context.Context, jobID, actor string) (*workflow.Job, error) {
		job, err := s.wf.Execute(ctx, jobID, actor)
		if err != nil {
			return job, err
		}
		if recErr := s.orch.RecordExecuted(job); recErr != nil {
			return job, recErr
		}
		return job, nil
	})
}

func (s *Server) jobAction(ctx context.Context, request mcp.CallToolRequest, action func(context.Context, string, string) (*workflow.Job, error)) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}
	jobID, _ := args["job_id"].(string)
	actor, _ := args["actor"].(string)
	if jobID == "" || actor == "" {
		return mcp.NewToolResultError("job_id and actor parameters are required"), nil
	}

	job, err := action(ctx, jobID, actor)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("job %s not found", jobID)), nil
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrConflict):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		// The job record still reflects what happened (e.g. FAILED).
		if job != nil {
			return mcp.NewToolResultText(formatJSON(jobView(job))), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatJSON(jobView(job))), nil
}

func (s *Server) handleSQLJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}
	jobID, _ := args["job_id"].(string)
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, err := s.wf.Get(ctx, jobID)
	if errors.Is(err, workflow.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("job %s not found", jobID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trail, err := s.wf.Audit(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view := jobView(job)
	view["transitions"] = trail
	return mcp.NewToolResultText(formatJSON(view)), nil
}

func (s *Server) handleCacheStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := map[string]interface{}{
		"ephemeral": s.ephemeral.Stats(),
	}
	if ps, err := s.persistent.Stats(ctx); err == nil {
		out["persistent"] = ps
	}
	return mcp.NewToolResultText(formatJSON(out)), nil
}

func (s *Server) handleCacheClear(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if category, ok := args["category"].(string); ok && category != "" {
		s.ephemeral.Clear(cache.Category(category))
		return mcp.NewToolResultText(fmt.Sprintf("cleared category %s", category)), nil
	}
	s.ephemeral.Clear()
	return mcp.NewToolResultText("cleared all categories"), nil
}

func jobView(job *workflow.Job) map[string]interface{} {
	view := map[string]interface{}{
		"job_id":       job.ID,
		"source_query": job.SourceQuery,
		"sql":          job.SQL,
		"state":        string(job.State),
		"version":      job.Version,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	if rs, err := job.Result(); err == nil && rs != nil {
		view["columns"] = rs.Columns
		view["rows"] = rs.Rows
		if rs.Truncated {
			view["truncated"] = true
		}
	}
	return view
}

func formatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
