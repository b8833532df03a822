package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/queryweave/queryweave/cache"
	"github.com/queryweave/queryweave/capability"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/router"
	"github.com/queryweave/queryweave/schema"
	"github.com/queryweave/queryweave/workflow"
)

type fakeRetriever struct {
	chunks []schema.Chunk
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(context.Context, string, int) ([]schema.Chunk, error) {
	f.calls++
	return f.chunks, f.err
}

type fakeSynth struct {
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, query string, chunks []schema.Chunk, sqlResult *schema.SQLResult) (string, error) {
	f.calls++
	parts := []string{fmt.Sprintf("q=%s", query), fmt.Sprintf("chunks=%d", len(chunks))}
	if sqlResult != nil {
		parts = append(parts, fmt.Sprintf("rows=%d", len(sqlResult.Rows)))
	}
	return strings.Join(parts, " "), nil
}

type fakeGenerator struct {
	sql   string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, string, string) (string, error) {
	f.calls++
	return f.sql, f.err
}

type fakeExecutor struct {
	result *capability.ResultSet
	err    error
}

func (f *fakeExecutor) Execute(context.Context, string) (*capability.ResultSet, error) {
	return f.result, f.err
}

type fixture struct {
	orch      *Orchestrator
	wf        *workflow.Workflow
	retriever *fakeRetriever
	synth     *fakeSynth
}

func newFixture(t *testing.T, retriever *fakeRetriever, gen *fakeGenerator, exec *fakeExecutor, opts Options) *fixture {
	t.Helper()
	store, err := workflow.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	wf := workflow.New(store, gen, exec, "orders(id, region, total)", "analytics")
	synth := &fakeSynth{}
	orch := New(
		router.New(&config.RouterConfig{}),
		cache.New(config.CacheConfig{Enable: true, MaxEntries: 64}),
		wf, retriever, synth, opts,
	)
	return &fixture{orch: orch, wf: wf, retriever: retriever, synth: synth}
}

func defaultChunks() []schema.Chunk {
	return []schema.Chunk{
		{Content: "Returns are accepted within 30 days.", Score: 0.9, SourceRef: "handbook.md"},
	}
}

func TestDocumentsRouteCachesAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeRetriever{chunks: defaultChunks()}, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	req := &schema.QueryRequest{Text: "What is the return policy?"}
	first, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	if first.Route != "documents" || first.CacheHit {
		t.Fatalf("unexpected first response: route=%s hit=%v", first.Route, first.CacheHit)
	}
	if len(first.Citations) != 1 {
		t.Fatalf("expected citations, got %d", len(first.Citations))
	}

	second, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected cache hit on repeat")
	}
	if second.Answer != first.Answer {
		t.Fatalf("cached answer diverged: %q vs %q", second.Answer, first.Answer)
	}
	if f.retriever.calls != 1 || f.synth.calls != 1 {
		t.Fatalf("capabilities re-invoked on cache hit: retrieve=%d synth=%d", f.retriever.calls, f.synth.calls)
	}
}

func TestSQLRouteParksJobThenServesCachedResult(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{result: &capability.ResultSet{
		Columns: []string{"region", "n"},
		Rows:    [][]any{{"emea", float64(12)}},
	}}
	f := newFixture(t, &fakeRetriever{}, &fakeGenerator{sql: "SELECT region, COUNT(*) FROM orders GROUP BY region"}, exec, Options{})

	req := &schema.QueryRequest{Text: "how many orders per region last month"}
	resp, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Route != "sql" {
		t.Fatalf("expected sql route, got %s", resp.Route)
	}
	if resp.SQLState != string(workflow.StatePendingApproval) || resp.SQLJobRef == "" {
		t.Fatalf("expected pending job ref, got state=%s ref=%s", resp.SQLState, resp.SQLJobRef)
	}
	if resp.Answer != "" {
		t.Fatalf("unapproved sql route produced an answer: %q", resp.Answer)
	}

	// Approve and execute through the workflow, then record the result.
	if _, err := f.wf.Approve(ctx, resp.SQLJobRef, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	job, err := f.wf.Execute(ctx, resp.SQLJobRef, "alice")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := f.orch.RecordExecuted(job); err != nil {
		t.Fatalf("record executed: %v", err)
	}

	repeat, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("repeat query: %v", err)
	}
	if !repeat.CacheHit {
		t.Fatalf("expected cached sql result")
	}
	if repeat.SQL == nil || len(repeat.SQL.Rows) != 1 {
		t.Fatalf("expected cached rows, got %+v", repeat.SQL)
	}
	if repeat.SQLState != string(workflow.StateExecuted) {
		t.Fatalf("expected EXECUTED state, got %s", repeat.SQLState)
	}
}

func TestRecordExecutedRejectsUnexecutedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeRetriever{}, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	job, err := f.wf.Create(ctx, "count orders", "system")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.orch.RecordExecuted(job); err == nil {
		t.Fatalf("expected error recording a DRAFTED job")
	}
}

func TestHybridMergesBothArms(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{result: &capability.ResultSet{
		Columns: []string{"month", "revenue"},
		Rows:    [][]any{{"2026-07", float64(1200)}, {"2026-08", float64(1800)}},
	}}
	f := newFixture(t, &fakeRetriever{chunks: defaultChunks()}, &fakeGenerator{sql: "SELECT month, revenue FROM monthly"}, exec, Options{})

	text := "show revenue per month and explain the trend"

	// First pass parks a pending job: the sql half is not settled yet.
	first, err := f.orch.Query(ctx, &schema.QueryRequest{Text: text})
	if err != nil {
		t.Fatalf("first hybrid: %v", err)
	}
	if first.Route != "hybrid" {
		t.Fatalf("expected hybrid route, got %s", first.Route)
	}
	if first.SQLState != string(workflow.StatePendingApproval) {
		t.Fatalf("expected pending sql arm, got %s", first.SQLState)
	}
	if !strings.Contains(first.Answer, "chunks=1") || strings.Contains(first.Answer, "rows=") {
		t.Fatalf("pending rows leaked into synthesis: %q", first.Answer)
	}

	if _, err := f.wf.Approve(ctx, first.SQLJobRef, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.wf.Execute(ctx, first.SQLJobRef, "alice"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Second pass finds the executed job and merges its rows.
	second, err := f.orch.Query(ctx, &schema.QueryRequest{Text: text})
	if err != nil {
		t.Fatalf("second hybrid: %v", err)
	}
	if second.CacheHit {
		t.Fatalf("unexpected cache hit before any complete answer was cached")
	}
	if second.SQL == nil || len(second.SQL.Rows) != 2 {
		t.Fatalf("expected merged rows, got %+v", second.SQL)
	}
	if !strings.Contains(second.Answer, "rows=2") {
		t.Fatalf("executed rows missing from synthesis: %q", second.Answer)
	}
	if len(second.Degraded) != 0 {
		t.Fatalf("unexpected degradation: %v", second.Degraded)
	}

	// The complete answer is now cached.
	third, err := f.orch.Query(ctx, &schema.QueryRequest{Text: text})
	if err != nil {
		t.Fatalf("third hybrid: %v", err)
	}
	if !third.CacheHit {
		t.Fatalf("expected cached complete hybrid answer")
	}
}

func TestHybridDegradesWhenDocumentsArmFails(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{result: &capability.ResultSet{Columns: []string{"n"}, Rows: [][]any{{float64(7)}}}}
	retriever := &fakeRetriever{err: fmt.Errorf("%w: index offline", capability.ErrUnavailable)}
	f := newFixture(t, retriever, &fakeGenerator{sql: "SELECT COUNT(*) FROM orders"}, exec, Options{})

	resp, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "count orders and explain the trend"})
	if err != nil {
		t.Fatalf("hybrid with degraded arm: %v", err)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != "documents" {
		t.Fatalf("expected degraded documents arm, got %v", resp.Degraded)
	}
	if len(resp.Citations) != 0 {
		t.Fatalf("degraded arm still contributed citations")
	}
	if resp.SQLState != string(workflow.StatePendingApproval) {
		t.Fatalf("sql arm should still park a job, got %s", resp.SQLState)
	}

	// A degraded answer is not cached: a repeat retries the failed arm.
	if _, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "count orders and explain the trend"}); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if retriever.calls != 2 {
		t.Fatalf("degraded answer was cached: retriever called %d times", retriever.calls)
	}
}

func TestDocumentsRouteDegradesWhenRetrieverUnavailable(t *testing.T) {
	ctx := context.Background()
	retriever := &fakeRetriever{err: fmt.Errorf("%w: search timed out", capability.ErrUnavailable)}
	f := newFixture(t, retriever, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	req := &schema.QueryRequest{Text: "What is the return policy?"}
	resp, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("expected degraded answer, got error: %v", err)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != "documents" {
		t.Fatalf("expected degraded documents route, got %v", resp.Degraded)
	}
	if len(resp.Citations) != 0 {
		t.Fatalf("unavailable retriever still contributed citations")
	}
	if !strings.Contains(resp.Answer, "chunks=0") {
		t.Fatalf("expected synthesis without documents, got %q", resp.Answer)
	}

	// A degraded answer is not cached: a repeat retries retrieval.
	if _, err := f.orch.Query(ctx, req); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if retriever.calls != 2 {
		t.Fatalf("degraded answer was cached: retriever called %d times", retriever.calls)
	}
}

func TestDocumentsRouteFailsOnHardRetrievalError(t *testing.T) {
	ctx := context.Background()
	retriever := &fakeRetriever{err: errors.New("malformed index response")}
	f := newFixture(t, retriever, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	if _, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "What is the return policy?"}); err == nil {
		t.Fatalf("expected hard failure for a non-availability error")
	}
}

func TestSQLRouteReusesPendingDraft(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{sql: "SELECT COUNT(*) FROM orders"}
	f := newFixture(t, &fakeRetriever{}, gen, &fakeExecutor{}, Options{})

	req := &schema.QueryRequest{Text: "how many orders last month"}
	first, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	second, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if second.SQLJobRef != first.SQLJobRef {
		t.Fatalf("repeat parked a duplicate job: %s vs %s", second.SQLJobRef, first.SQLJobRef)
	}
	if !second.CacheHit || second.SQLState != string(workflow.StatePendingApproval) {
		t.Fatalf("expected reused pending draft, got hit=%v state=%s", second.CacheHit, second.SQLState)
	}
	if gen.calls != 1 {
		t.Fatalf("generator invoked %d times for an identical repeated query", gen.calls)
	}

	// A decided job no longer answers for the query: the next repeat
	// drafts fresh.
	if _, err := f.wf.Reject(ctx, first.SQLJobRef, "alice"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	third, err := f.orch.Query(ctx, req)
	if err != nil {
		t.Fatalf("third query: %v", err)
	}
	if third.SQLJobRef == first.SQLJobRef {
		t.Fatalf("rejected job served again: %s", third.SQLJobRef)
	}
	if gen.calls != 2 {
		t.Fatalf("expected a fresh draft after rejection, generator calls=%d", gen.calls)
	}
}

func TestCacheHitCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{result: &capability.ResultSet{
		Columns: []string{"region", "n"},
		Rows:    [][]any{{"emea", float64(12)}},
	}}
	f := newFixture(t, &fakeRetriever{chunks: defaultChunks()}, &fakeGenerator{sql: "SELECT region, COUNT(*) FROM orders GROUP BY region"}, exec, Options{})

	// Documents: mutating a hit's citations must not leak into the cache.
	docReq := &schema.QueryRequest{Text: "What is the return policy?"}
	if _, err := f.orch.Query(ctx, docReq); err != nil {
		t.Fatalf("seed documents answer: %v", err)
	}
	hit, err := f.orch.Query(ctx, docReq)
	if err != nil {
		t.Fatalf("documents hit: %v", err)
	}
	hit.Citations[0].Content = "tampered"
	again, err := f.orch.Query(ctx, docReq)
	if err != nil {
		t.Fatalf("documents re-hit: %v", err)
	}
	if again.Citations[0].Content != defaultChunks()[0].Content {
		t.Fatalf("mutated hit poisoned the cached citations: %q", again.Citations[0].Content)
	}

	// SQL: mutating a hit's rows must not leak into the cached result.
	sqlReq := &schema.QueryRequest{Text: "how many orders per region last month"}
	parked, err := f.orch.Query(ctx, sqlReq)
	if err != nil {
		t.Fatalf("park sql job: %v", err)
	}
	if _, err := f.wf.Approve(ctx, parked.SQLJobRef, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	job, err := f.wf.Execute(ctx, parked.SQLJobRef, "alice")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := f.orch.RecordExecuted(job); err != nil {
		t.Fatalf("record executed: %v", err)
	}
	sqlHit, err := f.orch.Query(ctx, sqlReq)
	if err != nil {
		t.Fatalf("sql hit: %v", err)
	}
	sqlHit.SQL.Rows[0][0] = "tampered"
	sqlAgain, err := f.orch.Query(ctx, sqlReq)
	if err != nil {
		t.Fatalf("sql re-hit: %v", err)
	}
	if sqlAgain.SQL.Rows[0][0] != "emea" {
		t.Fatalf("mutated hit poisoned the cached rows: %v", sqlAgain.SQL.Rows[0][0])
	}
}

func TestHybridFailsWhenBothArmsFail(t *testing.T) {
	ctx := context.Background()
	retriever := &fakeRetriever{err: errors.New("index offline")}
	f := newFixture(t, retriever, &fakeGenerator{err: errors.New("model down")}, &fakeExecutor{}, Options{})

	_, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "count orders and explain the trend"})
	if err == nil {
		t.Fatalf("expected failure when both arms fail")
	}
}

func TestFailFastPropagatesArmError(t *testing.T) {
	ctx := context.Background()
	retriever := &fakeRetriever{err: errors.New("index offline")}
	exec := &fakeExecutor{result: &capability.ResultSet{}}
	f := newFixture(t, retriever, &fakeGenerator{sql: "SELECT 1"}, exec, Options{FailFast: true})

	_, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "count orders and explain the trend"})
	if err == nil {
		t.Fatalf("expected hard failure in fail-fast mode")
	}
}

func TestRouteOverrideSkipsClassification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeRetriever{chunks: defaultChunks()}, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	// Text that classifies as sql, forced onto the documents route.
	resp, err := f.orch.Query(ctx, &schema.QueryRequest{
		Text:          "how many orders last month",
		RouteOverride: "documents",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Route != "documents" {
		t.Fatalf("override ignored, got route %s", resp.Route)
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeRetriever{}, &fakeGenerator{sql: "SELECT 1"}, &fakeExecutor{}, Options{})

	if _, err := f.orch.Query(ctx, &schema.QueryRequest{Text: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}
