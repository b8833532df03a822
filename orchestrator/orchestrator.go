package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/queryweave/queryweave/cache"
	"github.com/queryweave/queryweave/capability"
	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/metrics"
	"github.com/queryweave/queryweave/router"
	"github.com/queryweave/queryweave/schema"
	"github.com/queryweave/queryweave/workflow"
)

const (
	armDocuments = "documents"
	armSQL       = "sql"

	defaultTopK = 5
)

// ErrEmptyQuery rejects requests with no usable text.
var ErrEmptyQuery = errors.New("query text is empty")

// Orchestrator dispatches a classified query to the capabilities its
// route needs, merges the arms, and write-through caches what it served.
type Orchestrator struct {
	router    *router.Router
	ephemeral cache.Cache
	workflow  *workflow.Workflow
	retrieval capability.DocumentRetrieval
	synth     capability.AnswerSynthesis

	topK     int
	failFast bool
	now      func() time.Time
}

type Options struct {
	TopK int
	// FailFast makes a hybrid query fail on the first arm error instead
	// of degrading softly.
	FailFast bool
}

func New(rt *router.Router, eph cache.Cache, wf *workflow.Workflow, retrieval capability.DocumentRetrieval, synth capability.AnswerSynthesis, opts Options) *Orchestrator {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Orchestrator{
		router:    rt,
		ephemeral: eph,
		workflow:  wf,
		retrieval: retrieval,
		synth:     synth,
		topK:      topK,
		failFast:  opts.FailFast,
		now:       time.Now,
	}
}

// Query answers one request end to end: classify (unless overridden),
// dispatch per route, merge, cache.
func (o *Orchestrator) Query(ctx context.Context, req *schema.QueryRequest) (*schema.Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = o.topK
	}

	reqID := uuid.NewString()
	route, reason := o.resolveRoute(req)
	metrics.IncRoute(string(route))
	logger.Infof("orchestrator: [%s] route=%s reason=%q session=%s query=%q", reqID, route, reason, req.SessionID, text)

	switch route {
	case router.RouteSQL:
		return o.querySQL(ctx, text)
	case router.RouteHybrid:
		return o.queryHybrid(ctx, text, topK)
	default:
		return o.queryDocuments(ctx, text, topK)
	}
}

func (o *Orchestrator) resolveRoute(req *schema.QueryRequest) (router.Route, string) {
	if req.RouteOverride != "" {
		if route, err := router.ParseRoute(req.RouteOverride); err == nil {
			return route, "override"
		}
		logger.Warnf("orchestrator: ignoring invalid route override %q", req.RouteOverride)
	}
	decision := o.router.Classify(req.Text)
	return decision.Route, decision.Reason
}

// queryDocuments serves the pure retrieval route with answer caching.
func (o *Orchestrator) queryDocuments(ctx context.Context, text string, topK int) (*schema.Response, error) {
	key := answerKey(text, router.RouteDocuments, topK)
	if v, ok := o.ephemeral.Get(key, cache.CategoryRAGAnswer); ok {
		if cached, ok := v.(*schema.Response); ok {
			metrics.IncCache("ephemeral", string(cache.CategoryRAGAnswer), "hit")
			return cachedCopy(cached, o.now()), nil
		}
	}
	metrics.IncCache("ephemeral", string(cache.CategoryRAGAnswer), "miss")

	start := o.now()
	chunks, err := o.retrieval.Retrieve(ctx, text, topK)
	metrics.ObserveCapability("retrieval", start)

	// An unavailable retriever degrades to an answer without documents
	// rather than failing the request. Anything else is a hard error.
	var degraded []string
	if err != nil {
		if !errors.Is(err, capability.ErrUnavailable) {
			return nil, fmt.Errorf("document retrieval: %w", err)
		}
		degraded = append(degraded, armDocuments)
		metrics.IncDegradedArm(armDocuments)
		logger.Warnf("orchestrator: documents route degraded: %v", err)
		chunks = nil
	}

	answer, err := o.synthesize(ctx, text, chunks, nil)
	if err != nil {
		return nil, err
	}

	resp := &schema.Response{
		Answer:    answer,
		Citations: chunks,
		Route:     string(router.RouteDocuments),
		Degraded:  degraded,
		CreatedAt: o.now(),
	}
	if len(degraded) == 0 {
		o.ephemeral.Put(key, resp, cache.CategoryRAGAnswer)
	}
	return resp, nil
}

// querySQL serves the structured route. A previously executed identical
// query answers from the result cache; anything else drafts a job and
// parks it in the approval queue. Nothing executes here.
func (o *Orchestrator) querySQL(ctx context.Context, text string) (*schema.Response, error) {
	if result, ok := o.cachedSQLResult(text); ok {
		metrics.IncCache("ephemeral", string(cache.CategorySQLResult), "hit")
		return &schema.Response{
			SQL:       result,
			SQLJobRef: result.JobRef,
			SQLState:  result.State,
			Route:     string(router.RouteSQL),
			CacheHit:  true,
			CreatedAt: o.now(),
		}, nil
	}
	metrics.IncCache("ephemeral", string(cache.CategorySQLResult), "miss")

	job, reused, err := o.pendingOrDraft(ctx, text)
	if err != nil {
		return nil, err
	}
	return &schema.Response{
		SQLJobRef: job.ID,
		SQLState:  string(job.State),
		SQL:       &schema.SQLResult{SQL: job.SQL, JobRef: job.ID, State: string(job.State)},
		Route:     string(router.RouteSQL),
		CacheHit:  reused,
		CreatedAt: o.now(),
	}, nil
}

// queryHybrid fans out both arms concurrently and merges what survives.
// One arm failing degrades the answer; both failing fails the request.
func (o *Orchestrator) queryHybrid(ctx context.Context, text string, topK int) (*schema.Response, error) {
	key := answerKey(text, router.RouteHybrid, topK)
	if v, ok := o.ephemeral.Get(key, cache.CategoryRAGAnswer); ok {
		if cached, ok := v.(*schema.Response); ok {
			metrics.IncCache("ephemeral", string(cache.CategoryRAGAnswer), "hit")
			return cachedCopy(cached, o.now()), nil
		}
	}
	metrics.IncCache("ephemeral", string(cache.CategoryRAGAnswer), "miss")

	var (
		chunks    []schema.Chunk
		docErr    error
		sqlResult *schema.SQLResult
		sqlErr    error
	)

	runArms := func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error {
			start := o.now()
			chunks, docErr = o.retrieval.Retrieve(ctx, text, topK)
			metrics.ObserveCapability("retrieval", start)
			if o.failFast {
				return docErr
			}
			return nil
		})
		g.Go(func() error {
			sqlResult, sqlErr = o.sqlArm(ctx, text)
			if o.failFast {
				return sqlErr
			}
			return nil
		})
	}

	if o.failFast {
		g, gctx := errgroup.WithContext(ctx)
		runArms(gctx, g)
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("hybrid arm: %w", err)
		}
	} else {
		var g errgroup.Group
		runArms(ctx, &g)
		_ = g.Wait()
	}

	var degraded []string
	if docErr != nil {
		degraded = append(degraded, armDocuments)
		metrics.IncDegradedArm(armDocuments)
		logger.Warnf("orchestrator: documents arm degraded: %v", docErr)
		chunks = nil
	}
	if sqlErr != nil {
		degraded = append(degraded, armSQL)
		metrics.IncDegradedArm(armSQL)
		logger.Warnf("orchestrator: sql arm degraded: %v", sqlErr)
		sqlResult = nil
	}
	if docErr != nil && sqlErr != nil {
		return nil, fmt.Errorf("both hybrid arms failed: documents: %v; sql: %v", docErr, sqlErr)
	}

	answer, err := o.synthesize(ctx, text, chunks, executedOnly(sqlResult))
	if err != nil {
		return nil, err
	}

	resp := &schema.Response{
		Answer:    answer,
		Citations: chunks,
		SQL:       sqlResult,
		Route:     string(router.RouteHybrid),
		Degraded:  degraded,
		CreatedAt: o.now(),
	}
	if sqlResult != nil {
		resp.SQLJobRef = sqlResult.JobRef
		resp.SQLState = sqlResult.State
	}
	// Only complete answers are worth replaying.
	if len(degraded) == 0 && settledSQL(sqlResult) {
		o.ephemeral.Put(key, resp, cache.CategoryRAGAnswer)
	}
	return resp, nil
}

// sqlArm resolves the structured half of a hybrid query without ever
// executing unapproved SQL: cached rows, then a prior executed job for
// the same question, then a pending or fresh draft parked for approval.
func (o *Orchestrator) sqlArm(ctx context.Context, text string) (*schema.SQLResult, error) {
	if result, ok := o.cachedSQLResult(text); ok {
		metrics.IncCache("ephemeral", string(cache.CategorySQLResult), "hit")
		return result, nil
	}
	metrics.IncCache("ephemeral", string(cache.CategorySQLResult), "miss")

	prior, err := o.workflow.LatestExecuted(ctx, text)
	if err == nil {
		result, err := jobResult(prior)
		if err != nil {
			return nil, err
		}
		o.ephemeral.Put(sqlResultKey(text), result, cache.CategorySQLResult)
		return result, nil
	}
	if !errors.Is(err, workflow.ErrNotFound) {
		return nil, fmt.Errorf("lookup executed job: %w", err)
	}

	job, _, err := o.pendingOrDraft(ctx, text)
	if err != nil {
		return nil, err
	}
	return &schema.SQLResult{SQL: job.SQL, JobRef: job.ID, State: string(job.State)}, nil
}

// pendingOrDraft reuses a still-pending draft for the same question before
// asking the generator again. Repeats of a parked query must not pile up
// duplicate jobs in the approval queue.
func (o *Orchestrator) pendingOrDraft(ctx context.Context, text string) (*workflow.Job, bool, error) {
	if job, ok := o.pendingDraft(ctx, text); ok {
		metrics.IncCache("ephemeral", string(cache.CategorySQLGeneration), "hit")
		return job, true, nil
	}
	metrics.IncCache("ephemeral", string(cache.CategorySQLGeneration), "miss")

	job, err := o.draftAndSubmit(ctx, text)
	if err != nil {
		return nil, false, err
	}
	o.ephemeral.Put(sqlGenKey(text), job.ID, cache.CategorySQLGeneration)
	return job, false, nil
}

// pendingDraft resolves a cached draft reference and checks it is still
// awaiting approval. A decided or purged job invalidates the entry.
func (o *Orchestrator) pendingDraft(ctx context.Context, text string) (*workflow.Job, bool) {
	v, ok := o.ephemeral.Get(sqlGenKey(text), cache.CategorySQLGeneration)
	if !ok {
		return nil, false
	}
	jobID, ok := v.(string)
	if !ok {
		return nil, false
	}
	job, err := o.workflow.Get(ctx, jobID)
	if err != nil || job.State != workflow.StatePendingApproval {
		return nil, false
	}
	return job, true
}

func (o *Orchestrator) draftAndSubmit(ctx context.Context, text string) (*workflow.Job, error) {
	start := o.now()
	job, err := o.workflow.Create(ctx, text, "system")
	metrics.ObserveCapability("sql_generation", start)
	if err != nil {
		return nil, fmt.Errorf("draft sql job: %w", err)
	}
	if job.State == workflow.StateFailed {
		return nil, fmt.Errorf("sql generation failed: %s", job.Error)
	}
	job, err = o.workflow.Submit(ctx, job.ID, "system")
	if err != nil {
		return nil, fmt.Errorf("submit sql job: %w", err)
	}
	if job.State == workflow.StateFailed {
		return nil, fmt.Errorf("sql draft rejected: %s", job.Error)
	}
	return job, nil
}

// RecordExecuted write-through caches the rows of a freshly executed
// job so repeats of its source query answer without a new approval trip.
func (o *Orchestrator) RecordExecuted(job *workflow.Job) error {
	if job.State != workflow.StateExecuted {
		return fmt.Errorf("job %s is %s, not %s", job.ID, job.State, workflow.StateExecuted)
	}
	result, err := jobResult(job)
	if err != nil {
		return err
	}
	o.ephemeral.Put(sqlResultKey(job.SourceQuery), result, cache.CategorySQLResult)
	return nil
}

func (o *Orchestrator) cachedSQLResult(text string) (*schema.SQLResult, bool) {
	v, ok := o.ephemeral.Get(sqlResultKey(text), cache.CategorySQLResult)
	if !ok {
		return nil, false
	}
	result, ok := v.(*schema.SQLResult)
	if !ok {
		return nil, false
	}
	return copySQLResult(result), true
}

func (o *Orchestrator) synthesize(ctx context.Context, text string, chunks []schema.Chunk, sqlResult *schema.SQLResult) (string, error) {
	start := o.now()
	answer, err := o.synth.Synthesize(ctx, text, chunks, sqlResult)
	metrics.ObserveCapability("synthesis", start)
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return answer, nil
}

func jobResult(job *workflow.Job) (*schema.SQLResult, error) {
	rs, err := job.Result()
	if err != nil {
		return nil, fmt.Errorf("decode job %s result: %w", job.ID, err)
	}
	result := &schema.SQLResult{
		SQL:    job.SQL,
		JobRef: job.ID,
		State:  string(job.State),
	}
	if rs != nil {
		result.Columns = rs.Columns
		result.Rows = rs.Rows
	}
	return result, nil
}

// executedOnly hides pending drafts from the synthesizer: only rows
// from an executed job belong in the prompt.
func executedOnly(result *schema.SQLResult) *schema.SQLResult {
	if result == nil || result.State != string(workflow.StateExecuted) {
		return nil
	}
	return result
}

// settledSQL reports whether the sql half is absent or carries executed
// rows. A response holding a pending job must not be cached: the answer
// changes once the job is decided.
func settledSQL(result *schema.SQLResult) bool {
	return result == nil || result.State == string(workflow.StateExecuted)
}

// cachedCopy hands a hit back without sharing mutable state with the
// cached entry: a caller editing rows or citations must not poison the
// cache for later readers.
func cachedCopy(cached *schema.Response, at time.Time) *schema.Response {
	out := *cached
	out.CacheHit = true
	out.CreatedAt = at
	if len(cached.Citations) > 0 {
		out.Citations = append([]schema.Chunk(nil), cached.Citations...)
	}
	out.SQL = copySQLResult(cached.SQL)
	return &out
}

func copySQLResult(r *schema.SQLResult) *schema.SQLResult {
	if r == nil {
		return nil
	}
	out := *r
	if len(r.Columns) > 0 {
		out.Columns = append([]string(nil), r.Columns...)
	}
	if len(r.Rows) > 0 {
		out.Rows = make([][]any, len(r.Rows))
		for i, row := range r.Rows {
			out.Rows[i] = append([]any(nil), row...)
		}
	}
	return &out
}

func answerKey(text string, route router.Route, topK int) string {
	return fingerprint(router.Normalize(text), string(route), fmt.Sprintf("k%d", topK))
}

func sqlResultKey(text string) string {
	return fingerprint(router.Normalize(text), "sqlresult")
}

func sqlGenKey(text string) string {
	return fingerprint(router.Normalize(text), "sqlgen")
}

func fingerprint(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
