package queryweave

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/queryweave/queryweave/cache"
	"github.com/queryweave/queryweave/capability"
	"github.com/queryweave/queryweave/common/httpx"
	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
	"github.com/queryweave/queryweave/contentstore"
	"github.com/queryweave/queryweave/orchestrator"
	"github.com/queryweave/queryweave/persistent"
	"github.com/queryweave/queryweave/router"
	"github.com/queryweave/queryweave/workflow"
)

const (
	ServerName = "queryweave"
	Version    = "1.0.0"
)

// Server wires the routing, caching, and workflow layers behind an MCP
// tool surface.
type Server struct {
	mcp        *server.MCPServer
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	wf         *workflow.Workflow
	ephemeral  cache.Cache
	persistent *persistent.Cache

	closers []func() error
}

// NewServer builds every component from config. Callers own Close.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{cfg: cfg}

	eph := cache.New(cfg.Cache)
	if !cfg.Cache.Enable {
		eph = cache.NewNoop()
	}
	s.ephemeral = eph

	backend, err := newBackend(&cfg.Persistent)
	if err != nil {
		return nil, err
	}
	pc, err := persistent.New(cfg.Persistent.IndexPath, backend)
	if err != nil {
		return nil, fmt.Errorf("open persistent cache: %w", err)
	}
	s.persistent = pc
	s.closers = append(s.closers, pc.Close)

	store, err := workflow.NewStore(cfg.Workflow.StorePath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open workflow store: %w", err)
	}
	s.closers = append(s.closers, store.Close)

	generator := capability.NewOpenAISQLGenerator(&cfg.LLM)
	executor, err := capability.NewDBExecutor(&cfg.SQLTarget)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, executor.Close)

	wf := workflow.New(store, generator, executor, cfg.Workflow.SchemaContext, cfg.SQLTarget.Driver)
	s.wf = wf

	retrieval, err := s.newRetriever(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	synth, err := capability.NewOpenAISynthesizer(&cfg.LLM)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.orch = orchestrator.New(
		router.New(&cfg.Router),
		eph, wf, retrieval, synth,
		orchestrator.Options{TopK: cfg.Retrieval.TopK, FailFast: cfg.Retrieval.FailFast},
	)

	s.mcp = server.NewMCPServer(
		ServerName,
		Version,
		server.WithInstructions("Routes natural-language queries to document retrieval, approved SQL, or both."),
	)
	s.registerTools()
	logger.Infof("server: initialized (retrieval=%s, target=%s)", cfg.Retrieval.Provider, cfg.SQLTarget.Driver)
	return s, nil
}

func newBackend(cfg *config.PersistentConfig) (contentstore.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return contentstore.NewMemory(), nil
	case "disk":
		return contentstore.NewDisk(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}

func (s *Server) newRetriever(cfg *config.Config) (capability.DocumentRetrieval, error) {
	switch cfg.Retrieval.Provider {
	case "milvus":
		embedder := capability.NewCachedEmbedding(
			capability.NewOpenAIEmbedding(&cfg.Embedding),
			s.persistent,
		)
		r, err := capability.NewMilvusRetriever(context.Background(), &cfg.Retrieval, embedder)
		if err != nil {
			return nil, fmt.Errorf("milvus retriever: %w", err)
		}
		s.closers = append(s.closers, r.Close)
		return r, nil
	case "", "http":
		return capability.NewHTTPRetriever(&cfg.Retrieval, httpx.NewFromConfig(cfg.HTTP)), nil
	default:
		return nil, fmt.Errorf("unknown retrieval provider %q", cfg.Retrieval.Provider)
	}
}

// Serve blocks on stdio until the client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()
	return server.ServeStdio(s.mcp)
}

func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warnf("server: close: %v", err)
		}
	}
	s.closers = nil
}
