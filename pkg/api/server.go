package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/retrieval"
	"github.com/classmind/kbengine/pkg/store"
)

// chatAlias routes assistant and diagram calls through the gateway.
const chatAlias = "qwen"

// ChatClient is the provider slice the HTTP surface drives directly.
type ChatClient interface {
	Chat(ctx context.Context, alias string, messages []provider.Message) (string, provider.CallMeta, error)
	ChatStream(ctx context.Context, alias string, messages []provider.Message, emit func(provider.StreamEvent)) (provider.CallMeta, error)
}

// Server exposes the engine over HTTP.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	ingestor  *ingest.Orchestrator
	engine    *retrieval.Engine
	inspector *retrieval.Inspector
	chat      ChatClient

	httpSrv *http.Server
}

// NewServer wires the HTTP server. chat may be nil when no provider is
// configured; assistant routes then answer 503.
func NewServer(cfg *config.Config, st *store.Store, ingestor *ingest.Orchestrator,
	engine *retrieval.Engine, inspector *retrieval.Inspector, chat ChatClient) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		ingestor:  ingestor,
		engine:    engine,
		inspector: inspector,
		chat:      chat,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/knowledge-space", func(r chi.Router) {
		r.Use(s.tenant)
		r.Use(s.deadline)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/batch-upload", s.handleBatchUpload)
			r.Get("/", s.handleListDocuments)
			r.Route("/{documentID}", func(r chi.Router) {
				r.Get("/", s.handleGetDocument)
				r.Put("/", s.handleUpdateDocument)
				r.Delete("/", s.handleDeleteDocument)
				r.Get("/status", s.handleDocumentStatus)
				r.Get("/chunks", s.handleDocumentChunks)
				r.Post("/rollback", s.handleRollback)
				r.Get("/versions", s.handleVersions)
			})
		})

		r.Post("/retrieval-test", s.handleRetrievalTest)
		r.Get("/query-records", s.handleQueryRecords)
		r.Post("/feedback", s.handleFeedback)

		r.Route("/evaluation", func(r chi.Router) {
			r.Post("/datasets", s.handleCreateDataset)
			r.Get("/datasets", s.handleListDatasets)
			r.Post("/run", s.handleEvaluationRun)
		})

		r.Put("/cleaning-rule", s.handleCleaningRule)
		r.Get("/metrics/compression", s.handleCompression)
		r.Get("/debug/qdrant-diagnostics", s.handleDiagnostics)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.tenant)
		r.Post("/generate_graph", s.handleGenerateGraph)
		r.Post("/ai_assistant/stream", s.handleAssistantStream)
	})

	return r
}

// Start serves HTTP on addr and blocks until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
