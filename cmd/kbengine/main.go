package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/classmind/kbengine/pkg/api"
	"github.com/classmind/kbengine/pkg/autoimport"
	"github.com/classmind/kbengine/pkg/chunker"
	"github.com/classmind/kbengine/pkg/config"
	"github.com/classmind/kbengine/pkg/embedcache"
	"github.com/classmind/kbengine/pkg/events"
	"github.com/classmind/kbengine/pkg/extract"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/jobs"
	"github.com/classmind/kbengine/pkg/keyword"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/ratelimit"
	"github.com/classmind/kbengine/pkg/retrieval"
	"github.com/classmind/kbengine/pkg/store"
	"github.com/classmind/kbengine/pkg/vectorstore"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kbengine",
	Short: "kbengine - per-user knowledge base ingestion and retrieval engine",
	Long: `kbengine ingests user documents into per-tenant knowledge spaces,
indexes them for hybrid semantic and keyword retrieval, and serves
retrieval testing, evaluation and assistant streaming over HTTP.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kbengine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	for _, dir := range []string{cfg.DataDir, cfg.StorageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	kw, err := keyword.NewIndex(ctx, st.DB())
	if err != nil {
		return fmt.Errorf("build keyword index: %w", err)
	}

	var rdb redis.Cmdable
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			// Degraded mode: rate limits and caches fall back in-process.
			log.WithComponent("main").Warn().Err(err).Msg("redis unreachable, running degraded")
			rdb = nil
		} else {
			rdb = client
		}
	}

	cache, err := embedcache.New(st.DB(), rdb)
	if err != nil {
		return fmt.Errorf("init embedding cache: %w", err)
	}

	vectors, err := vectorstore.New(vectorstore.Config{
		Host:        cfg.QdrantHost,
		Port:        cfg.QdrantPort,
		APIKey:      cfg.QdrantAPIKey,
		Prefix:      cfg.CollectionPrefix,
		Dims:        cfg.EmbeddingDimensions,
		Compression: cfg.VectorCompression,
	})
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	defer vectors.Close()

	var selector provider.Selector
	if cfg.LoadBalancingEnabled {
		selector = ratelimit.NewBalancer(cfg.LoadBalancingStrategy, cfg.LoadBalancingWeights)
	}
	limits := ratelimit.NewLimits(ratelimit.NewCounter(rdb), cfg)
	gateway := provider.NewGateway(provider.BuildRoutes(cfg), selector, limits, cfg.RequestTimeout)

	proposer := func(ctx context.Context, prompt string) (string, error) {
		reply, _, err := gateway.Chat(ctx, "qwen", []provider.Message{{Role: "user", Content: prompt}})
		return reply, err
	}
	ocr := func(ctx context.Context, data []byte, mime string) (string, error) {
		text, _, err := gateway.OCR(ctx, "qwen", data, mime)
		return text, err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	queue := jobs.NewQueue(cfg.JobWorkers)
	queue.Start()
	defer queue.Stop()

	ingestor := ingest.New(cfg, st, vectors, cache, gateway, limits,
		chunker.Select(cfg.ChunkingEngine, proposer), extract.NewProcessor(ocr), broker, queue)
	engine := retrieval.NewEngine(cfg, st, vectors, kw, cache, gateway, gateway, limits)
	inspector := retrieval.NewInspector(st, vectors, kw)

	if cfg.LibraryAutoImportEnabled {
		importer := autoimport.New(rdb, ingestor, broker, cfg.LibraryDir, cfg.LibraryAutoImportInterval)
		importer.Start()
		defer importer.Stop()
	}

	server := api.NewServer(cfg, st, ingestor, engine, inspector, gateway)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("shutdown incomplete")
		}
	}
	return nil
}
