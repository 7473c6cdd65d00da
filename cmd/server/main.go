package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/maneesh/labgridfs/internal/config"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/handlers"
	"github.com/maneesh/labgridfs/internal/storage"
	"github.com/maneesh/labgridfs/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting labgridfs service",
		"service", cfg.ServiceName,
		"port", cfg.ServicePort,
		"bucket", cfg.BucketName,
		"metadata_backend", cfg.MetadataBackend,
		"chunk_backend", cfg.ChunkBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("error shutting down tracer", "error", err)
		}
	}()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	rp, _ := cfg.GetReadPreference()
	wc, _ := cfg.GetWriteConcern()
	bucket, err := gridfs.NewBucket(backend,
		gridfs.WithName(cfg.BucketName),
		gridfs.WithChunkSize(cfg.GetChunkSizeBytes()),
		gridfs.WithMaxInFlight(cfg.MaxInFlightChunks),
		gridfs.WithChunkCountCheck(cfg.VerifyChunkCount),
		gridfs.WithReadPreference(rp),
		gridfs.WithWriteConcern(wc),
		gridfs.WithReadConcern(cfg.ReadConcern),
		gridfs.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	router := handlers.NewRouter(bucket, logger)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}).Methods(http.MethodGet)

	// Uploads and downloads stream, so there is no whole-request write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openBackend connects the configured metadata and chunk stores. The returned
// func releases every client that was opened.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gridfs.Backend, func(), error) {
	var (
		backend gridfs.Backend
		closers []func()
		tidb    *storage.TiDBClient
		mongo   *storage.MongoClient
		memory  *storage.Memory
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (gridfs.Backend, func(), error) {
		closeAll()
		return gridfs.Backend{}, nil, err
	}
	uses := func(name string) bool {
		return cfg.MetadataBackend == name || cfg.ChunkBackend == name
	}

	if uses(config.BackendTiDB) {
		logger.Info("connecting to TiDB", "host", cfg.TiDBHost, "port", cfg.TiDBPort)
		client, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
		if err != nil {
			return fail(fmt.Errorf("failed to initialize TiDB client: %w", err))
		}
		closers = append(closers, func() { client.Close() })
		if err := client.EnsureSchema(ctx, cfg.BucketName); err != nil {
			return fail(fmt.Errorf("failed to create TiDB schema: %w", err))
		}
		tidb = client
	}

	if uses(config.BackendMongo) {
		logger.Info("connecting to MongoDB", "database", cfg.MongoDatabase)
		client, err := storage.NewMongoClient(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize MongoDB client: %w", err))
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(ctx)
		})
		if err := client.EnsureIndexes(ctx, cfg.BucketName); err != nil {
			return fail(fmt.Errorf("failed to create MongoDB indexes: %w", err))
		}
		mongo = client
	}

	if uses(config.BackendMemory) {
		logger.Warn("using in-memory store, data is lost on restart")
		memory = storage.NewMemory()
	}

	switch cfg.MetadataBackend {
	case config.BackendTiDB:
		backend.Files = tidb.FileStore
	case config.BackendMongo:
		backend.Files = mongo.FileStore
	case config.BackendMemory:
		backend.Files = memory.FileStore
	}

	switch cfg.ChunkBackend {
	case config.BackendTiDB:
		backend.Chunks = tidb.ChunkStore
	case config.BackendMongo:
		backend.Chunks = mongo.ChunkStore
	case config.BackendMemory:
		backend.Chunks = memory.ChunkStore
	case config.BackendMinIO:
		logger.Info("connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		client, err := storage.NewMinioClient(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize MinIO client: %w", err))
		}
		backend.Chunks = client.ChunkStore
	}

	if cfg.RedisEnabled {
		logger.Info("connecting to Redis", "addr", cfg.GetRedisAddr())
		client, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize Redis client: %w", err))
		}
		closers = append(closers, func() { client.Close() })
		backend.Files = client.Wrap(backend.Files)
	}

	return backend, closeAll, nil
}
