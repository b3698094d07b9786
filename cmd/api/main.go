package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/api/handlers"
	"github.com/actor-graph/backend/internal/cache/redis"
	"github.com/actor-graph/backend/internal/dedup"
	"github.com/actor-graph/backend/internal/evidence"
	"github.com/actor-graph/backend/internal/extraction"
	"github.com/actor-graph/backend/internal/ingestion"
	"github.com/actor-graph/backend/internal/kg/builder"
	"github.com/actor-graph/backend/internal/kg/neo4j"
	"github.com/actor-graph/backend/internal/llm"
	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/middleware/ratelimit"
	"github.com/actor-graph/backend/internal/middleware/security"
	"github.com/actor-graph/backend/internal/middleware/validation"
	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/internal/source/web"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	appLogger "github.com/actor-graph/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(appLogger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	log := appLogger.GetLogger()

	appLogger.Info("Starting Actor Graph API Server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMs)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var (
		builderOpts  []builder.Option
		evidenceOpts []evidence.Option
		dedupOpts    []dedup.Option
		neighbors    handlers.NeighborSource
		purger       handlers.CachePurger
	)

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		builderOpts = append(builderOpts, builder.WithSharedCache(redisClient))
		purger = redisClient
	}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
			cfg.Neo4j.Database,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())
		evidenceOpts = append(evidenceOpts, evidence.WithProjector(neo4jClient))
		dedupOpts = append(dedupOpts, dedup.WithProjector(neo4jClient))
		neighbors = neo4jClient
	}

	llmClients, err := llm.NewClients(cfg.Oracle.Backends, log)
	if err != nil {
		appLogger.Fatal("Failed to create extraction backends", zap.Error(err))
	}
	if len(llmClients) == 0 {
		appLogger.Warn("No extraction backends configured, using heuristic extraction only")
	}
	oracle := extraction.NewOracle(extraction.Completers(llmClients), cfg.Oracle, log)

	graphBuilder := builder.NewBuilder(sqliteClient, cfg.Graph, log, builderOpts...)

	evidenceOpts = append(evidenceOpts, evidence.WithInvalidator(graphBuilder))
	accumulator := evidence.NewAccumulator(sqliteClient, cfg.Evidence, log, evidenceOpts...)

	dedupOpts = append(dedupOpts,
		dedup.WithInvalidator(graphBuilder),
		dedup.WithListLimits(cfg.Evidence.MaxContexts, cfg.Evidence.MaxSourceDocs))
	deduplicator := dedup.New(sqliteClient, cfg.Dedup, log, dedupOpts...)

	events := queue.NewBroadcaster(64)
	extractionQueue := queue.New(sqliteClient, queue.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts}, events, log)

	var ingestOpts []ingestion.Option
	if cfg.Fetch.Enabled {
		fetcher := web.NewFetcher(time.Duration(cfg.Fetch.TimeoutSec)*time.Second, cfg.Fetch.MaxBytes, log)
		ingestOpts = append(ingestOpts, ingestion.WithFetcher(fetcher))
	}
	processor := ingestion.NewProcessor(sqliteClient, extractionQueue, oracle, accumulator, graphBuilder, log, ingestOpts...)

	recovered, err := extractionQueue.RecoverStale(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to recover queue", zap.Error(err))
	}
	if recovered > 0 {
		appLogger.Info("Recovered interrupted queue items", zap.Int64("count", recovered))
	}

	worker := queue.NewWorker(extractionQueue, processor.ProcessItem, queue.WorkerConfig{
		PollInterval:      cfg.Queue.PollInterval(),
		ExtractionTimeout: cfg.Queue.ExtractionTimeout(),
		AfterComplete:     processor.Reconcile,
	}, log)
	worker.Start()

	stopDedup := startDedupLoop(sqliteClient, deduplicator, cfg.Dedup.IntervalMinutes)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Logger:            log,
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	documentHandler := handlers.NewDocumentHandler(processor, sqliteClient)
	queueHandler := handlers.NewQueueHandler(extractionQueue)
	suggestionHandler := handlers.NewSuggestionHandler(accumulator)
	graphHandler := handlers.NewGraphHandler(graphBuilder, deduplicator, sqliteClient, neighbors, purger)
	wsHandler := handlers.NewWebSocketHandler(events)

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          log,
	}))

	api.Post("/documents", documentHandler.SubmitDocument)
	api.Get("/documents/:id", documentHandler.GetDocument)

	api.Post("/queue", queueHandler.Enqueue)
	api.Get("/queue", queueHandler.List)
	api.Get("/queue/stats", queueHandler.Stats)
	api.Get("/queue/:id", queueHandler.Get)
	api.Post("/queue/retry-failed", queueHandler.RetryFailed)
	api.Post("/queue/retry-dead", queueHandler.RetryDead)

	api.Get("/scopes", graphHandler.ListScopes)
	api.Get("/scopes/:scope/actors", graphHandler.ListActors)
	api.Get("/scopes/:scope/graph", graphHandler.BuildGraph)
	api.Delete("/scopes/:scope/graph/cache", graphHandler.ClearScope)
	api.Delete("/graph/cache", graphHandler.ClearAll)
	api.Post("/scopes/:scope/dedup", graphHandler.MergeDuplicates)
	api.Get("/actors/:id/neighbors", graphHandler.Neighbors)

	api.Get("/scopes/:scope/suggestions", suggestionHandler.Inbox)
	api.Get("/scopes/:scope/suggestions/promotable", suggestionHandler.Promotable)
	api.Post("/scopes/:scope/suggestions/auto-promote", suggestionHandler.AutoPromote)
	api.Post("/suggestions/:id/approve", suggestionHandler.Approve)
	api.Post("/suggestions/:id/dismiss", suggestionHandler.Dismiss)
	api.Delete("/suggestions/:id", suggestionHandler.Reject)

	app.Get("/ws/queue", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if err := sqliteClient.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stopDedup()
	worker.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// startDedupLoop merges duplicate actors of every scope on a fixed interval. A zero
// interval disables it.
func startDedupLoop(store *sqlite.Client, d *dedup.Deduplicator, minutes int) func() {
	if minutes <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scopes, err := store.ListScopes(ctx)
				if err != nil {
					appLogger.Warn("Dedup pass skipped", zap.Error(err))
					continue
				}
				for _, scope := range scopes {
					if _, err := d.MergeDuplicates(ctx, scope); err != nil {
						appLogger.Warn("Dedup pass failed", zap.String("scope_id", scope), zap.Error(err))
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += ", " + o
	}
	return out
}
