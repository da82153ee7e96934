// Command voltmesh runs the telemetry pipeline: ingestion gateway,
// durable queue, event processor, history store, live-state cache,
// notification engine, decision logger and ledger audit, with an HTTP
// surface for ingestion and the decision/audit trail.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltmesh-labs/voltmesh/core/pkg/audit"
	"github.com/voltmesh-labs/voltmesh/core/pkg/config"
	"github.com/voltmesh-labs/voltmesh/core/pkg/decision"
	"github.com/voltmesh-labs/voltmesh/core/pkg/history"
	"github.com/voltmesh-labs/voltmesh/core/pkg/ingest"
	"github.com/voltmesh-labs/voltmesh/core/pkg/livestate"
	"github.com/voltmesh-labs/voltmesh/core/pkg/notify"
	"github.com/voltmesh-labs/voltmesh/core/pkg/observability"
	"github.com/voltmesh-labs/voltmesh/core/pkg/processor"
	"github.com/voltmesh-labs/voltmesh/core/pkg/queue"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

const listenAddr = ":8080"

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Environment = cfg.Environment
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("observability setup failed: %v", err)
	}

	// Queue and live-state cache share one Redis connection. Without a
	// reachable Redis the pipeline falls back to in-process backends,
	// losing durability but staying functional for development.
	var (
		q     queue.Queue
		cache livestate.Cache
	)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, using in-process queue and cache",
			"addr", cfg.RedisAddr, "error", err)
		q = queue.NewMemoryQueue()
		cache = livestate.NewMemoryCache(cfg.LiveStateTTL)
	} else {
		slog.Info("redis connected", "addr", cfg.RedisAddr)
		q = queue.NewRedisQueueFromClient(rdb)
		cache = livestate.NewRedisCache(rdb, "station", cfg.LiveStateTTL)
	}

	histDB, err := sql.Open("sqlite", cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("history db open failed: %v", err)
	}
	defer histDB.Close()
	store, err := history.NewSQLiteStore(histDB)
	if err != nil {
		log.Fatalf("history store setup failed: %v", err)
	}

	decisionStore, db := openDecisionStore(ctx, cfg)
	if db != nil {
		defer db.Close()
	}

	auditSvc := audit.NewService(decisionStore, audit.NewChainLedger())
	decisionLogger, err := decision.NewLogger(ctx, decisionStore,
		decision.WithAuditor(auditSvc),
		decision.WithPublisher(q, ""),
		decision.WithMetrics(obs),
	)
	if err != nil {
		log.Fatalf("decision logger setup failed: %v", err)
	}

	resolver := notify.NewStaticResolver(loadDirectory(cfg)...)
	engine := notify.NewEngine(resolver, notify.WithMetrics(obs))

	gateway := ingest.NewGateway(q,
		ingest.WithQueueName(cfg.SignalQueue),
		ingest.WithProjector(&ingest.PubSubProjector{Queue: q}),
		ingest.WithMetrics(obs),
	)

	proc := processor.New(q, store, cache,
		processor.WithNotifier(engine),
		processor.WithMetrics(obs),
		processor.WithQueueName(cfg.SignalQueue),
		processor.WithAgentChannel(cfg.AgentChannel),
		processor.WithPopTimeout(cfg.PopTimeout),
	)
	proc.Start(ctx)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           newServer(gateway, proc, decisionLogger, auditSvc).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	slog.Info("voltmesh pipeline running",
		"queue", cfg.SignalQueue, "agentChannel", cfg.AgentChannel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	proc.Stop()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openDecisionStore prefers Postgres; without DATABASE_URL the
// decision log lives in process memory.
func openDecisionStore(ctx context.Context, cfg *config.Config) (decision.Store, *sql.DB) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, decision log is in-memory")
		return decision.NewMemoryStore(), nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres open failed: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("postgres ping failed: %v", err)
	}
	store, err := decision.NewPostgresStore(ctx, db)
	if err != nil {
		log.Fatalf("decision store setup failed: %v", err)
	}
	slog.Info("postgres connected")
	return store, db
}

func loadDirectory(cfg *config.Config) []notify.Recipient {
	if cfg.DirectoryPath == "" {
		return nil
	}
	dir, err := config.LoadDirectory(cfg.DirectoryPath)
	if err != nil {
		log.Fatalf("directory load failed: %v", err)
	}
	out := make([]notify.Recipient, 0, len(dir.Users))
	for _, u := range dir.Users {
		out = append(out, notify.Recipient{UserID: u.ID, Role: u.Role})
	}
	slog.Info("user directory loaded", "users", len(out), "stations", len(dir.Stations))
	return out
}
