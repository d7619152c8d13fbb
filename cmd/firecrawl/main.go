package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/crawl"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/jobs"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/metrics"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/migrate"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/priority"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/queue"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/scrape"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(redisOpts)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	m := metrics.NewRegistry()

	st := store.New(db, rdb, logger, cfg.Store.MaxResultBytes)

	var provider queue.Provider
	switch cfg.Queue.Provider {
	case "bull":
		provider = queue.NewRedisQueue(rdb, st, cfg.Queue, logger)
	case "cloud-tasks":
		provider = queue.NewTasksQueue(st, cfg.Queue.Tasks, logger)
	default:
		log.Fatalf("unknown queue provider: %s (expected bull|cloud-tasks)", cfg.Queue.Provider)
	}
	defer provider.Close()

	var engine scrape.Engine
	if cfg.Scrape.BrowserURL != "" {
		engine = scrape.NewBrowserClient(cfg.Scrape, logger)
	} else {
		logger.Warn("no browser service configured, using local rod engine")
		engine = scrape.NewRodEngine("", time.Duration(cfg.Scrape.TimeoutMs)*time.Millisecond)
	}

	orch := scrape.NewOrchestrator(engine, cfg.Scrape, logger)
	pe := priority.New(st, logger)
	coord := crawl.New(st, provider, pe, logger)
	w := worker.New(cfg.Worker, provider, st, coord, orch, m, logger)
	srv := worker.NewServer(w, provider, m, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	workerDone := make(chan struct{})

	switch *role {
	case "api":
		close(workerDone)
	case "worker", "all":
		go jobs.RunRetentionLoop(rootCtx, cfg.Retention, st, m, logger)
		go func() {
			defer close(workerDone)
			w.Run(rootCtx)
		}()
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Listen(addr)
	}()
	logger.Info("listening", "addr", addr, "role", *role, "queue_provider", cfg.Queue.Provider)

	select {
	case err := <-serverDone:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	}

	// Drain the worker before closing the HTTP surface so /admin/queues
	// keeps reporting in-flight work during the grace window.
	<-workerDone
	if err := srv.Shutdown(); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}
