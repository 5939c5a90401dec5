package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/api"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster/catalog"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/replication"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/snapshot"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/scroll"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search node",
		"node_id", cfg.Cluster.NodeID,
		"port", cfg.Server.Port,
		"data_dir", cfg.Indexer.DataDir,
	)

	if err := run(cfg); err != nil {
		slog.Error("search node failed", "error", err)
		os.Exit(1)
	}
	slog.Info("search node stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	opts := cluster.Options{Metrics: m}

	switch cfg.Catalog.Backend {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		cat, err := catalog.NewPostgres(ctx, db)
		if err != nil {
			return err
		}
		opts.Catalog = cat
		checker.Register("postgres", health.Ping(db.Ping))
		slog.Info("index catalog backed by postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	default:
		opts.Catalog = catalog.NewMemory()
	}

	if cfg.Scroll.Store == "redis" {
		rc, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		opts.ScrollStore = scroll.NewRedisStore(rc)
		checker.Register("redis", health.Ping(rc.Ping))
		slog.Info("scroll cursors stored in redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Indexer.DataDir != "" {
		opts.Snapshots = snapshot.NewStore(cfg.Indexer.DataDir)
	}

	// The shipper outlives the node so the final flush sees every entry
	// committed during shutdown.
	shipCtx, stopShipping := context.WithCancel(context.Background())
	defer stopShipping()
	if cfg.Replication.KafkaEnabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Replication.Topic())
		defer producer.Close()
		breaker := resilience.NewCircuitBreaker("replication-kafka", resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Second,
			OnStateChange: func(name string, state resilience.State) {
				m.SetBreakerState(name, int(state))
			},
		})
		shipper := replication.NewKafkaShipper(producer, breaker, replication.ShipperConfig{Metrics: m})
		shipperDone := make(chan struct{})
		go func() {
			defer close(shipperDone)
			shipper.Start(shipCtx)
		}()
		defer func() {
			stopShipping()
			<-shipperDone
		}()
		opts.Shipper = shipper
		slog.Info("shipping replication log to kafka", "topic", cfg.Replication.Topic(), "brokers", cfg.Kafka.Brokers)
	}

	node := cluster.NewNode(cfg, opts)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := node.Close(closeCtx); err != nil {
			slog.Error("node close failed", "error", err)
		}
	}()
	if err := node.Recover(ctx); err != nil {
		return fmt.Errorf("recovering indices: %w", err)
	}
	node.StartMaintenance(cfg.Indexer.SnapshotInterval)
	checker.Register("cluster", node.HealthCheck())

	if cfg.Replication.Follow {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Replication.Topic(), replication.HandleEntries(node.FollowerResolver()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("replication follower stopped", "error", err)
			}
		}()
		slog.Info("following replication log", "topic", cfg.Replication.Topic(), "group", cfg.Kafka.ConsumerGroup)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(node, checker, m, cfg.Server.WriteTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search node listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}
