// Package cli provides the command-line entry point and process lifecycle
// for the indexing daemon: configuration loading, storage and queue wiring,
// the scheduler's fan-out/dispatch/sweep loops, the worker pool, the admin
// HTTP surface, and graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitpulse.dev/indexer/auth"
	eve "gitpulse.dev/indexer/common"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/forge"
	"gitpulse.dev/indexer/gitclone"
	"gitpulse.dev/indexer/indexing"
	redisqueue "gitpulse.dev/indexer/queue/redis"
	"gitpulse.dev/indexer/scheduler"
	"gitpulse.dev/indexer/statemanager"
	"gitpulse.dev/indexer/worker"
)

// configEnvPrefix is the prefix config.LoadIndexerConfig reads every
// setting under (e.g. INDEXER_POSTGRES_DSN).
const configEnvPrefix = "INDEXER"

// cfgFile holds an optional Viper config file path. When set, its values
// are projected onto the INDEXER_* environment variables before
// config.LoadIndexerConfig runs, so a file and a flag can override the same
// settings environment variables do without the loader knowing about Viper
// at all.
var cfgFile string

// RootCmd is the indexing daemon's entry point.
var RootCmd = &cobra.Command{
	Use:   "indexerd",
	Short: "fan out, index, and report on a fleet of tracked repositories",
	Long: `indexerd is the indexing daemon: it schedules a recurring
fan-out of (repository, entity) work across every indexed repository,
dispatches due work onto a worker pool that runs the commits, pull
request, release, deployment, and CodeQL alert pipelines, and serves an
admin surface reporting operation health and stuck-job counts.

Configuration is read from INDEXER_* environment variables; an optional
--config file or command-line flag overrides the same settings.`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (yaml/json/toml)")
	RootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	RootCmd.PersistentFlags().String("couchdb-url", "", "CouchDB server URL")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	RootCmd.PersistentFlags().String("admin-bind-addr", "", "admin HTTP surface bind address")

	viper.BindPFlag("postgres_dsn", RootCmd.PersistentFlags().Lookup("postgres-dsn"))
	viper.BindPFlag("couchdb_url", RootCmd.PersistentFlags().Lookup("couchdb-url"))
	viper.BindPFlag("redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("admin_bind_addr", RootCmd.PersistentFlags().Lookup("admin-bind-addr"))
}

// initConfig wires Viper's file/flag layer onto the environment variables
// config.LoadIndexerConfig reads, so the loader stays the single source of
// truth for defaults and validation.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			eve.Logger.WithError(err).WithField("file", cfgFile).Warn("failed to read config file, continuing with environment only")
		}
	}

	for _, key := range []string{"postgres_dsn", "couchdb_url", "redis_url", "admin_bind_addr"} {
		if v := viper.GetString(key); v != "" {
			os.Setenv(configEnvPrefix+"_"+strings.ToUpper(key), v)
		}
	}
}

// runServer loads configuration, wires every collaborator, and blocks until
// SIGINT/SIGTERM, at which point it shuts everything down within a bounded
// timeout.
func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadIndexerConfig(configEnvPrefix)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := eve.NewLogger(eve.LoggerConfig{
		Level:   eve.LogLevel(cfg.Service.LogLevel),
		Format:  cfg.Service.LogFormat,
		Service: "indexerd",
	})
	ctxLog := eve.NewContextLogger(logger, map[string]interface{}{"service": "indexerd"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	state := db.NewStateStore(pool)
	if err := state.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure indexing state schema: %w", err)
	}
	if err := state.EnsureRepositoryTable(ctx); err != nil {
		return fmt.Errorf("ensure repository table: %w", err)
	}

	docs, err := db.NewCouchDBService(db.CouchDBConfig{
		URL:             cfg.CouchDBURL,
		Database:        "indexer",
		CreateIfMissing: true,
	})
	if err != nil {
		return fmt.Errorf("connect couchdb: %w", err)
	}

	queue, err := redisqueue.NewQueue(ctx, redisqueue.Config{RedisURL: cfg.RedisURL, KeyPrefix: "indexer:"})
	if err != nil {
		return fmt.Errorf("connect redis queue: %w", err)
	}

	forgeClient := forge.NewClient(cfg.GitHubAPIBaseURL, nil)

	broker, err := auth.NewBroker(auth.BrokerConfig{
		AppID:            cfg.GitHubApp.AppID,
		AppPrivateKeyPEM: []byte(cfg.GitHubApp.PrivateKeyPEM),
		UserOAuthToken:   cfg.GitHubApp.UserOAuthToken,
		OAuthAppToken:    cfg.GitHubApp.OAuthAppToken,
		EnforceScopes:    cfg.GitHubApp.EnforceScopes,
	}, forgeClient)
	if err != nil {
		return fmt.Errorf("build token broker: %w", err)
	}

	health := statemanager.New(statemanager.Config{
		ServiceName:    "indexerd",
		Stuck:          state,
		StuckThreshold: config.StuckJobThreshold,
	})

	processor := &indexing.Processor{
		Deps: indexing.Deps{
			Client:  forgeClient,
			Broker:  broker,
			State:   state,
			Docs:    docs,
			RateCfg: cfg.RateLimit,
		},
		GitClone: gitclone.Deps{
			Broker:     broker,
			Docs:       docs,
			ScratchDir: cfg.ScratchDir,
		},
		Service:  cfg.IndexingService,
		State:    state,
		Schedule: queue,
		Health:   health,
	}

	// DispatchDue below pushes every job onto "sequential", so that is the
	// queue the configured number of workers consume.
	workerPool := worker.NewPool(indexing.QueueAdapter{Queue: queue}, processor, worker.Config{
		Queues: map[string]int{"sequential": cfg.WorkerPoolSize},
	})
	workerPool.Start()
	defer workerPool.Stop()

	sched := scheduler.New(state, state, queue)
	runSchedulerLoops(ctx, ctxLog, sched)

	admin := echo.New()
	admin.HideBanner = true
	admin.Use(middleware.Recover())
	admin.Use(middleware.Logger())
	health.RegisterRoutes(admin.Group(""))

	go func() {
		if err := admin.Start(cfg.AdminBindAddr); err != nil && err != http.ErrServerClosed {
			ctxLog.WithError(err).Error("admin surface stopped unexpectedly")
		}
	}()
	ctxLog.Infof("indexerd listening for admin requests on %s", cfg.AdminBindAddr)

	<-ctx.Done()
	ctxLog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		ctxLog.WithError(err).Error("admin surface did not shut down cleanly")
	}

	return nil
}

// runSchedulerLoops starts the three background goroutines that keep the
// schedule current: a daily fan-out, a frequent due-task dispatcher, and a
// stuck-job reaper. All three stop when ctx is cancelled.
func runSchedulerLoops(ctx context.Context, log *eve.ContextLogger, sched *scheduler.Scheduler) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			result, err := sched.FanOut(ctx, time.Now())
			if err != nil {
				log.WithError(err).Error("fan-out failed")
			} else if len(result.Failed) > 0 {
				log.WithField("failed", len(result.Failed)).Warn("fan-out completed with some failures")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sched.DispatchDue(ctx, time.Now(), "sequential", 100); err != nil {
					log.WithError(err).Error("dispatch due tasks failed")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(config.StuckJobThreshold / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sched.SweepStuck(ctx, config.StuckJobThreshold, config.MaxRetries, time.Now()); err != nil {
					log.WithError(err).Error("stuck-job sweep failed")
				}
			}
		}
	}()
}
