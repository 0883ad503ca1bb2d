package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quantpulse/assetscope/config"
	"github.com/quantpulse/assetscope/internal/cache"
	"github.com/quantpulse/assetscope/internal/jobs"
	"github.com/quantpulse/assetscope/internal/providers"
	"github.com/quantpulse/assetscope/internal/queue/streams"
	srv "github.com/quantpulse/assetscope/internal/server"
	"github.com/quantpulse/assetscope/internal/store"
	"github.com/quantpulse/assetscope/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "assetscope"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.json (optional)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = os.Getenv("ASSETSCOPE_HTTP_ADDR")
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var workerName string
	var worker = &cobra.Command{
		Use:   "worker",
		Short: "Run a deep-analysis worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:        cfg.Storage.Redis.Addr(),
				Password:    cfg.Storage.Redis.Password,
				DB:          cfg.Storage.Redis.DB,
				DialTimeout: cfg.Storage.Redis.Timeout,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
			}

			if err := streams.EnsureGroup(ctx, rdb, cfg.Jobs.DispatchStream, cfg.Jobs.ConsumerGroup); err != nil {
				return err
			}
			if workerName == "" {
				if host, err := os.Hostname(); err == nil {
					workerName = host
				} else {
					workerName = "worker"
				}
			}
			consumer := streams.NewConsumer(rdb, cfg.Jobs.ConsumerGroup, workerName)

			if cfg.Providers.DeepEndpoint == "" {
				return fmt.Errorf("providers.deep_endpoint required for worker")
			}
			analyzer := providers.NewDeepClient(cfg.Providers.DeepEndpoint, cfg.Providers.DeepAPIKey)

			metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
			cacheManager := cache.NewManager(rdb, metrics)

			w := jobs.NewWorker(st, consumer, analyzer, cacheManager,
				cfg.Jobs.DispatchStream, cfg.Jobs.MaxExecution, cfg.Pipeline.CacheTTL, metrics)
			return w.Start(ctx)
		},
	}
	worker.Flags().StringVar(&workerName, "name", "", "consumer name within the group (default hostname)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				cfg, err := config.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				dsn = cfg.Storage.Postgres.DSN()
			}
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var watchInterval string
	var watchMaxPolls int
	var watch = &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			// Observation only, no dispatching happens here.
			manager := jobs.NewManager(st, nil, cfg.Jobs.DispatchStream, nil)

			poller := &jobs.Poller{Poll: manager.Poll, MaxPolls: watchMaxPolls}
			if watchInterval != "" {
				d, err := time.ParseDuration(watchInterval)
				if err != nil {
					return err
				}
				poller.Interval = d
			}

			view, err := poller.Wait(ctx, args[0])
			if out, merr := json.MarshalIndent(view, "", "  "); merr == nil {
				fmt.Println(string(out))
			}
			return err
		},
	}
	watch.Flags().StringVar(&watchInterval, "interval", "2s", "delay between polls")
	watch.Flags().IntVar(&watchMaxPolls, "max-polls", 0, "abandon observation after N polls (0 = unlimited)")

	root.AddCommand(serve, worker, migrate, watch)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
