package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/hospital-scheduling/internal/api"
	"github.com/hackgods/hospital-scheduling/internal/appointment"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
	"github.com/hackgods/hospital-scheduling/internal/logger"
	"github.com/hackgods/hospital-scheduling/internal/metrics"
	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "api-server",
		Short:        "Hospital scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *db.Pool, log zerolog.Logger) error {
				count, err := db.Migrate(ctx, pool, log)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *db.Pool, _ zerolog.Logger) error {
				statuses, err := db.Status(ctx, pool)
				if err != nil {
					return err
				}

				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.AppliedAt != nil {
						status = "applied"
						appliedAt = s.AppliedAt.Format(time.DateTime)
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func poolConfig(cfg config.Config) db.Config {
	return db.Config{
		Max:            cfg.DBMaxConns,
		Min:            cfg.DBMinConns,
		AcquireTimeout: cfg.DBAcquireTimeout,
		LongHold:       cfg.DBLongHold,
	}
}

func withPool(ctx context.Context, fn func(context.Context, *db.Pool, zerolog.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, poolConfig(cfg), log)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, pool, log)
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Int("db_max_conns", cfg.DBMaxConns).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, poolConfig(cfg), log)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection error: %w", err)
	}
	defer pool.Close()
	log.Info().Msg("connected to Postgres")

	if migrate {
		if _, err := db.Migrate(rootCtx, pool, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Connect Redis; without it bookings rely on the unique index alone and
	// cache evictions stay local.
	var (
		rdb       redis.UniversalClient
		locker    redisclient.Locker = redisclient.NopLocker{}
		evictions *redisclient.EvictionBus
	)
	if cfg.RedisEnabled() {
		client, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		rdb = client
		locker = redisclient.NewRedisSlotLocker(client, cfg.LockTTL)
		evictions = redisclient.NewEvictionBus(client, log)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		log.Warn().Msg("redis disabled, slot locks and cross-instance cache eviction are off")
	}

	var catalogOpts []clinic.CatalogOption
	if evictions != nil {
		catalogOpts = append(catalogOpts, clinic.WithPublisher(evictions))
	}
	catalog := clinic.NewCatalog(clinic.NewPgRepository(pool), cfg.CacheTTL, log, catalogOpts...)

	policy := appointment.Permissive
	if cfg.StrictTransitions {
		policy = appointment.Strict
	}
	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		catalog,
		locker,
		log,
		appointment.WithLocation(cfg.Location()),
		appointment.WithTransitionPolicy(policy),
	)

	collector := metrics.New()
	collector.RegisterPool(pool.Stats)
	collector.RegisterCaches(catalog.CacheStats)

	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		var opts []api.RateLimiterOption
		if cfg.TrustProxy {
			opts = append(opts, api.TrustForwardedFor())
		}
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, opts...)
	}

	router := api.NewRouter(api.RouterConfig{
		Appointments: svc,
		Catalog:      catalog,
		DB:           pool,
		Redis:        rdb,
		Metrics:      collector,
		RateLimiter:  limiter,
		Logger:       log,
		Env:          cfg.Env,
		Version:      version,
	})

	if evictions != nil {
		go func() {
			if err := evictions.Run(rootCtx, catalog.Evict); err != nil {
				log.Error().Err(err).Msg("cache eviction listener stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("shutting down api-server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
