package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr/internal/audit"
	"github.com/ehr/ehr/internal/conformance"
	"github.com/ehr/ehr/internal/config"
	"github.com/ehr/ehr/internal/crud"
	"github.com/ehr/ehr/internal/httpapi"
	"github.com/ehr/ehr/internal/indexing"
	"github.com/ehr/ehr/internal/jobs"
	"github.com/ehr/ehr/internal/packages"
	"github.com/ehr/ehr/internal/platform/db"
	"github.com/ehr/ehr/internal/platform/middleware"
	"github.com/ehr/ehr/internal/runtimeconfig"
	"github.com/ehr/ehr/internal/search"
	"github.com/ehr/ehr/internal/store"
	"github.com/ehr/ehr/internal/txn"
)

const fhirVersion = "4.0.1"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "Headless EHR FHIR API Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EHR FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Use Atlas CLI for migration rollback: atlas schema apply --dir migrations/")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Core write/read path: store -> indexing -> search -> crud -> txn.
	resourceStore := store.New(pool)
	paramCache := indexing.NewParamCache(pool)
	extractor := indexing.NewExtractor(fhirVersion)
	resolver := store.NewResolver(ctx, resourceStore)
	indexSvc := indexing.NewService(pool, paramCache, extractor, resolver)
	searchExec := search.NewExecutor(pool)
	crudSvc := crud.New(resourceStore, indexSvc, searchExec, paramCache)
	txnProc := txn.New(pool, crudSvc)

	// Conformance, runtime config, audit, packages.
	baseURL := fmt.Sprintf("http://localhost:%s", cfg.Port)
	capBuilder := conformance.New(pool, conformance.Config{
		ServerName:    "ehr-server",
		ServerVersion: "0.1.0",
		FHIRVersion:   fhirVersion,
		Publisher:     "ehr",
		BaseURL:       baseURL,
	})
	validator := conformance.NewValidator(capBuilder)
	rtConfig := runtimeconfig.New(pool)
	auditLog := audit.New(pool)
	pkgInstaller := packages.NewInstaller(pool)

	defaultCount, err := rtConfig.GetIntDefault(ctx, runtimeconfig.KeySearchDefaultCount, 50)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load search.default_count, using built-in default")
	}
	maxCount, err := rtConfig.GetIntDefault(ctx, runtimeconfig.KeySearchMaxCount, 1000)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load search.max_count, using built-in default")
	}

	apiServer := &httpapi.Server{
		CRUD:          crudSvc,
		Txn:           txnProc,
		Conformance:   capBuilder,
		Validator:     validator,
		RuntimeConfig: rtConfig,
		Audit:         auditLog,
		Packages:      pkgInstaller,
		Logger:        logger,
		DefaultCount:  defaultCount,
		MaxCount:      maxCount,
	}
	e := httpapi.NewRouter(apiServer)
	e.HidePort = true
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Exist", "If-None-Match"},
	}))
	rateLimitCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Background job worker: reindex jobs run off the durable jobs queue
	// rather than inline on the request that triggered them.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	jobQueue := jobs.New(pool)
	reindexWorker := &jobs.Worker{
		Queue:    jobQueue,
		Name:     "reindex",
		Interval: 2 * time.Second,
		Handler:  reindexHandler(resourceStore, indexSvc),
		OnError:  func(err error) { logger.Error().Err(err).Str("queue", "reindex").Msg("job failed") },
	}
	go reindexWorker.Run(workerCtx)

	go func() {
		addr := ":" + cfg.Port
		var err error
		if cfg.TLSEnabled {
			logger.Info().Str("addr", addr).Msg("starting server (TLS)")
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info().Str("addr", addr).Msg("starting server")
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// reindexHandler processes one "reindex" job, whose payload names a single
// resource ("type"/"id") to recompute index rows for from its current
// stored body — used to recover from a search-parameter definition change
// without a full-table rebuild.
func reindexHandler(st *store.Store, idx *indexing.Service) jobs.Handler {
	return func(ctx context.Context, payload map[string]interface{}) error {
		resourceType, _ := payload["type"].(string)
		id, _ := payload["id"].(string)
		res, err := st.Read(ctx, resourceType, id)
		if err != nil {
			return err
		}
		return idx.Index(ctx, resourceType, id, res.Version, res.Body)
	}
}
