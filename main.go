package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"verification_pipeline/internal/analyzer"
	"verification_pipeline/internal/api"
	"verification_pipeline/internal/config"
	"verification_pipeline/internal/engine"
	"verification_pipeline/internal/logger"
	"verification_pipeline/internal/messaging"
	"verification_pipeline/internal/repository"
	"verification_pipeline/internal/scheduler"
	"verification_pipeline/internal/service"
	"verification_pipeline/internal/storage"
)

func runMigrations(db *pgxpool.Pool, log *zap.Logger) error {
	log.Info("Running database migrations")

	migrationsDir := "migrations"
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if strings.HasSuffix(file.Name(), ".sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		log.Info("Running migration", zap.String("file", filename))

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		_, err = db.Exec(context.Background(), string(content))
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}

		log.Info("Migration completed", zap.String("file", filename))
	}

	log.Info("All migrations completed successfully")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting verification pipeline")

	db, err := pgxpool.New(context.Background(), cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	log.Info("Connected to database")

	if err := runMigrations(db, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	notifier, err := messaging.NewNATSNotifier(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer notifier.Close()

	docStore, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to connect to object store", zap.Error(err))
	}

	verificationRepo := repository.NewVerificationRepository(db, log)
	subjectRepo := repository.NewSubjectRepository(db, log)
	auditRepo := repository.NewAuditRepository(db, log)

	docAnalyzer := analyzer.New(cfg.Analyzer, log)
	transitionEngine := engine.New(verificationRepo, subjectRepo, notifier, log)

	sched := scheduler.New(verificationRepo, subjectRepo, transitionEngine, docAnalyzer,
		docStore, notifier, cfg.Jobs, cfg.Storage.URLTTL, log)

	submissions := service.NewSubmissionService(verificationRepo, subjectRepo,
		transitionEngine, docAnalyzer, docStore, cfg.Storage.URLTTL, log)
	reviews := service.NewReviewService(verificationRepo, auditRepo,
		transitionEngine, docStore, cfg.Storage.URLTTL, log)

	handler := api.NewHandler(submissions, reviews, sched, log)
	router := api.NewRouter(handler, cfg, log)
	server := api.NewServer(cfg, router, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Jobs.Internal {
		sched.RunPeriodically(ctx, cfg.Jobs.HourlyInterval, cfg.Jobs.DailyInterval)
		log.Info("Internal job tickers enabled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatal("Server error", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
