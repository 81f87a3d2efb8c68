// Package main runs the e-signature server: the public signing API, the
// admin API, the job workers and the background sweepers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/golang/glog"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lumenhouse/esign/pkg/api"
	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/cache"
	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/config"
	"github.com/lumenhouse/esign/pkg/ha"
	"github.com/lumenhouse/esign/pkg/integrity"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/retention"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signing"
	"github.com/lumenhouse/esign/pkg/token"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("ESIGN_CONFIG"), "Path to the YAML configuration file")
	flag.Parse()

	// glog only reports fatal startup errors.
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		glog.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		glog.Fatalf("Failed to set up tracing: %v", err)
	}

	db, err := setupDatabase(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	// Stores and services.
	tokens := token.NewService(db, cfg.Token, log)
	sessions := session.NewManager(db, cfg.Session, log)
	auditStore := audit.NewStore(db)
	jobStore := jobs.NewJobStore(db)
	docStore := signing.NewStore(db)
	elector := ha.NewLeaderElector(db, cfg.HA, log)

	library := render.NewLibrary()
	if cfg.Render.TemplatesPath != "" {
		if library, err = render.LoadTemplates(cfg.Render.TemplatesPath); err != nil {
			glog.Fatalf("Failed to load templates: %v", err)
		}
	}
	renderer := render.NewRenderer(cfg.Render, library, log)

	artifacts, err := artifact.NewFSStore(cfg.Artifacts.Root)
	if err != nil {
		glog.Fatalf("Failed to open artifact store: %v", err)
	}

	cacheManager := cache.NewCacheManager(&cfg.Cache)
	mailer := notify.NewLogMailer(log)

	deps := signing.Deps{
		Store:     docStore,
		Tokens:    tokens,
		Sessions:  sessions,
		Audit:     auditStore,
		Renderer:  renderer,
		Artifacts: artifacts,
		Jobs:      jobStore,
		Mailer:    mailer,
		Delivery:  cfg.Delivery,
		Logger:    log,
	}
	if views := cacheManager.Views(); views != nil {
		deps.Views = views
	}
	svc := signing.NewService(cfg.Signing, deps)

	otpAuth := otp.NewAuthenticator(db, cfg.OTP, otp.Deps{
		Tokens:    tokens,
		Sessions:  sessions,
		Audit:     auditStore,
		Mailer:    mailer,
		Directory: svc,
		Listener:  svc,
		Logger:    log,
	})

	locker := ha.NewMigrationLocker(db, cfg.HA, log)
	err = locker.WithLock(ctx, func() error {
		for _, m := range []interface{ AutoMigrate() error }{
			tokens, sessions, auditStore, jobStore, docStore, otpAuth, elector,
		} {
			if err := m.AutoMigrate(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	authenticator, err := authz.NewAuthenticator(cfg.Authz, log)
	if err != nil {
		glog.Fatalf("Failed to configure admin authentication: %v", err)
	}
	resolver, err := clientinfo.NewResolver(cfg.Client)
	if err != nil {
		glog.Fatalf("Failed to configure client resolution: %v", err)
	}

	server := api.NewServer(cfg.Server, api.Deps{
		DB:            db,
		Signing:       svc,
		OTP:           otpAuth,
		Tokens:        tokens,
		Verifier:      integrity.NewVerifier(svc, artifacts, auditStore, log),
		Artifacts:     artifacts,
		Audit:         auditStore,
		Jobs:          jobStore,
		Templates:     library,
		Cache:         cacheManager,
		Authenticator: authenticator,
		Authorizer:    authz.NewAuthorizer(cfg.Authz),
		Client:        resolver,
		AuditConfig:   cfg.Audit,
		Logger:        log,
	})

	var background sync.WaitGroup
	goBackground := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(ctx)
		}()
	}

	pool := jobs.NewWorkerPool(jobStore, cfg.Jobs, log)
	svc.RegisterJobs(pool)
	goBackground(pool.Run)

	// The expiry sweeper and the credential purge run on one replica.
	sweeper := retention.NewWorker(cfg.Retention, []retention.Target{
		{Name: "tokens", Purger: tokens},
		{Name: "sessions", Purger: sessions},
		{Name: "otp", Purger: otpAuth},
	}, log)
	leaderWork := func(ctx context.Context) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); svc.RunSweeper(ctx) }()
		go func() { defer wg.Done(); sweeper.Run(ctx) }()
		wg.Wait()
	}
	if cfg.HA.LeaderElectionEnabled {
		elector.OnStartLeading(leaderWork)
		goBackground(elector.Run)
	} else {
		goBackground(leaderWork)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.Routes(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Info("esign server ready",
		zap.String("listen", cfg.Server.Listen),
		zap.String("database", cfg.Database.Type),
		zap.Strings("templates", library.IDs()),
		zap.Bool("leaderElection", cfg.HA.LeaderElectionEnabled),
	)

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	background.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("esign server stopped")
}

func setupDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		if path := sqlitePath(cfg.DSN); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", cfg.Type, err)
	}
	return db, nil
}

// sqlitePath returns the file a sqlite DSN points at, or "" for in-memory
// databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}
