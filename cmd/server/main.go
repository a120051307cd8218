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
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/api"
	"github.com/charlesng35/inboxd/internal/app"
	"github.com/charlesng35/inboxd/internal/app/processor"
	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/internal/templates"
	"github.com/charlesng35/inboxd/pkg/logger"
	"github.com/charlesng35/inboxd/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inboxd-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	cat, err := cfg.Inbox.BuildCatalog()
	if err != nil {
		return fmt.Errorf("build message catalog: %w", err)
	}
	holder := catalog.NewHolder(cat)
	log.Info("catalog loaded", zap.Int("groups", len(cfg.Inbox.Groups)))

	resolver := templates.NewResolver(os.DirFS(cfg.Inbox.TemplateDir))
	hub := events.NewHub()
	registry := hooks.NewRegistry()

	set, err := buildBackends(ctx, cfg, log)
	if err != nil {
		return err
	}

	messages, err := services.NewMessageService(db, holder, resolver, hub, set, services.MessageServiceConfig{
		FailSilently:      cfg.Inbox.FailSilently,
		DisableUnreadPush: cfg.Inbox.DisableUnreadPush,
	})
	if err != nil {
		return fmt.Errorf("initialise message service: %w", err)
	}

	prefs, err := services.NewPreferenceService(db, holder, hub)
	if err != nil {
		return fmt.Errorf("initialise preference service: %w", err)
	}

	retention, err := services.NewRetentionService(db, services.RetentionPolicy{
		MaxAge:   cfg.Inbox.Retention.MaxAge,
		MinAge:   cfg.Inbox.Retention.MinAge,
		MinCount: cfg.Inbox.Retention.MinCount,
		MaxCount: cfg.Inbox.Retention.MaxCount,
	})
	if err != nil {
		return fmt.Errorf("initialise retention service: %w", err)
	}

	fanout, err := services.NewFanOutService(db, holder, registry, messages, cfg.Inbox.FanOutBatchSize)
	if err != nil {
		return fmt.Errorf("initialise fan-out service: %w", err)
	}
	fanout.WithRetention(retention)

	dispatch, err := services.NewDispatchService(db, holder, registry, resolver, prefs, set, services.DispatchServiceConfig{
		RequireEmailVerified: cfg.Inbox.Verification.RequireEmailVerified,
		RequirePhoneVerified: cfg.Inbox.Verification.RequirePhoneVerified,
		BatchSize:            cfg.Inbox.DispatchBatchSize,
	})
	if err != nil {
		return fmt.Errorf("initialise dispatch service: %w", err)
	}

	proc := processor.New(fanout, dispatch, retention,
		processor.WithFanOutSchedule(cfg.Inbox.Schedules.ProcessMessages),
		processor.WithDispatchSchedule(cfg.Inbox.Schedules.ProcessDeliveries),
		processor.WithMaintenanceSchedule(cfg.Inbox.Schedules.Maintenance),
	)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start background jobs: %w", err)
	}
	defer func() {
		stopCtx := proc.Stop()
		<-stopCtx.Done()
	}()

	router, err := api.NewRouter(db, cfg, api.Dependencies{
		Catalog:   holder,
		Resolver:  resolver,
		Hub:       hub,
		Backends:  set,
		Processor: proc,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func buildBackends(ctx context.Context, cfg *app.Config, log *zap.Logger) (*backends.Set, error) {
	set := backends.NewSet()

	if cfg.Push.FCM.Enabled {
		fcm, err := backends.NewFCM(ctx, cfg.Push.FCMConfig())
		if err != nil {
			return nil, fmt.Errorf("initialise fcm backend: %w", err)
		}
		set.Register(models.ChannelPush, fcm)
		set.Register(models.ChannelWebPush, fcm)
		log.Info("push backend enabled", zap.Bool("dry_run", cfg.Push.FCM.DryRun))
	}

	if cfg.Email.SMTP.Enabled {
		mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise smtp mailer: %w", err)
		}
		set.Register(models.ChannelEmail, backends.NewEmail(mailer))
		log.Info("email backend enabled", zap.String("host", cfg.Email.SMTP.Host))
	}

	if cfg.SMS.Enabled {
		set.Register(models.ChannelSMS, backends.NewSMSWithAPIKey(cfg.SMS.URL, cfg.SMS.APIKey))
		log.Info("sms backend enabled", zap.String("url", cfg.SMS.URL))
	}

	return set, nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database.Connection())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(cfg.Database.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("retrieve database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
