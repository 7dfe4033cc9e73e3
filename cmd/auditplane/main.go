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

	"github.com/kumarabd/gokit/logger"
	"github.com/urfave/cli/v3"

	"github.com/houyuxi012/auditplane/internal/config"
	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/migrations"
	"github.com/houyuxi012/auditplane/pkg/archiver"
	"github.com/houyuxi012/auditplane/pkg/forwarder"
	"github.com/houyuxi012/auditplane/pkg/loki"
	"github.com/houyuxi012/auditplane/pkg/query"
	"github.com/houyuxi012/auditplane/pkg/sanitize"
	"github.com/houyuxi012/auditplane/pkg/server"
	"github.com/houyuxi012/auditplane/pkg/sink"
	"github.com/houyuxi012/auditplane/pkg/store"
)

func main() {
	log, err := logger.New(config.ApplicationName, logger.Options{
		Format: logger.SyslogLogFormat,
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	cmd := &cli.Command{
		Name:    config.ApplicationName,
		Usage:   "durable and streaming audit log pipeline",
		Version: config.ApplicationVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-file",
				Sources: cli.EnvVars("AUDITPLANE_DB_FILE"),
				Usage:   "SQLite file path (overrides config)",
			},
			&cli.StringFlag{
				Name:    "loki-addr",
				Sources: cli.EnvVars("AUDITPLANE_LOKI_ADDR"),
				Usage:   "streaming backend base URL (overrides config)",
			},
			&cli.StringFlag{
				Name:    "port",
				Sources: cli.EnvVars("AUDITPLANE_PORT"),
				Usage:   "HTTP listen port (overrides config)",
			},
			&cli.IntFlag{
				Name:    "retention-days",
				Sources: cli.EnvVars("AUDITPLANE_RETENTION_DAYS"),
				Usage:   "days to keep rows in the primary store (overrides config)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := c.String("db-file"); v != "" {
				cfg.DBFile = v
			}
			if v := c.String("loki-addr"); v != "" {
				cfg.Loki.Addr = v
			}
			if v := c.String("port"); v != "" {
				cfg.Server.Port = v
			}
			if v := c.Int("retention-days"); v != 0 {
				cfg.Archiver.RetentionDays = int(v)
			}
			return run(ctx, cfg, log)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Handler) error {
	metricsHandler, err := metrics.New(config.ApplicationName)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	db, err := store.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(db); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}()

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("resolve sql db: %w", err)
	}
	if err := migrations.Up(ctx, sqlDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("file", cfg.DBFile).Msg("store ready")

	auditRepo := store.NewAuditRepository(db)
	ruleRepo := store.NewRuleRepository(db)

	lokiClient := loki.NewClient(cfg.Loki, log)
	mirror := sink.NewMirrorSink(*cfg.Mirror, lokiClient, log, metricsHandler)
	primary := sink.NewPrimarySink(auditRepo, metricsHandler)
	composite := sink.NewCompositeSink(*cfg.Composite, primary, []sink.Sink{mirror}, log, metricsHandler)

	engine := query.NewEngine(auditRepo, lokiClient, cfg.Mirror.Job, log, metricsHandler)
	fwd := forwarder.New(cfg.Forwarder, ruleRepo, log, metricsHandler)

	arch := archiver.NewArchiver(*cfg.Archiver, auditRepo, archiver.NewHTTPStore(*cfg.ColdStore), composite, nil, log, metricsHandler)
	arch.Start()

	srv := server.NewHTTP(cfg.Server, server.Dependencies{
		Sink:    composite,
		AI:      sanitize.NewWriter(composite),
		Query:   engine,
		Rules:   ruleRepo,
		Forward: fwd,
	}, log, metricsHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop intake first, then drain each stage in dependency order so buffered
	// records still reach their backends.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := arch.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("archiver shutdown")
	}
	if err := fwd.Close(); err != nil {
		log.Error().Err(err).Msg("forwarder shutdown")
	}
	if err := composite.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sink shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}
