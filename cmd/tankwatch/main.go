package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedwagon-io/tankwatch/internal/analyser"
	"github.com/speedwagon-io/tankwatch/internal/buffer"
	"github.com/speedwagon-io/tankwatch/internal/collector"
	"github.com/speedwagon-io/tankwatch/internal/collector/adapters"
	"github.com/speedwagon-io/tankwatch/internal/config"
	"github.com/speedwagon-io/tankwatch/internal/health"
	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/observability"
	"github.com/speedwagon-io/tankwatch/internal/sender"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log reports instead of sending them")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting tankwatch",
		slog.String("env", cfg.Env),
		slog.String("site_id", cfg.Site.ID),
		slog.Bool("dry_run", *dryRun),
	)

	siteCfg := config.MustLoadSite(cfg.Site.ConfigPath)

	log.Info("loaded site config",
		slog.String("site_id", siteCfg.SiteID),
		slog.String("site_name", siteCfg.SiteName),
		slog.Int("tanks", len(siteCfg.Tanks)),
	)

	var coll collector.Collector
	switch siteCfg.Connection.Adapter {
	case "thingspeak":
		coll = adapters.NewThingSpeakAdapter(
			log,
			siteCfg.Connection.BaseURL,
			siteCfg.Connection.Timeout,
		)
	default:
		log.Error("unknown adapter", slog.String("adapter", siteCfg.Connection.Adapter))
		os.Exit(1)
	}

	reportSender, closers := buildSenders(log, cfg, *dryRun)

	var buf buffer.Buffer
	var sqliteBuf *buffer.SQLiteBuffer
	if cfg.Buffer.Enabled && !*dryRun {
		var err error
		sqliteBuf, err = buffer.NewSQLiteBuffer(log, cfg.Buffer.Path)
		if err != nil {
			log.Error("failed to create buffer", sl.Err(err))
			os.Exit(1)
		}
		buf = sqliteBuf
		log.Info("buffer enabled", slog.String("path", cfg.Buffer.Path))
	}

	metrics := observability.NewMetrics()

	an, err := analyser.New(log, siteCfg.Tanks, siteCfg.Sources, coll, reportSender,
		analyser.WithSite(siteCfg.SiteID, siteCfg.SiteName),
		analyser.WithMetrics(metrics),
		analyser.WithRangeTolerance(siteCfg.Analysis.RangeTolerance),
		analyser.WithFetchTimeout(siteCfg.Polling.Timeout),
	)
	if err != nil {
		if errors.Is(err, analyser.ErrConfig) {
			log.Error("invalid tank configuration", sl.Err(err))
		} else {
			log.Error("failed to create analyser", sl.Err(err))
		}
		os.Exit(1)
	}

	healthServer := health.NewServer(log, cfg.Health.Address, an)
	healthServer.AddChecker(health.NewSenderHealthChecker(reportSender.Health))
	healthServer.AddChecker(health.NewCycleHealthChecker(an, 3*siteCfg.Polling.Interval, nil))
	if sqliteBuf != nil {
		healthServer.AddChecker(health.NewBufferHealthChecker(sqliteBuf.Count))
	}

	if err := healthServer.Start(); err != nil {
		log.Error("failed to start health server", sl.Err(err))
		os.Exit(1)
	}

	manager := collector.NewManager(log, cfg, siteCfg, an, coll, reportSender, buf, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := manager.Start(ctx); err != nil {
		log.Error("failed to schedule analysis cycles", sl.Err(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	manager.Stop()

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	for _, c := range closers {
		if err := c(); err != nil {
			log.Error("failed to close sender", sl.Err(err))
		}
	}

	if buf != nil {
		if err := buf.Close(); err != nil {
			log.Error("failed to close buffer", sl.Err(err))
		}
	}

	log.Info("tankwatch stopped")
}

// buildSenders assembles every enabled sink. Dry runs only log.
func buildSenders(log *slog.Logger, cfg *config.Config, dryRun bool) (sender.Sender, []func() error) {
	if dryRun {
		log.Info("dry-run mode: reports will be logged instead of sent")
		return sender.NewLogSender(log), nil
	}

	var (
		sinks   []sender.Sender
		closers []func() error
	)

	if cfg.Sender.Enabled {
		sinks = append(sinks, sender.NewThingSpeakSender(log, &cfg.Sender))
	}

	if cfg.Files.Enabled {
		sinks = append(sinks, sender.NewFileSender(log, cfg.Files.AnalysisPath, cfg.Files.FullnessPath))
	}

	if cfg.Telegram.Enabled {
		bot, err := sender.NewTelegramBot(cfg.Telegram.Token)
		if err != nil {
			log.Error("failed to create telegram bot", sl.Err(err))
			os.Exit(1)
		}
		sinks = append(sinks, sender.NewTelegramSender(log, bot, cfg.Telegram.ChatIDs))
	}

	if cfg.Kafka.Enabled {
		ks := sender.NewKafkaSender(log, sender.NewKafkaWriter(&cfg.Kafka))
		sinks = append(sinks, ks)
		closers = append(closers, ks.Close)
	}

	if len(sinks) == 0 {
		log.Warn("no sinks enabled, reports will only be logged")
		sinks = append(sinks, sender.NewLogSender(log))
	}

	return sender.NewMultiSender(log, sinks...), closers
}
