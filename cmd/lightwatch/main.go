package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lightwatch/internal/alerting"
	"lightwatch/internal/api"
	"lightwatch/internal/broadcast"
	"lightwatch/internal/config"
	"lightwatch/internal/ingest"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/notify"
	"lightwatch/internal/pipeline"
	"lightwatch/internal/processor"
	"lightwatch/internal/rollup"
	"lightwatch/internal/sequencer"
	"lightwatch/internal/stations"
	"lightwatch/internal/storage"
	"lightwatch/internal/threshold"
	"lightwatch/internal/watchdog"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lightwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("LIGHTWATCH_CONFIG"), "path to config file")
	flag.Parse()

	var cfgMgr *config.Manager
	if *configPath != "" {
		var err error
		cfgMgr, err = config.NewManager(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfgMgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("lightwatch starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if store != nil {
		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err := store.Init(initCtx)
		initCancel()
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer store.Close()
	}

	bus := broadcast.New(cfgMgr, logger)
	sink := ingest.NewDeadLetterSink(cfg.DeadLetter, logger, nil)
	defer sink.Close()

	samples := make(chan model.RawSample, cfg.Ingest.ChannelBuffer)
	intake := ingest.NewIntake(cfgMgr, samples, sink, logger)

	notifier, err := notify.NewMQTTNotifier(cfgMgr, nil, logger)
	if err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	var alertNotifier alerting.Notifier
	opAlert := func(string) {}
	if notifier != nil {
		alertNotifier = notifier
		opAlert = notifier.OperationalAlert
	}

	alerts := alerting.NewManager(cfgMgr, store, alertNotifier, bus.Publish, logger)
	engine := threshold.NewEngine(cfgMgr, store, logger)
	proc := processor.New(cfgMgr, store, sink, opAlert, logger)
	stationCache := stations.NewCache(cfgMgr, store, logger)
	wd := watchdog.New(cfgMgr, store, alerts, logger)

	// Warm recovery: reload open alerts and evaluation state so a restart
	// neither re-fires standing alerts nor loses debounce progress.
	if store != nil {
		recCtx, recCancel := context.WithTimeout(ctx, cfg.Storage.Timeout)
		if open, err := store.OpenAlerts(recCtx); err != nil {
			logger.Warn("open alert recovery failed", "err", err)
		} else {
			alerts.LoadOpen(open)
			logger.Info("open alerts recovered", "count", len(open))
		}
		recCancel()

		recCtx, recCancel = context.WithTimeout(ctx, cfg.Storage.Timeout)
		if states, err := store.MetricStates(recCtx); err != nil {
			logger.Warn("metric state recovery failed", "err", err)
		} else {
			engine.LoadStates(states)
			logger.Info("metric states recovered", "count", len(states))
		}
		recCancel()
	}

	pipe := pipeline.New(cfgMgr, stationCache, proc, engine, alerts, wd, bus, logger)
	seq := sequencer.New(cfgMgr, pipe.Handle, pipe.Critical, logger)

	proc.Start(ctx)
	seq.Start(ctx, samples)
	stationCache.Start(ctx)
	wd.Start(ctx)
	rollup.New(cfgMgr, store, logger).Start(ctx)

	// Sources come up last so a connect storm cannot outrun the pipeline.
	if _, err := ingest.StartMQTT(ctx, cfgMgr, intake, logger); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	ingest.StartREST(ctx, cfgMgr, intake, logger)

	apiServer := api.NewServer(cfgMgr, alerts, bus, seq, proc, engine, wd, engine, logger, version)
	api.Start(ctx, apiServer)

	stopWatch := make(chan struct{})
	go cfgMgr.Watch(3*time.Second, func(next *config.Config) {
		engine.UpdateConfig(next)
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("shutting down", "signal", sig.String())

	close(stopWatch)
	cancel()
	seq.Wait()
	proc.Wait()
	logger.Info("lightwatch stopped")
	return nil
}
