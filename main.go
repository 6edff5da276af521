// Package main is the entry point for the sitewatch detection service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitewatch/api"
	"sitewatch/calendar"
	"sitewatch/config"
	"sitewatch/detect"
	"sitewatch/notify"
	"sitewatch/service"
	"sitewatch/storage"
	"sitewatch/util"
	"go.uber.org/zap"
)

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	db, err := storage.NewSQLite(cfg.Storage.SQLitePath, logger,
		storage.WithBusyRetry(cfg.Storage.BusyRetries, cfg.Storage.BusyBackoff))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ruleStore := storage.NewSQLiteRuleStorage(db, logger)
	condStore := storage.NewSQLiteConditionStorage(db, logger)
	eventStore := storage.NewSQLiteEventStorage(db, logger)
	hitStore := storage.NewSQLiteHitStorage(db, logger)
	jobStore := storage.NewSQLiteReplayJobStorage(db, logger)

	cal := calendar.NewFrenchCalendar()
	if cfg.Calendar.ExtraHolidaysFile != "" {
		if err := cal.LoadExtraHolidays(cfg.Calendar.ExtraHolidaysFile); err != nil {
			return fmt.Errorf("failed to load extra holidays: %w", err)
		}
	}

	scope := detect.NewTimeScopeFilter(cfg.Location(), cal, detect.ClockWindows{
		BusinessStart: cfg.Clock.BusinessStart,
		BusinessEnd:   cfg.Clock.BusinessEnd,
		NightStart:    cfg.Clock.NightStart,
		NightEnd:      cfg.Clock.NightEnd,
	}, logger)

	notifier := notify.NewEmailNotifier(cfg.Notify, logger)

	engine := detect.NewRuleEngine(
		detect.NewMatcher(cfg.Engine.RegexTimeout),
		scope,
		detect.NewFrequencyAggregator(cfg.Engine.MaxTimestampsPerKey, logger),
		detect.NewSequenceDetector(logger),
		condStore,
		util.NewKeyedMutex(cfg.Engine.StateShards),
		hitStore,
		notifier,
		logger,
	)

	ruleSvc, err := service.NewRuleService(ruleStore, cfg.Engine.RuleCacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to create rule service: %w", err)
	}
	condSvc := service.NewConditionService(condStore, ruleStore, logger)

	dryRun := detect.NewDryRunSimulator(engine, eventStore, cfg.Engine.DryRunResultLimit, logger)
	replay := detect.NewReplayCoordinator(engine, eventStore, ruleSvc, hitStore, jobStore,
		cfg.Engine.ReplayBatchSize, logger)

	server := api.NewAPI(ruleSvc, condSvc, eventStore, hitStore, engine, dryRun, replay, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("Shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	}

	replay.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
