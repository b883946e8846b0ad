package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dvloznov/finance-intel/internal/backend"
	"github.com/dvloznov/finance-intel/internal/config"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/jobs/inmemory"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/pipeline"
)

var cli struct {
	Config   string        `help:"Config file merged over the built-in defaults." type:"path"`
	State    string        `help:"JSON snapshot backing the memory backend." type:"path"`
	Period   string        `help:"Budget month to recompute as YYYY-MM; defaults to the current month."`
	Interval time.Duration `help:"Time between refresh passes." default:"1h"`
	Once     bool          `help:"Run a single refresh pass and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("fintel-worker"),
		kong.Description("Refreshes recurring charges, transfers and budgets for every user."),
	)

	cfg := config.MustLoad(cli.Config)
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: logger.Format(cfg.Log.Format)})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	st, err := backend.OpenStore(ctx, cfg, cli.State)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	sink, err := backend.OpenSink(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open sink")
	}
	engine := backend.NewEngine(cfg, st, sink)

	// In production this would be replaced with Cloud Tasks or Pub/Sub.
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.QueueOptions{
		Workers:        cfg.Jobs.Workers,
		BufferSize:     cfg.Jobs.BufferSize,
		MaxRetries:     cfg.Jobs.MaxRetries,
		InitialBackoff: cfg.Jobs.InitialBackoff,
		MaxBackoff:     cfg.Jobs.MaxBackoff,
	}, jobStore)

	if err := queue.Start(ctx, pipeline.JobHandler(engine)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}
	log.Info().Str("backend", cfg.Storage.Backend).Int("workers", cfg.Jobs.Workers).Msg("Worker service started")

	w := &worker{store: st, queue: queue, jobs: jobStore, concurrency: cfg.Jobs.Workers}

loop:
	for {
		period, err := passPeriod(cli.Period, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid --period")
		}

		passCtx, cancel := context.WithTimeout(ctx, cfg.Engine.Timeout)
		res, err := w.runPass(passCtx, period)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Refresh pass failed")
		} else {
			log.Info().
				Int("users", res.Users).
				Int("jobs", res.Jobs).
				Int("failed", res.Failed).
				Str("period", period.String()).
				Msg("Refresh pass completed")
		}

		if cli.Once {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-time.After(cli.Interval):
		}
	}

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
}

// passPeriod is the budget month of a pass: flag or the month of now.
func passPeriod(flag string, now time.Time) (datecalc.Period, error) {
	if flag != "" {
		return datecalc.ParsePeriod(flag)
	}
	return datecalc.PeriodOf(datecalc.Today(now)), nil
}
