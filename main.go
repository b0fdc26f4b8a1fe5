// nnuetrain trains a king-bucketed NNUE evaluator and exports quantized
// networks at every save point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hailam/nnuetrain/internal/config"
	"github.com/hailam/nnuetrain/internal/dataset"
	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/storage"
	"github.com/hailam/nnuetrain/internal/trainer"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warn("ignoring .env", "err", err)
	}
	cfg, err := config.Parse("nnuetrain", os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		config.Usage("nnuetrain")
		return
	}
	if err != nil {
		logger.Error("invalid arguments", "err", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("training failed", "run", cfg.RunID, "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sched, err := cfg.Schedule()
	if err != nil {
		return err
	}
	scales, err := cfg.Scales()
	if err != nil {
		return err
	}

	dbDir, err := storage.DatabaseDir(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.Open(dbDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var tr *trainer.TrainingRun
	if cfg.Resume {
		cp, err := store.Latest(cfg.RunID)
		if err != nil {
			return fmt.Errorf("cannot resume run %s: %w", cfg.RunID, err)
		}
		if sched, err = sched.Resume(cp.State.Superbatch); err != nil {
			return err
		}
		if tr, err = trainer.RestoreRun(cp, cfg.Topology(), cfg.Optimizer, cfg.Threads); err != nil {
			return err
		}
		logger.Info("resuming run", "run", cfg.RunID, "superbatch", cp.State.Superbatch, "steps", cp.State.Steps)
	} else {
		if tr, err = trainer.NewRun(cfg.Topology(), cfg.Seed, cfg.Optimizer, cfg.Threads); err != nil {
			return err
		}
	}

	if err := cfg.SaveRun(); err != nil {
		return err
	}

	src, err := dataset.NewTextSource(cfg.Data, cfg.LoopData, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	var testSet []nnue.Sample
	if cfg.TestSet != "" {
		if testSet, err = trainer.LoadTestSet(ctx, cfg.TestSet, cfg.TestPositions, cfg.OutputBuckets, logger); err != nil {
			return err
		}
		logger.Info("test set loaded", "path", cfg.TestSet, "positions", len(testSet))
	}

	c, err := trainer.NewController(tr, trainer.Options{
		RunID:     cfg.RunID,
		Schedule:  sched,
		Source:    src,
		Store:     store,
		Scales:    scales,
		Threads:   cfg.Threads,
		OutputDir: cfg.OutputDir,
		TestSet:   testSet,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := c.Run(ctx); err != nil {
		return err
	}

	results := trainer.Sanity(tr.Network, c.Quantized(), cfg.EvalScale, trainer.SanityFENs)
	return trainer.WriteSanityTable(os.Stdout, results)
}
