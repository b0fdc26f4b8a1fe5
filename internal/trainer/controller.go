package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hailam/nnuetrain/internal/dataset"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/quantized"
	"github.com/hailam/nnuetrain/internal/schedule"
	"github.com/hailam/nnuetrain/internal/storage"
)

// Phase is the controller's lifecycle stage.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseSaving
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseSaving:
		return "saving"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Options configure a Controller.
type Options struct {
	RunID    string
	Schedule *schedule.TrainingSchedule
	Source   dataset.Source
	Store    storage.Store
	Scales   quantized.Scales
	Threads  int

	// OutputDir receives "<net id>-<superbatch>/" exports. Empty disables
	// file export; checkpoints still go to the store.
	OutputDir string

	// TestSet, when non-empty, is scored at every save point.
	TestSet []nnue.Sample

	Logger *slog.Logger
}

// SaveResult describes one save point.
type SaveResult struct {
	Key            storage.Key
	ExportDir      string
	ValidationLoss float64

	// MaxGap is the largest float/quantized disagreement over SanityFENs.
	MaxGap float64
}

// Controller advances a TrainingRun through its schedule. It is the only
// writer of the run's state.
type Controller struct {
	opts   Options
	run    *TrainingRun
	loss   nnue.Loss
	pool   *pool
	logger *slog.Logger

	phase     atomic.Int32
	quantized atomic.Pointer[quantized.Network]
	saves     []SaveResult
	lastLoss  float64
}

// NewController checks the options against the run. Every problem is a
// ConfigurationError reported before any work starts.
func NewController(run *TrainingRun, opts Options) (*Controller, error) {
	if opts.Schedule == nil || opts.Source == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: schedule, source and store are required", errs.ErrConfiguration)
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("%w: run id is empty", errs.ErrConfiguration)
	}
	s := opts.Schedule
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if done := run.State.Superbatch; done > 0 && s.StartSuperbatch != done+1 {
		return nil, fmt.Errorf("%w: run stopped after superbatch %d but schedule starts at %d",
			errs.ErrConfiguration, done, s.StartSuperbatch)
	}
	loss, err := nnue.ParseLoss(s.Loss)
	if err != nil {
		return nil, err
	}
	bound := max(run.Optimizer.MaxWeight, -run.Optimizer.MinWeight)
	if err := quantized.ValidateScales(opts.Scales, bound); err != nil {
		return nil, err
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		opts:   opts,
		run:    run,
		loss:   loss,
		pool:   newPool(run.Network.Topology, opts.Threads),
		logger: logger,
	}, nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Quantized returns the network exported at the last save point, or nil.
func (c *Controller) Quantized() *quantized.Network {
	return c.quantized.Load()
}

// Saves returns the save points reached so far.
func (c *Controller) Saves() []SaveResult {
	return c.saves
}

// Run trains from the schedule's start superbatch through its end. Any error
// aborts the run; checkpoints already saved stay valid.
func (c *Controller) Run(ctx context.Context) error {
	if !c.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return errors.New("controller already started")
	}
	defer c.phase.Store(int32(PhaseDone))

	s := c.opts.Schedule
	c.logger.Info("training started",
		"run", c.opts.RunID,
		"net", s.NetID,
		"start", s.StartSuperbatch,
		"end", s.EndSuperbatch,
		"batch_size", s.BatchSize,
		"batches_per_superbatch", s.BatchesPerSuperbatch,
		"lr", s.LR,
		"wdl", s.WDL,
		"loss", c.loss,
		"threads", c.opts.Threads)

	loader := &dataset.Loader{
		Source:        c.opts.Source,
		BatchSize:     s.BatchSize,
		Threads:       c.opts.Threads,
		OutputBuckets: c.run.Network.OutputBuckets,
		Logger:        c.logger,
	}
	stream := loader.Start(ctx)
	defer stream.Close()

	for k := s.StartSuperbatch; k <= s.EndSuperbatch; k++ {
		if err := c.superbatch(ctx, stream, k); err != nil {
			c.logger.Error("training aborted", "superbatch", k, "err", err)
			return err
		}
		if !s.ShouldSave(k) {
			continue
		}
		c.phase.Store(int32(PhaseSaving))
		if err := c.save(k); err != nil {
			c.logger.Error("training aborted", "superbatch", k, "err", err)
			return err
		}
		c.phase.Store(int32(PhaseRunning))
	}

	c.logger.Info("training finished", "run", c.opts.RunID, "steps", c.run.State.Steps, "loss", c.lastLoss)
	return nil
}

func (c *Controller) superbatch(ctx context.Context, stream *dataset.Stream, k int) error {
	s := c.opts.Schedule
	c.run.State = s.At(k, c.run.State.Steps)
	state := c.run.State

	start := time.Now()
	var total float64
	for b := 1; b <= s.BatchesPerSuperbatch; b++ {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: data source exhausted at superbatch %d batch %d", errs.ErrData, k, b)
		}
		if err != nil {
			return err
		}
		if len(batch.Samples) != s.BatchSize {
			return fmt.Errorf("%w: batch %d has %d samples, expected %d", errs.ErrData, batch.Seq, len(batch.Samples), s.BatchSize)
		}

		loss, err := c.step(batch.Samples, state)
		if err != nil {
			return fmt.Errorf("superbatch %d batch %d: %w", k, b, err)
		}
		total += loss
	}

	elapsed := time.Since(start)
	c.lastLoss = total / float64(s.BatchesPerSuperbatch)
	c.logger.Info("superbatch complete",
		"superbatch", k,
		"loss", c.lastLoss,
		"lr", state.LearningRate,
		"wdl", state.WDLBlend,
		"steps", c.run.State.Steps,
		"pos_per_sec", int64(float64(s.PositionsPerSuperbatch())/max(elapsed.Seconds(), 1e-9)))
	return nil
}

// step runs exactly one optimizer update on the batch mean gradient.
func (c *Controller) step(samples []nnue.Sample, state schedule.State) (float64, error) {
	loss, g := c.pool.gradient(c.run.Network, samples, c.loss, state.WDLBlend, c.opts.Schedule.EvalScale)
	if math.IsNaN(loss) || math.IsInf(loss, 0) || !g.Finite() {
		return 0, fmt.Errorf("%w: loss %v after %d steps", errs.ErrNumericInstability, loss, c.run.State.Steps)
	}
	c.run.Optimizer.Step(c.run.Network.Params(), g.Params(), state.LearningRate)
	c.run.State.Steps++
	return loss, nil
}

// save checkpoints the run, then quantizes and exports the network.
func (c *Controller) save(k int) error {
	s := c.opts.Schedule
	cp := c.run.Checkpoint(c.opts.RunID, s.NetID)
	cp.CreatedAt = time.Now().UTC()
	if err := c.opts.Store.Save(cp.Key(), cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Key(), err)
	}

	q, err := quantized.Quantize(c.run.Network, c.opts.Scales, s.EvalScale)
	if err != nil {
		return fmt.Errorf("failed to quantize superbatch %d: %w", k, err)
	}
	c.quantized.Store(q)

	res := SaveResult{Key: cp.Key()}
	attrs := []any{"superbatch", k, "checkpoint", res.Key.String()}
	if worst := worstGap(Sanity(c.run.Network, q, s.EvalScale, SanityFENs)); worst != nil {
		res.MaxGap = worst.Gap()
		attrs = append(attrs, "max_gap", res.MaxGap)
		if worst.Gap() > worst.Bound {
			c.logger.Warn("quantized network disagrees beyond rounding",
				"superbatch", k, "fen", worst.FEN, "gap", worst.Gap(), "bound", worst.Bound)
		}
	}
	if c.opts.OutputDir != "" {
		dir, err := storage.ExportDir(c.opts.OutputDir, s.NetID, k)
		if err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
		if err := q.SaveFile(filepath.Join(dir, storage.QuantisedFile)); err != nil {
			return err
		}
		if err := c.run.Network.SaveWeights(filepath.Join(dir, storage.WeightsFile)); err != nil {
			return err
		}
		res.ExportDir = dir
		attrs = append(attrs, "export", dir)
	}
	if len(c.opts.TestSet) > 0 {
		res.ValidationLoss = ValidationLoss(c.run.Network, c.opts.TestSet, c.loss,
			c.run.State.WDLBlend, s.EvalScale, c.opts.Threads)
		attrs = append(attrs, "validation_loss", res.ValidationLoss)
	}
	c.saves = append(c.saves, res)
	c.logger.Info("checkpoint saved", attrs...)
	return nil
}
