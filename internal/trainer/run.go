// Package trainer drives a training run: it pulls prepared batches, computes
// averaged gradients on a worker pool, steps the optimizer and follows the
// schedule through superbatches, checkpoints and exports.
package trainer

import (
	"fmt"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/schedule"
	"github.com/hailam/nnuetrain/internal/storage"
)

// TrainingRun owns everything a run mutates: the weights, the optimizer
// moments and the schedule state.
type TrainingRun struct {
	Network   *nnue.Network
	Optimizer *optim.AdamW
	State     schedule.State
}

// NewRun creates a run with freshly initialised weights.
func NewRun(t nnue.Topology, seed uint64, params optim.Params, threads int) (*TrainingRun, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	net := nnue.New(t)
	net.Init(seed)
	opt, err := optim.NewAdamW(params, net.Params(), threads)
	if err != nil {
		return nil, err
	}
	return &TrainingRun{Network: net, Optimizer: opt}, nil
}

// RestoreRun rebuilds a run from a checkpoint. The checkpoint must have the
// expected topology. A checkpoint without moments restarts them at zero.
func RestoreRun(cp *storage.Checkpoint, t nnue.Topology, params optim.Params, threads int) (*TrainingRun, error) {
	if cp.Network.Topology != t {
		return nil, fmt.Errorf("%w: checkpoint topology %+v, configured %+v", errs.ErrConfiguration, cp.Network.Topology, t)
	}
	opt, err := optim.NewAdamW(params, cp.Network.Params(), threads)
	if err != nil {
		return nil, err
	}
	if cp.M != nil {
		if err := opt.Restore(cp.M, cp.V); err != nil {
			return nil, err
		}
	}
	return &TrainingRun{Network: cp.Network, Optimizer: opt, State: cp.State}, nil
}

// Checkpoint captures the run. The network and moments are shared, not
// copied; stores serialise them during Save.
func (r *TrainingRun) Checkpoint(runID, netID string) *storage.Checkpoint {
	return &storage.Checkpoint{
		RunID:   runID,
		NetID:   netID,
		State:   r.State,
		Network: r.Network,
		M:       r.Optimizer.M,
		V:       r.Optimizer.V,
	}
}
