package schedule

import (
	"fmt"
	"math"

	"github.com/hailam/nnuetrain/internal/errs"
)

// TrainingSchedule is the immutable description of a run.
type TrainingSchedule struct {
	NetID                string
	BatchSize            int
	BatchesPerSuperbatch int
	StartSuperbatch      int
	EndSuperbatch        int
	SaveRate             int
	EvalScale            float64
	Loss                 string
	LR                   LRScheduler
	WDL                  WDLScheduler
}

// Validate returns a ConfigurationError if the schedule cannot be run.
func (s *TrainingSchedule) Validate() error {
	switch {
	case s.NetID == "":
		return fmt.Errorf("%w: net id is empty", errs.ErrConfiguration)
	case s.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be positive, got %d", errs.ErrConfiguration, s.BatchSize)
	case s.BatchesPerSuperbatch < 1:
		return fmt.Errorf("%w: batches per superbatch must be positive, got %d", errs.ErrConfiguration, s.BatchesPerSuperbatch)
	case s.StartSuperbatch < 1:
		return fmt.Errorf("%w: start superbatch must be at least 1, got %d", errs.ErrConfiguration, s.StartSuperbatch)
	case s.StartSuperbatch > s.EndSuperbatch:
		return fmt.Errorf("%w: start superbatch %d is after end superbatch %d", errs.ErrConfiguration, s.StartSuperbatch, s.EndSuperbatch)
	case s.SaveRate < 1:
		return fmt.Errorf("%w: save rate must be positive, got %d", errs.ErrConfiguration, s.SaveRate)
	case !(s.EvalScale > 0) || math.IsInf(s.EvalScale, 0):
		return fmt.Errorf("%w: eval scale must be positive and finite, got %v", errs.ErrConfiguration, s.EvalScale)
	case s.LR == nil || s.WDL == nil:
		return fmt.Errorf("%w: lr and wdl schedulers are required", errs.ErrConfiguration)
	}
	return nil
}

// ShouldSave reports whether superbatch k ends with a checkpoint.
func (s *TrainingSchedule) ShouldSave(k int) bool {
	return k%s.SaveRate == 0 || k == s.EndSuperbatch
}

// PositionsPerSuperbatch is the number of samples one superbatch consumes.
func (s *TrainingSchedule) PositionsPerSuperbatch() int {
	return s.BatchSize * s.BatchesPerSuperbatch
}

// State is the controller's position in the schedule.
type State struct {
	Superbatch   int     `json:"superbatch"`
	LearningRate float64 `json:"learning_rate"`
	WDLBlend     float64 `json:"wdl_blend"`
	Steps        int64   `json:"steps"`
}

// At returns the state for superbatch k after steps optimizer steps.
func (s *TrainingSchedule) At(k int, steps int64) State {
	return State{
		Superbatch:   k,
		LearningRate: s.LR.LR(k),
		WDLBlend:     s.WDL.Blend(k, s.EndSuperbatch),
		Steps:        steps,
	}
}

// Resume returns a copy of s starting after a checkpoint taken at the end of
// superbatch done. Resuming past the end is a ConfigurationError.
func (s *TrainingSchedule) Resume(done int) (*TrainingSchedule, error) {
	r := *s
	r.StartSuperbatch = done + 1
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("cannot resume after superbatch %d: %w", done, err)
	}
	return &r, nil
}
