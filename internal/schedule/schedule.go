// Package schedule defines the training schedule: superbatch bounds, save
// points and the learning rate and WDL blend as functions of the superbatch.
package schedule

import (
	"fmt"
	"math"
	"strings"

	"github.com/hailam/nnuetrain/internal/errs"
)

// LRScheduler maps a 1-based superbatch to a learning rate.
type LRScheduler interface {
	LR(superbatch int) float64
	String() string
}

// WDLScheduler maps a superbatch to the weight of the game result in the
// training label.
type WDLScheduler interface {
	Blend(superbatch, endSuperbatch int) float64
	String() string
}

// StepLR multiplies the rate by Gamma every Step superbatches.
type StepLR struct {
	Start float64
	Gamma float64
	Step  int
}

func (s StepLR) LR(superbatch int) float64 {
	return s.Start * math.Pow(s.Gamma, float64((superbatch-1)/s.Step))
}

func (s StepLR) String() string {
	return fmt.Sprintf("step(start=%g, gamma=%g, step=%d)", s.Start, s.Gamma, s.Step)
}

// ConstantLR keeps the rate fixed.
type ConstantLR struct {
	Value float64
}

func (c ConstantLR) LR(int) float64 { return c.Value }

func (c ConstantLR) String() string { return fmt.Sprintf("constant(%g)", c.Value) }

// DropLR uses Start up to and including superbatch Drop, then Start*Gamma.
type DropLR struct {
	Start float64
	Gamma float64
	Drop  int
}

func (d DropLR) LR(superbatch int) float64 {
	if superbatch > d.Drop {
		return d.Start * d.Gamma
	}
	return d.Start
}

func (d DropLR) String() string {
	return fmt.Sprintf("drop(start=%g, gamma=%g, drop=%d)", d.Start, d.Gamma, d.Drop)
}

// LinearWDL moves linearly from Start at superbatch 1 to End at the final
// superbatch. The line is anchored at 1, not at the resume point, so a
// resumed run sees the same blend as an uninterrupted one.
type LinearWDL struct {
	Start float64
	End   float64
}

func (l LinearWDL) Blend(superbatch, endSuperbatch int) float64 {
	if endSuperbatch <= 1 {
		return l.Start
	}
	frac := float64(superbatch-1) / float64(endSuperbatch-1)
	return l.Start + (l.End-l.Start)*frac
}

func (l LinearWDL) String() string { return fmt.Sprintf("linear(%g -> %g)", l.Start, l.End) }

// ConstantWDL keeps the blend fixed.
type ConstantWDL struct {
	Value float64
}

func (c ConstantWDL) Blend(int, int) float64 { return c.Value }

func (c ConstantWDL) String() string { return fmt.Sprintf("constant(%g)", c.Value) }

// LRSpec is the serialisable form of an LR scheduler.
type LRSpec struct {
	Kind  string  `json:"kind"` // step, constant or drop
	Start float64 `json:"start"`
	Gamma float64 `json:"gamma,omitempty"`
	Step  int     `json:"step,omitempty"`
	Drop  int     `json:"drop,omitempty"`
}

// Build validates the spec and returns the scheduler.
func (s LRSpec) Build() (LRScheduler, error) {
	if !(s.Start > 0) || math.IsInf(s.Start, 0) {
		return nil, fmt.Errorf("%w: learning rate must be positive and finite, got %v", errs.ErrConfiguration, s.Start)
	}
	switch strings.ToLower(s.Kind) {
	case "step":
		if s.Step < 1 {
			return nil, fmt.Errorf("%w: step lr needs step >= 1, got %d", errs.ErrConfiguration, s.Step)
		}
		if !(s.Gamma > 0) || s.Gamma > 1 {
			return nil, fmt.Errorf("%w: step lr gamma must be in (0,1], got %v", errs.ErrConfiguration, s.Gamma)
		}
		return StepLR{Start: s.Start, Gamma: s.Gamma, Step: s.Step}, nil
	case "drop":
		if s.Drop < 1 {
			return nil, fmt.Errorf("%w: drop lr needs drop >= 1, got %d", errs.ErrConfiguration, s.Drop)
		}
		if !(s.Gamma > 0) || s.Gamma > 1 {
			return nil, fmt.Errorf("%w: drop lr gamma must be in (0,1], got %v", errs.ErrConfiguration, s.Gamma)
		}
		return DropLR{Start: s.Start, Gamma: s.Gamma, Drop: s.Drop}, nil
	case "constant":
		return ConstantLR{Value: s.Start}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lr scheduler %q", errs.ErrConfiguration, s.Kind)
	}
}

// WDLSpec is the serialisable form of a WDL scheduler.
type WDLSpec struct {
	Kind  string  `json:"kind"` // linear or constant
	Start float64 `json:"start"`
	End   float64 `json:"end,omitempty"`
}

// Build validates the spec and returns the scheduler.
func (s WDLSpec) Build() (WDLScheduler, error) {
	inRange := func(v float64) bool { return v >= 0 && v <= 1 }
	switch strings.ToLower(s.Kind) {
	case "linear":
		if !inRange(s.Start) || !inRange(s.End) {
			return nil, fmt.Errorf("%w: wdl blend must be in [0,1], got %v -> %v", errs.ErrConfiguration, s.Start, s.End)
		}
		return LinearWDL{Start: s.Start, End: s.End}, nil
	case "constant":
		if !inRange(s.Start) {
			return nil, fmt.Errorf("%w: wdl blend must be in [0,1], got %v", errs.ErrConfiguration, s.Start)
		}
		return ConstantWDL{Value: s.Start}, nil
	default:
		return nil, fmt.Errorf("%w: unknown wdl scheduler %q", errs.ErrConfiguration, s.Kind)
	}
}
