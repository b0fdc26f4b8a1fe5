package nnue

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Loss scores a raw network output against a target in [0, 1].
type Loss interface {
	// Eval returns the loss and its derivative with respect to out.
	Eval(out, target float64) (loss, dOut float64)
	String() string
}

// SigmoidMSE is (sigmoid(out) - target)^2.
type SigmoidMSE struct{}

func (SigmoidMSE) Eval(out, target float64) (float64, float64) {
	p := Sigmoid(out)
	diff := p - target
	return diff * diff, 2 * diff * p * (1 - p)
}

func (SigmoidMSE) String() string { return "sigmoid_mse" }

// SigmoidMPE is |sigmoid(out) - target|^Power.
type SigmoidMPE struct {
	Power float64
}

func (l SigmoidMPE) Eval(out, target float64) (float64, float64) {
	p := Sigmoid(out)
	diff := p - target
	abs := math.Abs(diff)
	if abs == 0 {
		return 0, 0
	}
	loss := math.Pow(abs, l.Power)
	grad := l.Power * math.Pow(abs, l.Power-1) * math.Copysign(1, diff) * p * (1 - p)
	return loss, grad
}

func (l SigmoidMPE) String() string {
	return "sigmoid_mpe:" + strconv.FormatFloat(l.Power, 'g', -1, 64)
}

// ParseLoss resolves a loss id: "sigmoid_mse" or "sigmoid_mpe:<power>".
func ParseLoss(id string) (Loss, error) {
	name, arg, hasArg := strings.Cut(id, ":")
	switch name {
	case "sigmoid_mse":
		if hasArg {
			return nil, fmt.Errorf("%w: loss %q takes no argument", errs.ErrConfiguration, id)
		}
		return SigmoidMSE{}, nil
	case "sigmoid_mpe":
		power := 2.0
		if hasArg {
			p, err := strconv.ParseFloat(arg, 64)
			if err != nil || p < 1 || math.IsInf(p, 0) {
				return nil, fmt.Errorf("%w: invalid power in loss %q", errs.ErrConfiguration, id)
			}
			power = p
		}
		return SigmoidMPE{Power: power}, nil
	default:
		return nil, fmt.Errorf("%w: unknown loss %q", errs.ErrConfiguration, id)
	}
}
