// Package optim implements the AdamW optimizer with decoupled weight decay and
// a hard clamp of every weight into [MinWeight, MaxWeight].
package optim

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Params are the run-wide AdamW hyperparameters.
type Params struct {
	Decay     float64 `json:"decay"`
	Beta1     float64 `json:"beta1"`
	Beta2     float64 `json:"beta2"`
	Epsilon   float64 `json:"epsilon"`
	MinWeight float64 `json:"min_weight"`
	MaxWeight float64 `json:"max_weight"`
}

// DefaultParams returns the hyperparameters of the reference run.
func DefaultParams() Params {
	return Params{
		Decay:     0.01,
		Beta1:     0.9,
		Beta2:     0.999,
		Epsilon:   1e-8,
		MinWeight: -1.98,
		MaxWeight: 1.98,
	}
}

// Validate returns a ConfigurationError for unusable hyperparameters.
func (p Params) Validate() error {
	for name, v := range map[string]float64{
		"decay": p.Decay, "beta1": p.Beta1, "beta2": p.Beta2,
		"epsilon": p.Epsilon, "min_weight": p.MinWeight, "max_weight": p.MaxWeight,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: adamw %s is not finite", errs.ErrConfiguration, name)
		}
	}
	switch {
	case p.Decay < 0:
		return fmt.Errorf("%w: adamw decay must be non-negative, got %v", errs.ErrConfiguration, p.Decay)
	case p.Beta1 < 0 || p.Beta1 >= 1:
		return fmt.Errorf("%w: adamw beta1 must be in [0,1), got %v", errs.ErrConfiguration, p.Beta1)
	case p.Beta2 < 0 || p.Beta2 >= 1:
		return fmt.Errorf("%w: adamw beta2 must be in [0,1), got %v", errs.ErrConfiguration, p.Beta2)
	case p.Epsilon <= 0:
		return fmt.Errorf("%w: adamw epsilon must be positive, got %v", errs.ErrConfiguration, p.Epsilon)
	case p.MinWeight >= p.MaxWeight:
		return fmt.Errorf("%w: adamw min_weight %v must be below max_weight %v", errs.ErrConfiguration, p.MinWeight, p.MaxWeight)
	}
	return nil
}

// chunk is the number of parameters updated by one worker task.
const chunk = 1 << 16

// AdamW keeps first and second moments for every parameter. Moments are laid
// out like the parameter tensors they belong to.
type AdamW struct {
	Params
	M [][]float64
	V [][]float64

	threads int
}

// NewAdamW creates an optimizer with zero moments shaped like params.
func NewAdamW(p Params, params [][]float64, threads int) (*AdamW, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if threads < 1 {
		threads = 1
	}
	o := &AdamW{Params: p, threads: threads}
	for _, t := range params {
		o.M = append(o.M, make([]float64, len(t)))
		o.V = append(o.V, make([]float64, len(t)))
	}
	return o, nil
}

// Restore replaces the moments, e.g. from a checkpoint. Shapes must match.
func (o *AdamW) Restore(m, v [][]float64) error {
	if len(m) != len(o.M) || len(v) != len(o.V) {
		return fmt.Errorf("%w: moment tensor count mismatch", errs.ErrConfiguration)
	}
	for i := range o.M {
		if len(m[i]) != len(o.M[i]) || len(v[i]) != len(o.V[i]) {
			return fmt.Errorf("%w: moment tensor %d shape mismatch", errs.ErrConfiguration, i)
		}
		copy(o.M[i], m[i])
		copy(o.V[i], v[i])
	}
	return nil
}

// Step applies one update with learning rate lr. params and grads must have
// the shapes the optimizer was created with.
func (o *AdamW) Step(params, grads [][]float64, lr float64) {
	var g errgroup.Group
	g.SetLimit(o.threads)
	for t := range params {
		for lo := 0; lo < len(params[t]); lo += chunk {
			hi := min(lo+chunk, len(params[t]))
			g.Go(func() error {
				o.update(params[t][lo:hi], grads[t][lo:hi], o.M[t][lo:hi], o.V[t][lo:hi], lr)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (o *AdamW) update(w, grad, m, v []float64, lr float64) {
	decay := 1 - lr*o.Decay
	for i := range w {
		w[i] *= decay
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*grad[i]
		v[i] = o.Beta2*v[i] + (1-o.Beta2)*grad[i]*grad[i]
		w[i] -= lr * m[i] / (math.Sqrt(v[i]) + o.Epsilon)
		w[i] = min(max(w[i], o.MinWeight), o.MaxWeight)
	}
}
