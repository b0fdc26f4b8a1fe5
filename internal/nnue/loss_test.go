package nnue

import (
	"errors"
	"math"
	"testing"

	"github.com/hailam/nnuetrain/internal/errs"
)

func TestParseLoss(t *testing.T) {
	tests := []struct {
		id   string
		want string
		ok   bool
	}{
		{"sigmoid_mse", "sigmoid_mse", true},
		{"sigmoid_mpe:2.5", "sigmoid_mpe:2.5", true},
		{"sigmoid_mpe", "sigmoid_mpe:2", true},
		{"sigmoid_mse:3", "", false},
		{"sigmoid_mpe:x", "", false},
		{"sigmoid_mpe:0.5", "", false},
		{"cross_entropy", "", false},
	}

	for _, tt := range tests {
		l, err := ParseLoss(tt.id)
		if !tt.ok {
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("ParseLoss(%q): expected configuration error, got %v", tt.id, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLoss(%q): %v", tt.id, err)
			continue
		}
		if l.String() != tt.want {
			t.Errorf("ParseLoss(%q) = %s, want %s", tt.id, l, tt.want)
		}
	}
}

func TestLossDerivatives(t *testing.T) {
	losses := []Loss{SigmoidMSE{}, SigmoidMPE{Power: 2.5}}
	const eps = 1e-6

	for _, l := range losses {
		for _, out := range []float64{-1.3, -0.2, 0.4, 2.1} {
			target := 0.35
			_, d := l.Eval(out, target)
			up, _ := l.Eval(out+eps, target)
			down, _ := l.Eval(out-eps, target)
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-d) > 1e-7 {
				t.Errorf("%s at %v: derivative %v, numeric %v", l, out, d, numeric)
			}
		}
	}
}

func TestSigmoidMSEValue(t *testing.T) {
	loss, _ := SigmoidMSE{}.Eval(0, 1)
	if math.Abs(loss-0.25) > 1e-15 {
		t.Errorf("loss = %v, want 0.25", loss)
	}
}
