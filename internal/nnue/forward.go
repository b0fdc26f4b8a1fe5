package nnue

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hailam/nnuetrain/internal/board"
	"github.com/hailam/nnuetrain/internal/features"
)

// SCReLU is the clipped squared ReLU: clamp(x, 0, 1)^2.
func SCReLU(x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	return x * x
}

func screluDeriv(x float64) float64 {
	if x <= 0 || x >= 1 {
		return 0
	}
	return 2 * x
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Sample is one prepared training position. WDL and Eval are from the side
// to move's point of view.
type Sample struct {
	Features features.FeatureSet
	Bucket   int
	WDL      float64 // 1 win, 0.5 draw, 0 loss
	Eval     float64 // centipawns
}

// Target blends the game result with the search score:
// blend*wdl + (1-blend)*sigmoid(eval/evalScale).
func (s *Sample) Target(blend, evalScale float64) float64 {
	return blend*s.WDL + (1-blend)*Sigmoid(s.Eval/evalScale)
}

// Scratch holds per-goroutine activations so Forward and Backward do not
// allocate.
type Scratch struct {
	acc [2][]float64 // pre-activation, side to move first
	act [2][]float64
}

// NewScratch allocates buffers for a hidden width.
func NewScratch(hidden int) *Scratch {
	s := &Scratch{}
	for i := range 2 {
		s.acc[i] = make([]float64, hidden)
		s.act[i] = make([]float64, hidden)
	}
	return s
}

// Accumulate writes bias + the sum of active transformer rows into dst.
func (n *Network) Accumulate(dst []float64, active []int) {
	copy(dst, n.FTBias)
	for _, idx := range active {
		floats.Add(dst, n.FTRow(idx))
	}
}

// Forward returns the raw network output for a feature set. The score in
// centipawns is the output times the eval scale.
func (n *Network) Forward(fs *features.FeatureSet, bucket int, s *Scratch) float64 {
	stm, nstm := fs.Ordered()
	n.Accumulate(s.acc[0], stm)
	n.Accumulate(s.acc[1], nstm)

	for p := range 2 {
		for i, x := range s.acc[p] {
			s.act[p][i] = SCReLU(x)
		}
	}

	w := n.OutRow(bucket)
	return floats.Dot(s.act[0], w[:n.Hidden]) + floats.Dot(s.act[1], w[n.Hidden:]) + n.OutBias[bucket]
}

// Backward adds the gradient of the last Forward on s, scaled by dOut (the
// loss derivative with respect to the output), into g.
func (n *Network) Backward(fs *features.FeatureSet, bucket int, s *Scratch, dOut float64, g *Gradients) {
	stm, nstm := fs.Ordered()
	h := n.Hidden
	w := n.OutRow(bucket)
	gw := g.OutRow(bucket)

	floats.AddScaled(gw[:h], dOut, s.act[0])
	floats.AddScaled(gw[h:], dOut, s.act[1])
	g.OutBias[bucket] += dOut

	// s.acc is reused as the transformer gradient; the forward values are no
	// longer needed once the derivative is taken.
	for p := range 2 {
		wp := w[p*h : (p+1)*h]
		for i, x := range s.acc[p] {
			s.acc[p][i] = dOut * wp[i] * screluDeriv(x)
		}
		floats.Add(g.FTBias, s.acc[p])
	}

	for _, idx := range stm {
		g.addRow(idx, s.acc[0])
	}
	for _, idx := range nstm {
		g.addRow(idx, s.acc[1])
	}
}

// Evaluate returns the score of a feature set in centipawns from the side to
// move's point of view.
func (n *Network) Evaluate(fs *features.FeatureSet, bucket int, evalScale float64) float64 {
	return n.Forward(fs, bucket, NewScratch(n.Hidden)) * evalScale
}

// EvaluatePosition encodes a validated position and evaluates it.
func (n *Network) EvaluatePosition(pos *board.Position, evalScale float64) float64 {
	fs := features.Encode(pos)
	return n.Evaluate(&fs, features.OutputBucket(pos, n.OutputBuckets), evalScale)
}

// Gradients is a network-shaped gradient buffer that remembers which
// transformer rows were written, so resetting and merging touch only those.
type Gradients struct {
	*Network

	touched []bool
	rows    []int
}

// NewGradients allocates a zeroed gradient buffer.
func NewGradients(t Topology) *Gradients {
	return &Gradients{
		Network: New(t),
		touched: make([]bool, t.Inputs),
	}
}

func (g *Gradients) addRow(feature int, d []float64) {
	if !g.touched[feature] {
		g.touched[feature] = true
		g.rows = append(g.rows, feature)
	}
	floats.Add(g.FTRow(feature), d)
}

// Rows returns the transformer rows written since the last Reset.
func (g *Gradients) Rows() []int {
	return g.rows
}

// Reset zeroes the buffer.
func (g *Gradients) Reset() {
	for _, r := range g.rows {
		clear(g.FTRow(r))
		g.touched[r] = false
	}
	g.rows = g.rows[:0]
	clear(g.FTBias)
	clear(g.OutWeights)
	clear(g.OutBias)
}

// Merge adds o into g.
func (g *Gradients) Merge(o *Gradients) {
	for _, r := range o.rows {
		g.addRow(r, o.FTRow(r))
	}
	floats.Add(g.FTBias, o.FTBias)
	floats.Add(g.OutWeights, o.OutWeights)
	floats.Add(g.OutBias, o.OutBias)
}

// Scale multiplies every gradient by c.
func (g *Gradients) Scale(c float64) {
	for _, r := range g.rows {
		floats.Scale(c, g.FTRow(r))
	}
	floats.Scale(c, g.FTBias)
	floats.Scale(c, g.OutWeights)
	floats.Scale(c, g.OutBias)
}

// Finite reports whether every written gradient is a finite number.
func (g *Gradients) Finite() bool {
	check := func(s []float64) bool {
		for _, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		return true
	}
	for _, r := range g.rows {
		if !check(g.FTRow(r)) {
			return false
		}
	}
	return check(g.FTBias) && check(g.OutWeights) && check(g.OutBias)
}

// BatchGradient runs forward and backward over samples, adding the summed
// gradient into g and returning the summed loss. Averaging is left to the
// caller, which may merge several partial batches first.
func (n *Network) BatchGradient(samples []Sample, loss Loss, blend, evalScale float64, s *Scratch, g *Gradients) float64 {
	var total float64
	for i := range samples {
		smp := &samples[i]
		out := n.Forward(&smp.Features, smp.Bucket, s)
		l, dOut := loss.Eval(out, smp.Target(blend, evalScale))
		total += l
		n.Backward(&smp.Features, smp.Bucket, s, dOut, g)
	}
	return total
}
