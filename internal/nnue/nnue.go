// Package nnue implements the float network trained by the trainer: a shared
// feature transformer over two perspective blocks, SCReLU activation and a
// bucketed linear output layer.
package nnue

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
)

// Network architecture constants
const (
	// DefaultHidden is the feature transformer width per perspective.
	DefaultHidden = 1024

	// ftInitFanIn is the fan-in used for the transformer init bound: at most
	// 32 rows are active per perspective.
	ftInitFanIn = features.MaxActive
)

// Topology fixes the shape of a network for a whole run.
type Topology struct {
	Inputs        int `json:"inputs"`
	Hidden        int `json:"hidden"`
	OutputBuckets int `json:"output_buckets"`
}

// DefaultTopology returns the topology used by the reference run.
func DefaultTopology() Topology {
	return Topology{
		Inputs:        features.NumFeatures,
		Hidden:        DefaultHidden,
		OutputBuckets: 1,
	}
}

// Validate reports a ConfigurationError for unusable shapes.
func (t Topology) Validate() error {
	if t.Inputs != features.NumFeatures {
		return fmt.Errorf("%w: inputs %d, encoder produces %d", errs.ErrConfiguration, t.Inputs, features.NumFeatures)
	}
	if t.Hidden <= 0 {
		return fmt.Errorf("%w: hidden size must be positive, got %d", errs.ErrConfiguration, t.Hidden)
	}
	if t.OutputBuckets <= 0 || t.OutputBuckets > features.MaxActive {
		return fmt.Errorf("%w: output buckets must be in [1,%d], got %d", errs.ErrConfiguration, features.MaxActive, t.OutputBuckets)
	}
	return nil
}

// Network holds float weights. The transformer is stored one row of Hidden
// weights per input feature so sparse accumulation reads contiguous memory.
type Network struct {
	Topology

	FTWeights  []float64 // Inputs x Hidden
	FTBias     []float64 // Hidden
	OutWeights []float64 // OutputBuckets x 2*Hidden, side to move half first
	OutBias    []float64 // OutputBuckets
}

// New allocates a zeroed network.
func New(t Topology) *Network {
	return &Network{
		Topology:   t,
		FTWeights:  make([]float64, t.Inputs*t.Hidden),
		FTBias:     make([]float64, t.Hidden),
		OutWeights: make([]float64, t.OutputBuckets*2*t.Hidden),
		OutBias:    make([]float64, t.OutputBuckets),
	}
}

// FTRow returns the transformer weights of one input feature.
func (n *Network) FTRow(feature int) []float64 {
	return n.FTWeights[feature*n.Hidden : (feature+1)*n.Hidden]
}

// OutRow returns the output weights of one output bucket.
func (n *Network) OutRow(bucket int) []float64 {
	return n.OutWeights[bucket*2*n.Hidden : (bucket+1)*2*n.Hidden]
}

// Params returns every parameter tensor in a fixed order. The optimizer and
// the checkpoint codec both rely on this order.
func (n *Network) Params() [][]float64 {
	return [][]float64{n.FTWeights, n.FTBias, n.OutWeights, n.OutBias}
}

// Clone returns a deep copy.
func (n *Network) Clone() *Network {
	c := New(n.Topology)
	for i, p := range n.Params() {
		copy(c.Params()[i], p)
	}
	return c
}

// Init fills the network with uniform random weights, deterministic in seed.
// Transformer weights and bias use the bound 1/sqrt(32), output weights
// 1/sqrt(2*hidden); output biases start at zero.
func (n *Network) Init(seed uint64) {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)

	ftBound := 1 / math.Sqrt(ftInitFanIn)
	ft := distuv.Uniform{Min: -ftBound, Max: ftBound, Src: src}
	fill(n.FTWeights, ft)
	fill(n.FTBias, ft)

	outBound := 1 / math.Sqrt(float64(2*n.Hidden))
	fill(n.OutWeights, distuv.Uniform{Min: -outBound, Max: outBound, Src: src})

	for i := range n.OutBias {
		n.OutBias[i] = 0
	}
}

func fill(dst []float64, d distuv.Uniform) {
	for i := range dst {
		dst[i] = d.Rand()
	}
}
