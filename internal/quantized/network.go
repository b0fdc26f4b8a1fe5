package quantized

import (
	"fmt"
	"math"
	"sync"

	"github.com/hailam/nnuetrain/internal/board"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/nnue"
)

// Scales are the fixed-point factors: QA for the feature transformer and
// the activation ceiling, QB for the output weights. The output bias uses
// QA*QB.
type Scales struct {
	QA int64 `json:"qa"`
	QB int64 `json:"qb"`
}

// DefaultScales returns the reference quantisation [255, 64].
func DefaultScales() Scales {
	return Scales{QA: 255, QB: 64}
}

// ScalesFromList reads the [QA, QB] list form used in configuration.
func ScalesFromList(list []int) (Scales, error) {
	if len(list) != 2 {
		return Scales{}, fmt.Errorf("%w: quantisations needs 2 factors, got %d", errs.ErrConfiguration, len(list))
	}
	return Scales{QA: int64(list[0]), QB: int64(list[1])}, nil
}

// ValidateScales checks that weights clamped to [-maxWeight, maxWeight] fit
// every stage at these scales, including the int16 accumulator: a bias plus
// 32 active rows at full magnitude must stay within int16. Training clamps
// weights, so a passing check means Quantize cannot overflow.
func ValidateScales(s Scales, maxWeight float64) error {
	const i16 = math.MaxInt16
	switch {
	case s.QA < 1 || s.QB < 1:
		return fmt.Errorf("%w: quantisation factors must be positive, got %d/%d", errs.ErrConfiguration, s.QA, s.QB)
	case s.QA > i16:
		return fmt.Errorf("%w: QA %d exceeds the int16 activation range", errs.ErrConfiguration, s.QA)
	case !(maxWeight > 0) || math.IsInf(maxWeight, 0):
		return fmt.Errorf("%w: weight bound must be positive and finite, got %v", errs.ErrConfiguration, maxWeight)
	}

	ft := math.Round(maxWeight * float64(s.QA))
	if ft > i16 {
		return fmt.Errorf("%w: weight bound %v at QA %d exceeds int16", errs.ErrQuantizationOverflow, maxWeight, s.QA)
	}
	if out := math.Round(maxWeight * float64(s.QB)); out > i16 {
		return fmt.Errorf("%w: weight bound %v at QB %d exceeds int16", errs.ErrQuantizationOverflow, maxWeight, s.QB)
	}
	if bias := math.Round(maxWeight * float64(s.QA*s.QB)); bias > math.MaxInt32 {
		return fmt.Errorf("%w: weight bound %v at QA*QB %d exceeds int32", errs.ErrQuantizationOverflow, maxWeight, s.QA*s.QB)
	}
	if acc := ft * (1 + features.MaxActive); acc > i16 {
		return fmt.Errorf("%w: accumulator may reach %v, beyond int16", errs.ErrQuantizationOverflow, acc)
	}
	return nil
}

// Network is a quantized network. It is read-only after construction and
// safe for concurrent evaluation.
type Network struct {
	Topology  nnue.Topology
	Scales    Scales
	EvalScale int64

	FTWeights  Fixed[int16] // Inputs x Hidden at QA
	FTBias     Fixed[int16] // Hidden at QA
	OutWeights Fixed[int16] // OutputBuckets x 2*Hidden at QB
	OutBias    Fixed[int32] // OutputBuckets at QA*QB

	pool sync.Pool
}

// accumulators is evaluation scratch, one row per perspective.
type accumulators struct {
	acc [2][]int16
}

// Quantize converts a float network. It fails with a
// QuantizationOverflowError if any value or any accumulator could leave its
// integer range.
func Quantize(net *nnue.Network, s Scales, evalScale float64) (*Network, error) {
	if s.QA < 1 || s.QB < 1 {
		return nil, fmt.Errorf("%w: quantisation factors must be positive, got %d/%d", errs.ErrConfiguration, s.QA, s.QB)
	}
	if !(evalScale > 0) || evalScale != math.Trunc(evalScale) {
		return nil, fmt.Errorf("%w: eval scale must be a positive integer for integer inference, got %v", errs.ErrConfiguration, evalScale)
	}

	q := &Network{Topology: net.Topology, Scales: s, EvalScale: int64(evalScale)}
	var err error
	if q.FTWeights, err = QuantizeTensor[int16]("ft weights", net.FTWeights, s.QA); err != nil {
		return nil, err
	}
	if q.FTBias, err = QuantizeTensor[int16]("ft bias", net.FTBias, s.QA); err != nil {
		return nil, err
	}
	if q.OutWeights, err = QuantizeTensor[int16]("output weights", net.OutWeights, s.QB); err != nil {
		return nil, err
	}
	if q.OutBias, err = QuantizeTensor[int32]("output bias", net.OutBias, s.QA*s.QB); err != nil {
		return nil, err
	}
	if err := q.checkHeadroom(); err != nil {
		return nil, err
	}
	q.initPool()
	return q, nil
}

// checkHeadroom verifies per hidden unit that |bias| + 32*max|w| fits int16,
// so no accumulation over a legal position can wrap.
func (q *Network) checkHeadroom() error {
	h := q.Topology.Hidden
	colMax := make([]int64, h)
	for f := 0; f < q.Topology.Inputs; f++ {
		row := q.FTWeights.Values[f*h : (f+1)*h]
		for i, w := range row {
			a := int64(w)
			if a < 0 {
				a = -a
			}
			colMax[i] = max(colMax[i], a)
		}
	}
	for i, m := range colMax {
		b := int64(q.FTBias.Values[i])
		if b < 0 {
			b = -b
		}
		if worst := b + features.MaxActive*m; worst > math.MaxInt16 {
			return fmt.Errorf("%w: accumulator %d may reach %d, beyond int16", errs.ErrQuantizationOverflow, i, worst)
		}
	}
	return nil
}

func (q *Network) initPool() {
	h := q.Topology.Hidden
	q.pool.New = func() any {
		return &accumulators{acc: [2][]int16{make([]int16, h), make([]int16, h)}}
	}
}

func (q *Network) ftRow(feature int) []int16 {
	h := q.Topology.Hidden
	return q.FTWeights.Values[feature*h : (feature+1)*h]
}

func (q *Network) accumulate(dst []int16, active []int) {
	copy(dst, q.FTBias.Values)
	for _, idx := range active {
		row := q.ftRow(idx)
		for i := range dst {
			dst[i] += row[i]
		}
	}
}

// Output returns the integer network output at scale QA*QB.
func (q *Network) Output(fs *features.FeatureSet, bucket int) int64 {
	a := q.pool.Get().(*accumulators)
	defer q.pool.Put(a)

	stm, nstm := fs.Ordered()
	q.accumulate(a.acc[0], stm)
	q.accumulate(a.acc[1], nstm)

	h := q.Topology.Hidden
	qa := q.Scales.QA
	w := q.OutWeights.Values[bucket*2*h : (bucket+1)*2*h]

	var sum int64
	for p := range 2 {
		wp := w[p*h : (p+1)*h]
		for i, x := range a.acc[p] {
			c := min(max(int64(x), 0), qa)
			sum += c * c * int64(wp[i])
		}
	}
	return sum/qa + int64(q.OutBias.Values[bucket])
}

// EvaluateFeatures returns the score of a feature set in centipawns from the
// side to move's point of view.
func (q *Network) EvaluateFeatures(fs *features.FeatureSet, bucket int) int {
	out := q.Output(fs, bucket)
	return int(out * q.EvalScale / (q.Scales.QA * q.Scales.QB))
}

// Evaluate scores a validated position. Positions that fail Validate may
// panic in the feature encoder; use EvaluateFEN for untrusted input.
func (q *Network) Evaluate(pos *board.Position) int {
	fs := features.Encode(pos)
	return q.EvaluateFeatures(&fs, features.OutputBucket(pos, q.Topology.OutputBuckets))
}

// EvaluateFEN parses, validates and scores a position. Malformed or illegal
// positions are rejected with ErrRejectedQuery.
func (q *Network) EvaluateFEN(fen string) (int, error) {
	pos, err := board.ParseFEN(fen)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrRejectedQuery, err)
	}
	if err := pos.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrRejectedQuery, err)
	}
	return q.Evaluate(pos), nil
}

// Dequantize returns the float network the integer weights represent.
func (q *Network) Dequantize() *nnue.Network {
	n := nnue.New(q.Topology)
	for i := range n.FTWeights {
		n.FTWeights[i] = q.FTWeights.Float(i)
	}
	for i := range n.FTBias {
		n.FTBias[i] = q.FTBias.Float(i)
	}
	for i := range n.OutWeights {
		n.OutWeights[i] = q.OutWeights.Float(i)
	}
	for i := range n.OutBias {
		n.OutBias[i] = q.OutBias.Float(i)
	}
	return n
}
