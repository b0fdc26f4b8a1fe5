// Package quantized converts trained float networks to fixed point and
// evaluates positions with integer arithmetic only.
package quantized

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Fixed is a fixed-point tensor: value i represents Values[i] / Scale.
type Fixed[T constraints.Signed] struct {
	Scale  int64
	Values []T
}

// bounds returns the range of T.
func bounds[T constraints.Signed]() (lo, hi int64) {
	var m T = 1
	for {
		next := m<<1 | 1
		if next <= m {
			break
		}
		m = next
	}
	return -int64(m) - 1, int64(m)
}

// QuantizeTensor rounds every value times scale to the nearest integer. A
// result outside T's range is a QuantizationOverflowError; values are never
// saturated.
func QuantizeTensor[T constraints.Signed](name string, values []float64, scale int64) (Fixed[T], error) {
	lo, hi := bounds[T]()
	out := Fixed[T]{Scale: scale, Values: make([]T, len(values))}
	for i, v := range values {
		r := math.Round(v * float64(scale))
		if math.IsNaN(r) || r < float64(lo) || r > float64(hi) {
			return Fixed[T]{}, fmt.Errorf("%w: %s[%d] = %v at scale %d does not fit in [%d, %d]",
				errs.ErrQuantizationOverflow, name, i, v, scale, lo, hi)
		}
		out.Values[i] = T(r)
	}
	return out, nil
}

// Float returns element i as a float.
func (f Fixed[T]) Float(i int) float64 {
	return float64(f.Values[i]) / float64(f.Scale)
}

// MaxAbs returns the largest magnitude in the tensor.
func (f Fixed[T]) MaxAbs() int64 {
	var m int64
	for _, v := range f.Values {
		a := int64(v)
		if a < 0 {
			a = -a
		}
		m = max(m, a)
	}
	return m
}
