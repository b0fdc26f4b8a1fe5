package quantized

import (
	"math"

	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/nnue"
)

// Tolerance bounds, in centipawns, how far the integer evaluation of net
// quantized at s can be from the float evaluation of fs.
//
// Rounding the bias and n weight rows moves each accumulator by at most
// (1+n)/(2*QA), so the integer activation lies between SCReLU(a-d) and
// SCReLU(a+d). The output then adds half a QB step per weight, half a QA*QB
// step for the bias, and two truncating divisions.
func Tolerance(net *nnue.Network, s Scales, evalScale float64, fs *features.FeatureSet, bucket int) float64 {
	h := net.Hidden
	qa, qb := float64(s.QA), float64(s.QB)
	d := float64(1+fs.Len()) / (2 * qa)

	acc := make([]float64, h)
	w := net.OutRow(bucket)
	stm, nstm := fs.Ordered()

	var bound float64
	for p, active := range [2][]int{stm, nstm} {
		net.Accumulate(acc, active)
		wp := w[p*h : (p+1)*h]
		for i, a := range acc {
			hi, lo := nnue.SCReLU(a+d), nnue.SCReLU(a-d)
			bound += math.Abs(wp[i])*(hi-lo) + hi/(2*qb)
		}
	}
	bound += 1.5 / (qa * qb)
	return evalScale*bound + 1
}
