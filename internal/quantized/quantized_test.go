package quantized

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hailam/nnuetrain/internal/board"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/nnue"
)

var testFENs = []string{
	board.StartFEN,
	"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1",
	"rn3r2/pbppq1p1/1p2pN1k/4N3/3P4/3B4/PPP2PPP/R3K2R w KQ - 1 13",
	"2r3k1/2P2pp1/3Np2p/8/7P/5qP1/5P1K/2Q5 b - - 2 42",
	"7k/pp4rp/3p1Q2/1P1P4/2Pp4/3Pb2P/2q3P1/5R1K w - - 7 37",
	"8/8/4p3/4P1p1/Pk6/2p5/1p3K2/1r6 b - - 1 52",
	"8/8/6R1/5K1p/8/5k2/6p1/8 w - - 0 79",
	"1rqbkrbn/1ppppp1p/1n6/p1N3p1/8/2P4P/PP1PPPP1/1RQBKRBN w FBfb - 0 9",
}

func testTopology(buckets int) nnue.Topology {
	return nnue.Topology{Inputs: features.NumFeatures, Hidden: 16, OutputBuckets: buckets}
}

// gridNetwork returns a random network whose weights lie exactly on the
// quantization grid, so only the integer divisions can cause disagreement.
func gridNetwork(t *testing.T, seed uint64, buckets int) *nnue.Network {
	t.Helper()
	net := nnue.New(testTopology(buckets))
	net.Init(seed)
	snap := func(s []float64, scale float64) {
		for i, v := range s {
			s[i] = math.Round(v*scale) / scale
		}
	}
	snap(net.FTWeights, 255)
	snap(net.FTBias, 255)
	snap(net.OutWeights, 64)
	for i := range net.OutBias {
		net.OutBias[i] = 0.05 * float64(i+1)
	}
	snap(net.OutBias, 255*64)
	return net
}

func mustPosition(t *testing.T, fen string) *board.Position {
	t.Helper()
	pos, err := board.ParseFEN(fen)
	if err != nil {
		t.Fatalf("ParseFEN(%q): %v", fen, err)
	}
	if err := pos.Validate(); err != nil {
		t.Fatalf("Validate(%q): %v", fen, err)
	}
	return pos
}

func TestBounds(t *testing.T) {
	if lo, hi := bounds[int16](); lo != math.MinInt16 || hi != math.MaxInt16 {
		t.Errorf("int16 bounds = %d, %d", lo, hi)
	}
	if lo, hi := bounds[int32](); lo != math.MinInt32 || hi != math.MaxInt32 {
		t.Errorf("int32 bounds = %d, %d", lo, hi)
	}
	if lo, hi := bounds[int8](); lo != -128 || hi != 127 {
		t.Errorf("int8 bounds = %d, %d", lo, hi)
	}
}

func TestQuantizeTensor(t *testing.T) {
	f, err := QuantizeTensor[int16]("t", []float64{1, -0.5, 0.0019, 1.98}, 255)
	if err != nil {
		t.Fatal(err)
	}
	want := []int16{255, -128, 0, 505}
	for i, w := range want {
		if f.Values[i] != w {
			t.Errorf("value %d = %d, want %d", i, f.Values[i], w)
		}
	}
	if f.MaxAbs() != 505 || f.Scale != 255 {
		t.Errorf("MaxAbs = %d, scale = %d", f.MaxAbs(), f.Scale)
	}
	if math.Abs(f.Float(0)-1) > 1e-15 {
		t.Errorf("Float(0) = %v", f.Float(0))
	}

	if _, err := QuantizeTensor[int16]("t", []float64{200}, 255); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := QuantizeTensor[int32]("t", []float64{math.NaN()}, 255); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected overflow for NaN, got %v", err)
	}
}

func TestValidateScales(t *testing.T) {
	if err := ValidateScales(DefaultScales(), 1.98); err != nil {
		t.Errorf("reference scales rejected: %v", err)
	}
	if err := ValidateScales(DefaultScales(), 4); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected accumulator overflow, got %v", err)
	}
	if err := ValidateScales(Scales{QA: 255, QB: 20000}, 1.98); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected output weight overflow, got %v", err)
	}
	if err := ValidateScales(Scales{QA: 0, QB: 64}, 1.98); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := ScalesFromList([]int{255}); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for short list, got %v", err)
	}
}

func TestFloatAndIntegerAgree(t *testing.T) {
	for _, buckets := range []int{1, 4} {
		net := gridNetwork(t, 42, buckets)
		q, err := Quantize(net, DefaultScales(), 400)
		if err != nil {
			t.Fatalf("Quantize: %v", err)
		}

		for _, fen := range testFENs {
			pos := mustPosition(t, fen)
			float := net.EvaluatePosition(pos, 400)
			integer := q.Evaluate(pos)
			if diff := math.Abs(float - float64(integer)); diff > 1.5 {
				t.Errorf("buckets %d, %s: float %.3f, integer %d", buckets, fen, float, integer)
			}
		}
	}
}

func TestFloatAndIntegerWithinTolerance(t *testing.T) {
	tests := []struct {
		name      string
		hidden    int
		outFactor float64
	}{
		{"hidden 16", 16, 1},
		{"hidden 1024", 1024, 1},
		{"large output weights", 64, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := nnue.New(nnue.Topology{Inputs: features.NumFeatures, Hidden: tt.hidden, OutputBuckets: 2})
			net.Init(5)
			for i := range net.OutWeights {
				net.OutWeights[i] *= tt.outFactor
			}
			net.OutBias[0], net.OutBias[1] = 0.0123, -0.0456

			q, err := Quantize(net, DefaultScales(), 400)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			for _, fen := range testFENs {
				pos := mustPosition(t, fen)
				fs := features.Encode(pos)
				bucket := features.OutputBucket(pos, 2)

				float := net.Evaluate(&fs, bucket, 400)
				integer := q.EvaluateFeatures(&fs, bucket)
				tol := Tolerance(net, DefaultScales(), 400, &fs, bucket)
				if diff := math.Abs(float - float64(integer)); diff > tol+1e-9 {
					t.Errorf("%s: float %.3f, integer %d, gap %.3f beyond %.3f", fen, float, integer, diff, tol)
				}
			}
		})
	}
}

func TestToleranceOnGrid(t *testing.T) {
	// On the grid only the accumulator term is loose; the bound stays finite
	// and covers the observed gap.
	net := gridNetwork(t, 42, 1)
	q, err := Quantize(net, DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}
	pos := mustPosition(t, board.StartFEN)
	fs := features.Encode(pos)
	tol := Tolerance(net, DefaultScales(), 400, &fs, 0)
	if math.IsNaN(tol) || math.IsInf(tol, 0) || tol < 1 {
		t.Fatalf("tolerance = %v", tol)
	}
	if diff := math.Abs(net.Evaluate(&fs, 0, 400) - float64(q.EvaluateFeatures(&fs, 0))); diff > tol {
		t.Errorf("gap %.3f beyond %.3f", diff, tol)
	}
}

func TestAccumulatorMatchesDequantized(t *testing.T) {
	net := nnue.New(testTopology(1))
	net.Init(11)
	q, err := Quantize(net, DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}
	back := q.Dequantize()

	fs := features.Encode(mustPosition(t, testFENs[1]))
	stm, _ := fs.Ordered()
	got := make([]int16, net.Hidden)
	q.accumulate(got, stm)
	want := make([]float64, net.Hidden)
	back.Accumulate(want, stm)
	for i := range got {
		if math.Abs(float64(got[i])/255-want[i]) > 1e-9 {
			t.Errorf("unit %d: integer %d, dequantized %.6f", i, got[i], want[i])
		}
	}
}

func TestDequantizeIsIdentityOnGrid(t *testing.T) {
	net := gridNetwork(t, 3, 1)
	q, err := Quantize(net, DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}
	back := q.Dequantize()
	for i, p := range net.Params() {
		for j, v := range p {
			if math.Abs(v-back.Params()[i][j]) > 1e-12 {
				t.Fatalf("tensor %d[%d]: %v != %v", i, j, back.Params()[i][j], v)
			}
		}
	}
}

func TestIntegerMirrorInvariant(t *testing.T) {
	q, err := Quantize(gridNetwork(t, 8, 1), DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}
	for _, fen := range testFENs {
		pos := mustPosition(t, fen)
		if a, b := q.Evaluate(pos), q.Evaluate(pos.Mirrored()); a != b {
			t.Errorf("%s: %d != mirrored %d", fen, a, b)
		}
	}
}

func TestQuantizeOverflow(t *testing.T) {
	net := gridNetwork(t, 1, 1)
	net.FTWeights[5] = 200
	if _, err := Quantize(net, DefaultScales(), 400); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected overflow for large weight, got %v", err)
	}

	net = gridNetwork(t, 1, 1)
	net.FTBias[0] = 100
	net.FTWeights[0] = 1
	if _, err := Quantize(net, DefaultScales(), 400); !errors.Is(err, errs.ErrQuantizationOverflow) {
		t.Errorf("expected accumulator headroom overflow, got %v", err)
	}

	if _, err := Quantize(gridNetwork(t, 1, 1), DefaultScales(), 400.5); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for fractional eval scale, got %v", err)
	}
}

func TestEvaluateFENRejects(t *testing.T) {
	q, err := Quantize(gridNetwork(t, 2, 1), DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}
	for _, fen := range []string{
		"garbage",
		"4k3/8/8/8/8/8/4r3/4K3 b - - 0 1",
		"8/8/8/8/8/8/8/8 w - - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/ŐPPPPPPP/RNBQKBNR w KQkq - 0 1",
	} {
		if _, err := q.EvaluateFEN(fen); !errors.Is(err, errs.ErrRejectedQuery) {
			t.Errorf("EvaluateFEN(%q): expected rejected query, got %v", fen, err)
		}
	}
	if _, err := q.EvaluateFEN(board.StartFEN); err != nil {
		t.Errorf("start position rejected: %v", err)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	q, err := Quantize(gridNetwork(t, 13, 1), DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}

	want := make([]int, len(testFENs))
	for i, fen := range testFENs {
		want[i], _ = q.EvaluateFEN(fen)
	}

	var wg sync.WaitGroup
	errc := make(chan string, 8*len(testFENs))
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				for i, fen := range testFENs {
					got, err := q.EvaluateFEN(fen)
					if err != nil || got != want[i] {
						errc <- fen
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errc)
	for fen := range errc {
		t.Errorf("concurrent evaluation differs for %s", fen)
	}
}

func TestFileRoundTrip(t *testing.T) {
	q, err := Quantize(gridNetwork(t, 77, 2), DefaultScales(), 400)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := q.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	got, err := ReadNetwork(&buf)
	if err != nil {
		t.Fatalf("ReadNetwork: %v", err)
	}
	if got.Topology != q.Topology || got.Scales != q.Scales || got.EvalScale != q.EvalScale {
		t.Fatalf("header mismatch: %+v %+v %d", got.Topology, got.Scales, got.EvalScale)
	}
	for _, fen := range testFENs {
		pos := mustPosition(t, fen)
		if a, b := q.Evaluate(pos), got.Evaluate(pos); a != b {
			t.Errorf("%s: %d after round trip, want %d", fen, b, a)
		}
	}

	path := filepath.Join(t.TempDir(), "quantised.bin")
	if err := q.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	// Saving again replaces the file in place.
	if err := got.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Errorf("LoadFile: %v", err)
	}
}
