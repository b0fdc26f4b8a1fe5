package schedule

import (
	"errors"
	"math"
	"testing"

	"github.com/hailam/nnuetrain/internal/errs"
)

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(b))
}

func TestStepLR(t *testing.T) {
	lr := StepLR{Start: 0.001, Gamma: 0.3, Step: 120}
	tests := []struct {
		k    int
		want float64
	}{
		{1, 0.001},
		{120, 0.001},
		{121, 0.0003},
		{240, 0.0003},
		{241, 0.00009},
		{520, 0.001 * math.Pow(0.3, 4)},
	}
	for _, tt := range tests {
		if got := lr.LR(tt.k); !near(got, tt.want) {
			t.Errorf("LR(%d) = %v, want %v", tt.k, got, tt.want)
		}
	}
}

func TestDropAndConstantLR(t *testing.T) {
	d := DropLR{Start: 0.001, Gamma: 0.1, Drop: 10}
	if d.LR(10) != 0.001 || !near(d.LR(11), 0.0001) {
		t.Errorf("drop lr: %v %v", d.LR(10), d.LR(11))
	}
	if c := (ConstantLR{Value: 0.5}); c.LR(1) != 0.5 || c.LR(1000) != 0.5 {
		t.Error("constant lr changed")
	}
}

func TestLinearWDL(t *testing.T) {
	w := LinearWDL{Start: 0.2, End: 0.4}
	if got := w.Blend(1, 520); !near(got, 0.2) {
		t.Errorf("Blend(1) = %v", got)
	}
	if got := w.Blend(520, 520); !near(got, 0.4) {
		t.Errorf("Blend(520) = %v", got)
	}
	// Equal steps produce equal increments.
	step := w.Blend(2, 520) - w.Blend(1, 520)
	for k := 2; k < 520; k++ {
		if d := w.Blend(k+1, 520) - w.Blend(k, 520); math.Abs(d-step) > 1e-12 {
			t.Fatalf("increment at %d = %v, want %v", k, d, step)
		}
	}
	if got := w.Blend(1, 1); got != 0.2 {
		t.Errorf("single superbatch blend = %v", got)
	}
	if (ConstantWDL{Value: 0.7}).Blend(3, 9) != 0.7 {
		t.Error("constant wdl changed")
	}
}

func TestSpecBuild(t *testing.T) {
	if _, err := (LRSpec{Kind: "step", Start: 0.001, Gamma: 0.3, Step: 120}).Build(); err != nil {
		t.Errorf("step: %v", err)
	}
	if _, err := (WDLSpec{Kind: "linear", Start: 0.2, End: 0.4}).Build(); err != nil {
		t.Errorf("linear: %v", err)
	}

	badLR := []LRSpec{
		{Kind: "step", Start: 0.001, Gamma: 0.3},
		{Kind: "step", Start: -1, Gamma: 0.3, Step: 1},
		{Kind: "drop", Start: 0.001, Gamma: 2, Drop: 5},
		{Kind: "cosine", Start: 0.001},
	}
	for _, s := range badLR {
		if _, err := s.Build(); !errors.Is(err, errs.ErrConfiguration) {
			t.Errorf("%+v: expected configuration error, got %v", s, err)
		}
	}

	badWDL := []WDLSpec{
		{Kind: "linear", Start: 0.2, End: 1.5},
		{Kind: "constant", Start: -0.1},
		{Kind: "sigmoid"},
	}
	for _, s := range badWDL {
		if _, err := s.Build(); !errors.Is(err, errs.ErrConfiguration) {
			t.Errorf("%+v: expected configuration error, got %v", s, err)
		}
	}
}

func testSchedule() *TrainingSchedule {
	return &TrainingSchedule{
		NetID:                "test-net",
		BatchSize:            16384,
		BatchesPerSuperbatch: 6104,
		StartSuperbatch:      1,
		EndSuperbatch:        520,
		SaveRate:             40,
		EvalScale:            400,
		Loss:                 "sigmoid_mse",
		LR:                   StepLR{Start: 0.001, Gamma: 0.3, Step: 120},
		WDL:                  LinearWDL{Start: 0.2, End: 0.4},
	}
}

func TestTrainingScheduleValidate(t *testing.T) {
	if err := testSchedule().Validate(); err != nil {
		t.Fatalf("reference schedule invalid: %v", err)
	}

	mutate := []func(*TrainingSchedule){
		func(s *TrainingSchedule) { s.StartSuperbatch = 0 },
		func(s *TrainingSchedule) { s.StartSuperbatch = 521 },
		func(s *TrainingSchedule) { s.BatchSize = 0 },
		func(s *TrainingSchedule) { s.SaveRate = 0 },
		func(s *TrainingSchedule) { s.EvalScale = math.Inf(1) },
		func(s *TrainingSchedule) { s.NetID = "" },
		func(s *TrainingSchedule) { s.LR = nil },
	}
	for i, m := range mutate {
		s := testSchedule()
		m(s)
		if err := s.Validate(); !errors.Is(err, errs.ErrConfiguration) {
			t.Errorf("case %d: expected configuration error, got %v", i, err)
		}
	}
}

func TestShouldSave(t *testing.T) {
	s := testSchedule()
	s.EndSuperbatch = 100
	saves := 0
	for k := 1; k <= 100; k++ {
		if s.ShouldSave(k) {
			saves++
		}
	}
	// 40, 80 and the final superbatch.
	if saves != 3 {
		t.Errorf("saves = %d, want 3", saves)
	}
}

func TestResume(t *testing.T) {
	s := testSchedule()
	r, err := s.Resume(240)
	if err != nil {
		t.Fatal(err)
	}
	if r.StartSuperbatch != 241 || s.StartSuperbatch != 1 {
		t.Errorf("resume start = %d, original = %d", r.StartSuperbatch, s.StartSuperbatch)
	}
	if a, b := r.At(300, 0), s.At(300, 0); a.LearningRate != b.LearningRate || a.WDLBlend != b.WDLBlend {
		t.Errorf("resumed schedule diverges: %+v vs %+v", a, b)
	}

	if _, err := s.Resume(520); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("resume past the end: expected configuration error, got %v", err)
	}
}
