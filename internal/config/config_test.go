package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/hailam/nnuetrain/internal/errs"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsMatchReferenceRun(t *testing.T) {
	c := Default()
	c.RunID = "ref"
	c.Data = []string{"data.txt"}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	s, err := c.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if s.PositionsPerSuperbatch() != 16384*6104 {
		t.Errorf("positions per superbatch = %d", s.PositionsPerSuperbatch())
	}
	if lr := s.LR.LR(121); lr != 0.001*0.3 {
		t.Errorf("lr(121) = %v", lr)
	}
	if b := s.WDL.Blend(520, 520); b != 0.4 {
		t.Errorf("blend(520) = %v", b)
	}
	if sc, _ := c.Scales(); sc.QA != 255 || sc.QB != 64 {
		t.Errorf("scales = %+v", sc)
	}
	if c.Topology().Hidden != 1024 || c.Topology().OutputBuckets != 1 {
		t.Errorf("topology = %+v", c.Topology())
	}
}

func TestParsePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	content := `{
		"net_id": "file-net",
		"threads": 2,
		"end_superbatch": 10,
		"save_rate": 5,
		"data": ["a.txt"],
		"lr_scheduler": {"kind": "constant", "start": 0.01}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	env := envMap(map[string]string{EnvThreads: "3", EnvOutput: "env-out"})
	c, err := Parse("test", []string{"-config", path, "-threads", "4", "-data", "x.txt, y.txt"}, env)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.NetID != "file-net" || c.EndSuperbatch != 10 || c.SaveRate != 5 {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.LR.Kind != "constant" || c.LR.Start != 0.01 {
		t.Errorf("lr = %+v", c.LR)
	}
	if c.Threads != 4 {
		t.Errorf("flag should override env and file, threads = %d", c.Threads)
	}
	if c.OutputDir != "env-out" {
		t.Errorf("env should override default, output = %q", c.OutputDir)
	}
	if len(c.Data) != 2 || c.Data[0] != "x.txt" || c.Data[1] != "y.txt" {
		t.Errorf("data = %q", c.Data)
	}
	if c.BatchSize != 16384 {
		t.Errorf("untouched default changed: batch size %d", c.BatchSize)
	}
	if _, err := uuid.Parse(c.RunID); err != nil {
		t.Errorf("generated run id %q is not a uuid", c.RunID)
	}
}

func TestParseRunIDFromEnv(t *testing.T) {
	c, err := Parse("test", nil, envMap(map[string]string{EnvRunID: "run-7", EnvData: "d1,d2", EnvTestSet: "test.txt"}))
	if err != nil {
		t.Fatal(err)
	}
	if c.RunID != "run-7" || len(c.Data) != 2 || c.TestSet != "test.txt" {
		t.Errorf("env not applied: %+v", c)
	}
}

func TestParseErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.json")
	if err := os.WriteFile(unknown, []byte(`{"batchsize": 1}`), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"unknown flag", []string{"-bogus"}, nil},
		{"missing file", []string{"-config", filepath.Join(dir, "none.json")}, nil},
		{"unknown key", []string{"-config", unknown}, nil},
		{"bad threads", nil, map[string]string{EnvThreads: "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test", tt.args, envMap(tt.env))
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}

	if _, err := Parse("test", []string{"-h"}, noEnv); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.RunID = "r"
		c.Data = []string{"d"}
		return c
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty run id", func(c *Config) { c.RunID = "" }},
		{"run id with slash", func(c *Config) { c.RunID = "a/b" }},
		{"no threads", func(c *Config) { c.Threads = 0 }},
		{"no data", func(c *Config) { c.Data = nil }},
		{"start after end", func(c *Config) { c.StartSuperbatch = 600 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"unknown loss", func(c *Config) { c.Loss = "cross_entropy" }},
		{"unknown lr", func(c *Config) { c.LR.Kind = "cosine" }},
		{"wdl out of range", func(c *Config) { c.WDL.End = 1.5 }},
		{"bad beta", func(c *Config) { c.Optimizer.Beta1 = 1 }},
		{"zero hidden", func(c *Config) { c.Hidden = 0 }},
		{"too many buckets", func(c *Config) { c.OutputBuckets = 64 }},
		{"one quantisation", func(c *Config) { c.Quantisations = []int{255} }},
		{"clamp beyond int16", func(c *Config) { c.Optimizer.MaxWeight = 10 }},
		{"test set without positions", func(c *Config) { c.TestSet = "t"; c.TestPositions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, errs.ErrConfiguration) && !errors.Is(err, errs.ErrQuantizationOverflow) {
				t.Errorf("unexpected error class: %v", err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "NNUETRAIN_CONFIG_TEST_VALUE"
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q", key, got)
	}
}

func TestSaveRunLoadRun(t *testing.T) {
	c := Default()
	c.RunID = "run-7"
	c.OutputDir = t.TempDir()
	c.Quantisations = []int{181, 32}
	c.EvalScale = 300
	if err := c.SaveRun(); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := LoadRun(c.OutputDir, "run-7")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	s, err := got.Scales()
	if err != nil {
		t.Fatal(err)
	}
	if s.QA != 181 || s.QB != 32 || got.EvalScale != 300 {
		t.Errorf("scales %+v, eval scale %v", s, got.EvalScale)
	}

	if _, err := LoadRun(c.OutputDir, "missing"); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for missing run, got %v", err)
	}
}
