// Package config assembles the trainer configuration from defaults, a JSON
// file, the environment and command line flags, in increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/quantized"
	"github.com/hailam/nnuetrain/internal/schedule"
)

// Environment variables read by ApplyEnv.
const (
	EnvRunID   = "NNUE_RUN_ID"
	EnvThreads = "NNUE_THREADS"
	EnvData    = "NNUE_DATA"
	EnvOutput  = "NNUE_OUTPUT"
	EnvTestSet = "NNUE_TEST_SET"
)

// Config is a complete training run description.
type Config struct {
	RunID                string           `json:"run_id"`
	NetID                string           `json:"net_id"`
	BatchSize            int              `json:"batch_size"`
	BatchesPerSuperbatch int              `json:"batches_per_superbatch"`
	StartSuperbatch      int              `json:"start_superbatch"`
	EndSuperbatch        int              `json:"end_superbatch"`
	SaveRate             int              `json:"save_rate"`
	EvalScale            float64          `json:"eval_scale"`
	Loss                 string           `json:"loss"`
	LR                   schedule.LRSpec  `json:"lr_scheduler"`
	WDL                  schedule.WDLSpec `json:"wdl_scheduler"`
	Optimizer            optim.Params     `json:"optimiser"`
	Quantisations        []int            `json:"quantisations"`
	Hidden               int              `json:"hidden"`
	OutputBuckets        int              `json:"output_buckets"`
	Threads              int              `json:"threads"`
	Seed                 uint64           `json:"seed"`

	Data          []string `json:"data"`
	LoopData      bool     `json:"loop_data"`
	TestSet       string   `json:"test_set"`
	TestPositions int      `json:"test_positions"`
	OutputDir     string   `json:"output_directory"`
	Resume        bool     `json:"resume"`
}

// Default returns the configuration of the reference run.
func Default() *Config {
	return &Config{
		NetID:                "renegade-net-24",
		BatchSize:            16384,
		BatchesPerSuperbatch: 6104,
		StartSuperbatch:      1,
		EndSuperbatch:        520,
		SaveRate:             40,
		EvalScale:            400,
		Loss:                 "sigmoid_mse",
		LR:                   schedule.LRSpec{Kind: "step", Start: 0.001, Gamma: 0.3, Step: 120},
		WDL:                  schedule.WDLSpec{Kind: "linear", Start: 0.2, End: 0.4},
		Optimizer:            optim.DefaultParams(),
		Quantisations:        []int{255, 64},
		Hidden:               nnue.DefaultHidden,
		OutputBuckets:        1,
		Threads:              6,
		Seed:                 1,
		TestPositions:        1 << 16,
		OutputDir:            "checkpoints",
	}
}

// LoadFile overlays a JSON file on c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open config: %v", errs.ErrConfiguration, err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrConfiguration, path, err)
	}
	return nil
}

// RunFile is where a run's resolved configuration is kept.
func RunFile(outputDir, runID string) string {
	return filepath.Join(outputDir, runID+".json")
}

// SaveRun writes c to its RunFile.
func (c *Config) SaveRun() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(RunFile(c.OutputDir, c.RunID), data, 0644); err != nil {
		return fmt.Errorf("failed to write run configuration: %w", err)
	}
	return nil
}

// LoadRun reads the configuration a run saved with SaveRun.
func LoadRun(outputDir, runID string) (*Config, error) {
	c := Default()
	if err := c.LoadFile(RunFile(outputDir, runID)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads variables from env files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %v", errs.ErrConfiguration, p, err)
		}
	}
	return nil
}

// ApplyEnv overlays the NNUE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRunID); ok && v != "" {
		c.RunID = v
	}
	if v, ok := lookup(EnvThreads); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", errs.ErrConfiguration, EnvThreads, v)
		}
		c.Threads = n
	}
	if v, ok := lookup(EnvData); ok && v != "" {
		c.Data = splitList(v)
	}
	if v, ok := lookup(EnvOutput); ok && v != "" {
		c.OutputDir = v
	}
	if v, ok := lookup(EnvTestSet); ok {
		c.TestSet = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// listFlag is a comma separated list flag.
type listFlag struct{ dst *[]string }

func (l listFlag) String() string {
	if l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l listFlag) Set(s string) error {
	*l.dst = splitList(s)
	return nil
}

// newFlagSet binds flags directly to c's fields.
func newFlagSet(name string, c *Config, path *string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.StringVar(path, "config", "", "JSON configuration file")
	flags.StringVar(&c.RunID, "run", c.RunID, "run id (generated when empty)")
	flags.StringVar(&c.NetID, "net", c.NetID, "network id used for exported files")
	flags.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "positions per batch")
	flags.IntVar(&c.BatchesPerSuperbatch, "batches", c.BatchesPerSuperbatch, "batches per superbatch")
	flags.IntVar(&c.StartSuperbatch, "start", c.StartSuperbatch, "first superbatch")
	flags.IntVar(&c.EndSuperbatch, "end", c.EndSuperbatch, "last superbatch")
	flags.IntVar(&c.SaveRate, "save-rate", c.SaveRate, "superbatches between checkpoints")
	flags.Float64Var(&c.EvalScale, "eval-scale", c.EvalScale, "centipawns per unit of network output")
	flags.StringVar(&c.Loss, "loss", c.Loss, "loss function (sigmoid_mse, sigmoid_mpe[:p])")
	flags.IntVar(&c.Hidden, "hidden", c.Hidden, "feature transformer width")
	flags.IntVar(&c.OutputBuckets, "output-buckets", c.OutputBuckets, "output buckets by material")
	flags.IntVar(&c.Threads, "threads", c.Threads, "worker threads")
	flags.Uint64Var(&c.Seed, "seed", c.Seed, "weight initialisation seed")
	flags.Var(listFlag{&c.Data}, "data", "comma separated training data files")
	flags.BoolVar(&c.LoopData, "loop", c.LoopData, "start over when the data runs out")
	flags.StringVar(&c.TestSet, "test-set", c.TestSet, "validation data file")
	flags.IntVar(&c.TestPositions, "test-positions", c.TestPositions, "validation positions read from the test set")
	flags.StringVar(&c.OutputDir, "output", c.OutputDir, "output directory")
	flags.BoolVar(&c.Resume, "resume", c.Resume, "continue the run from its latest checkpoint")
	return flags
}

// Parse builds a configuration: defaults, then the file named by -config,
// then the environment, then the remaining flags.
func Parse(name string, args []string, lookup func(string) (string, bool)) (*Config, error) {
	// The first pass only finds the config file.
	var path string
	probe := newFlagSet(name, Default(), &path)
	probe.SetOutput(io.Discard)
	if err := probe.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfiguration, err)
	}

	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := newFlagSet(name, c, &path).Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfiguration, err)
	}
	if c.RunID == "" {
		c.RunID = uuid.New().String()
	}
	return c, nil
}

// Usage prints the flag help.
func Usage(name string) {
	var path string
	newFlagSet(name, Default(), &path).PrintDefaults()
}

// Validate checks every field and returns a ConfigurationError describing
// the first problem found.
func (c *Config) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: run id is empty", errs.ErrConfiguration)
	}
	if strings.ContainsAny(c.RunID, "/\\") {
		return fmt.Errorf("%w: run id %q may not contain path separators", errs.ErrConfiguration, c.RunID)
	}
	if c.Threads < 1 {
		return fmt.Errorf("%w: threads must be positive, got %d", errs.ErrConfiguration, c.Threads)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: no training data given", errs.ErrConfiguration)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output directory is empty", errs.ErrConfiguration)
	}
	if c.TestSet != "" && c.TestPositions < 1 {
		return fmt.Errorf("%w: test positions must be positive, got %d", errs.ErrConfiguration, c.TestPositions)
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	if err := c.Topology().Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if _, err := nnue.ParseLoss(c.Loss); err != nil {
		return err
	}
	s, err := c.Scales()
	if err != nil {
		return err
	}
	return quantized.ValidateScales(s, max(c.Optimizer.MaxWeight, -c.Optimizer.MinWeight))
}

// Schedule builds the training schedule.
func (c *Config) Schedule() (*schedule.TrainingSchedule, error) {
	lr, err := c.LR.Build()
	if err != nil {
		return nil, err
	}
	wdl, err := c.WDL.Build()
	if err != nil {
		return nil, err
	}
	s := &schedule.TrainingSchedule{
		NetID:                c.NetID,
		BatchSize:            c.BatchSize,
		BatchesPerSuperbatch: c.BatchesPerSuperbatch,
		StartSuperbatch:      c.StartSuperbatch,
		EndSuperbatch:        c.EndSuperbatch,
		SaveRate:             c.SaveRate,
		EvalScale:            c.EvalScale,
		Loss:                 c.Loss,
		LR:                   lr,
		WDL:                  wdl,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Topology returns the network shape.
func (c *Config) Topology() nnue.Topology {
	return nnue.Topology{Inputs: features.NumFeatures, Hidden: c.Hidden, OutputBuckets: c.OutputBuckets}
}

// Scales returns the quantisation factors.
func (c *Config) Scales() (quantized.Scales, error) {
	return quantized.ScalesFromList(c.Quantisations)
}
