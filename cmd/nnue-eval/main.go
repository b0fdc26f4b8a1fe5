// nnue-eval scores positions with a quantized network, either for FENs given
// on the command line or interactively.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/hailam/nnuetrain/internal/config"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/quantized"
	"github.com/hailam/nnuetrain/internal/storage"
	"github.com/hailam/nnuetrain/internal/trainer"
)

var (
	netPath   = flag.String("net", "", "quantised network file")
	outputDir = flag.String("output", "checkpoints", "training output directory, used with -run")
	runID     = flag.String("run", "", "evaluate the latest checkpoint of this run")
	quantList = flag.String("quantisations", "", "QA,QB for quantizing a checkpoint (default: the run's configuration)")
	evalScale = flag.Float64("eval-scale", 0, "eval scale for quantizing a checkpoint (default: the run's configuration)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: nnue-eval [-net file | -run id] [fen ...]\n")
		flag.PrintDefaults()
	}
	_ = config.LoadDotEnv(".env")
	flag.Parse()

	if *runID == "" {
		*runID = os.Getenv(config.EnvRunID)
	}

	q, err := loadNetwork()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		// One-shot mode
		failed := false
		for _, fen := range flag.Args() {
			if !evaluate(q, fen) {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		return
	}

	if err := runREPL(q); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadNetwork() (*quantized.Network, error) {
	switch {
	case *netPath != "":
		return quantized.LoadFile(*netPath)
	case *runID != "":
		dbDir, err := storage.DatabaseDir(*outputDir)
		if err != nil {
			return nil, err
		}
		store, err := storage.Open(dbDir)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		cp, err := store.Latest(*runID)
		if err != nil {
			return nil, err
		}
		runCfg, err := config.LoadRun(*outputDir, *runID)
		if err != nil {
			if *quantList == "" || *evalScale == 0 {
				return nil, fmt.Errorf("%w (pass -quantisations and -eval-scale to quantize without it)", err)
			}
		}
		scales, scale, err := quantization(runCfg, *quantList, *evalScale)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded checkpoint", "run", cp.RunID, "superbatch", cp.State.Superbatch, "steps", cp.State.Steps,
			"qa", scales.QA, "qb", scales.QB, "eval_scale", scale)
		return quantized.Quantize(cp.Network, scales, scale)
	default:
		return nil, errors.New("one of -net or -run is required")
	}
}

// quantization picks the scales and eval scale for a checkpoint: the run's
// saved configuration, overridden by non-empty flags. Without a run
// configuration both flags are required.
func quantization(runCfg *config.Config, list string, evalScale float64) (quantized.Scales, float64, error) {
	var (
		scales quantized.Scales
		scale  float64
		err    error
	)
	if runCfg != nil {
		if scales, err = runCfg.Scales(); err != nil {
			return quantized.Scales{}, 0, err
		}
		scale = runCfg.EvalScale
	}
	if list != "" {
		var factors []int
		for _, f := range strings.Split(list, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return quantized.Scales{}, 0, fmt.Errorf("%w: invalid quantisation factor %q", errs.ErrConfiguration, f)
			}
			factors = append(factors, n)
		}
		if scales, err = quantized.ScalesFromList(factors); err != nil {
			return quantized.Scales{}, 0, err
		}
	}
	if evalScale != 0 {
		scale = evalScale
	}
	if scales.QA == 0 || scale == 0 {
		return quantized.Scales{}, 0, fmt.Errorf("%w: quantisations and eval scale are unknown", errs.ErrConfiguration)
	}
	return scales, scale, nil
}

// evaluate prints the score of one FEN and reports whether it was accepted.
func evaluate(q *quantized.Network, fen string) bool {
	score, err := q.EvaluateFEN(fen)
	if err != nil {
		fmt.Printf("%s -> %v\n", fen, err)
		return false
	}
	fmt.Printf("%s -> %d\n", fen, score)
	return true
}

func runREPL(q *quantized.Network) error {
	cfg := &readline.Config{
		Prompt:          "eval> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if hist, err := storage.HistoryFile(); err == nil {
		cfg.HistoryFile = hist
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Printf("nnue-eval: %d hidden, %d output buckets (type 'sanity', or 'exit' to quit)\n",
		q.Topology.Hidden, q.Topology.OutputBuckets)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "sanity":
			results := trainer.Sanity(q.Dequantize(), q, float64(q.EvalScale), trainer.SanityFENs)
			if err := trainer.WriteSanityTable(os.Stdout, results); err != nil {
				return err
			}
		default:
			evaluate(q, input)
		}
	}
}
