package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnuetrain/internal/board"
	"github.com/hailam/nnuetrain/internal/dataset"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/nnue"
)

// LoadTestSet reads at most limit distinct positions from a text data file
// and prepares them. Repeated positions keep their first record. A file with
// no records is a DataError.
func LoadTestSet(ctx context.Context, path string, limit, outputBuckets int, logger *slog.Logger) ([]nnue.Sample, error) {
	src, err := dataset.NewTextSource([]string{path}, false, logger)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var (
		samples []nnue.Sample
		dups    int
	)
	seen := make(map[uint64]struct{})
	buf := make([]dataset.Record, 1)
	for len(samples) < limit {
		if err := src.Next(ctx, buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		smp, err := dataset.Prepare(buf[0], outputBuckets)
		if err != nil {
			return nil, fmt.Errorf("test set %s: %w", path, err)
		}
		// Prepare succeeded, so the FEN parses.
		pos, _ := board.ParseFEN(buf[0].FEN)
		h := pos.Hash()
		if _, ok := seen[h]; ok {
			dups++
			continue
		}
		seen[h] = struct{}{}
		samples = append(samples, smp)
	}
	if dups > 0 && logger != nil {
		logger.Debug("skipped repeated test positions", "path", path, "count", dups)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: test set %s has no records", errs.ErrData, path)
	}
	return samples, nil
}

// ValidationLoss returns the mean loss of net over samples. Nothing is
// written to the network.
func ValidationLoss(net *nnue.Network, samples []nnue.Sample, loss nnue.Loss, blend, evalScale float64, threads int) float64 {
	if len(samples) == 0 {
		return 0
	}
	threads = max(threads, 1)
	per := (len(samples) + threads - 1) / threads
	sums := make([]float64, threads)

	var g errgroup.Group
	for i := range threads {
		lo := min(i*per, len(samples))
		hi := min(lo+per, len(samples))
		g.Go(func() error {
			s := nnue.NewScratch(net.Hidden)
			for j := lo; j < hi; j++ {
				smp := &samples[j]
				out := net.Forward(&smp.Features, smp.Bucket, s)
				l, _ := loss.Eval(out, smp.Target(blend, evalScale))
				sums[i] += l
			}
			return nil
		})
	}
	_ = g.Wait()

	var total float64
	for _, v := range sums {
		total += v
	}
	return total / float64(len(samples))
}
