package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnuetrain/internal/nnue"
)

// Batch is a prepared batch. Seq counts batches from 0 in source order.
type Batch struct {
	Seq     int64
	Samples []nnue.Sample
}

// Loader prepares batches on Threads workers. A single reader pulls raw
// batches from the source; each gets a future queued in order, so batches
// come out in source order no matter which worker finishes first.
type Loader struct {
	Source        Source
	BatchSize     int
	Threads       int
	OutputBuckets int
	// Depth bounds the batches in flight; defaults to 2*Threads.
	Depth  int
	Logger *slog.Logger
}

type result struct {
	batch *Batch
	err   error
}

type job struct {
	seq     int64
	records []Record
	future  chan<- result
}

// Stream is a running loader.
type Stream struct {
	out    chan *Batch
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start launches the pipeline. The caller must Close the stream.
func (l *Loader) Start(ctx context.Context) *Stream {
	threads := max(l.Threads, 1)
	depth := l.Depth
	if depth < 1 {
		depth = 2 * threads
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		out:    make(chan *Batch),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job, depth)
	futures := make(chan chan result, depth)

	g.Go(func() error {
		defer close(jobs)
		defer close(futures)
		for seq := int64(0); ; seq++ {
			records := make([]Record, l.BatchSize)
			if err := l.Source.Next(ctx, records); err != nil {
				if errors.Is(err, io.EOF) {
					logger.Debug("data source exhausted", "batches", seq)
					return nil
				}
				return err
			}
			future := make(chan result, 1)
			select {
			case futures <- future:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- job{seq: seq, records: records, future: future}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for range threads {
		g.Go(func() error {
			for j := range jobs {
				b, err := l.prepare(j)
				j.future <- result{batch: b, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(s.out)
		for f := range futures {
			var r result
			select {
			case r = <-f:
			case <-ctx.Done():
				return ctx.Err()
			}
			if r.err != nil {
				return r.err
			}
			select {
			case s.out <- r.batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	go func() {
		s.err = g.Wait()
		close(s.done)
	}()

	return s
}

func (l *Loader) prepare(j job) (*Batch, error) {
	b := &Batch{Seq: j.seq, Samples: make([]nnue.Sample, len(j.records))}
	for i, rec := range j.records {
		smp, err := Prepare(rec, l.OutputBuckets)
		if err != nil {
			return nil, fmt.Errorf("batch %d record %d: %w", j.seq, i, err)
		}
		b.Samples[i] = smp
	}
	return b, nil
}

// Next returns the next batch in source order. It returns io.EOF once the
// source is exhausted, or the first error of the pipeline.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-s.out:
		if ok {
			return b, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-s.done
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Close stops the pipeline and waits for its goroutines.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}
