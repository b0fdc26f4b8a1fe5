package trainer

import (
	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnuetrain/internal/nnue"
)

// Worker computes gradients for a slice of a batch.
// Each worker owns its scratch and gradient buffer; the network is shared
// read-only while workers run.
type Worker struct {
	id      int
	scratch *nnue.Scratch
	grads   *nnue.Gradients
	loss    float64
}

// NewWorker creates a gradient worker for networks of topology t.
func NewWorker(id int, t nnue.Topology) *Worker {
	return &Worker{
		id:      id,
		scratch: nnue.NewScratch(t.Hidden),
		grads:   nnue.NewGradients(t),
	}
}

// ID returns the worker's ID.
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) run(net *nnue.Network, samples []nnue.Sample, loss nnue.Loss, blend, evalScale float64) {
	w.grads.Reset()
	w.loss = 0
	if len(samples) > 0 {
		w.loss = net.BatchGradient(samples, loss, blend, evalScale, w.scratch, w.grads)
	}
}

// pool splits each batch into contiguous ranges, one per worker, and sums the
// partial gradients in worker order. The sum is independent of scheduling.
type pool struct {
	workers []*Worker
	total   *nnue.Gradients
}

func newPool(t nnue.Topology, threads int) *pool {
	p := &pool{total: nnue.NewGradients(t)}
	for i := range max(threads, 1) {
		p.workers = append(p.workers, NewWorker(i, t))
	}
	return p
}

// gradient returns the mean loss over samples and the mean gradient. The
// returned buffer is reused by the next call.
func (p *pool) gradient(net *nnue.Network, samples []nnue.Sample, loss nnue.Loss, blend, evalScale float64) (float64, *nnue.Gradients) {
	n := len(samples)
	per := (n + len(p.workers) - 1) / len(p.workers)

	var g errgroup.Group
	for i, w := range p.workers {
		lo := min(i*per, n)
		hi := min(lo+per, n)
		g.Go(func() error {
			w.run(net, samples[lo:hi], loss, blend, evalScale)
			return nil
		})
	}
	_ = g.Wait()

	p.total.Reset()
	var sum float64
	for _, w := range p.workers {
		p.total.Merge(w.grads)
		sum += w.loss
	}
	if n == 0 {
		return 0, p.total
	}
	p.total.Scale(1 / float64(n))
	return sum / float64(n), p.total
}
