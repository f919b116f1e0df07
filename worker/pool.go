// Package worker runs the per-request micro-VM lifecycle on a fixed
// pool of CPU-pinned workers, one VM in flight per worker at a time.
// See spec.md §4.6/§5.
package worker

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/programexplorer/pex/internal/pexlog"
)

// ErrQueueFull is returned by Submit when every worker already has a
// queued job; the caller should surface it as 503 without waiting.
var ErrQueueFull = errors.New("worker: queue full")

type job struct {
	id    string
	input Input
	reply chan Reply
}

// Reply is what a worker sends back after running one Input to
// completion, successfully or not. ID echoes the request_id Submit
// assigned, for correlating a reply with its access log entry.
type Reply struct {
	ID         string
	Output     Output
	Postmortem *Postmortem
}

// Pool is a fixed set of workers, each pinned (best-effort) to its own
// disjoint CPU set, draining one bounded MPMC-style channel. A worker
// runs exactly one VM at a time, synchronously, on its own goroutine
// locked to its own OS thread.
type Pool struct {
	queue     chan job
	n         int
	catalogue *Catalogue
}

// NewPool starts one worker goroutine per entry in cpusets, each pinned
// to the given CPU indices (best-effort: a failed sched_setaffinity call
// is ignored and that worker runs unpinned). The
// queue depth is 2 per worker, matching the teacher's
// `max_conn = pool.len() * 2` headroom for in-flight admission.
func NewPool(cpusets [][]int) *Pool {
	p := &Pool{
		queue:     make(chan job, len(cpusets)*2),
		n:         len(cpusets),
		catalogue: NewCatalogue(),
	}
	for i, cpus := range cpusets {
		go p.workerLoop(i, cpus)
	}
	return p
}

// Len is the number of workers, i.e. the maximum number of VMs that can
// run concurrently.
func (p *Pool) Len() int { return p.n }

// Catalogue is the pool's view of available images, backing the
// out-of-scope HTTP `GET /api/v1/images` endpoint named in spec.md §6:
// the transport itself lives outside this package, but the image
// index it reports is this same in-process catalogue.
func (p *Pool) Catalogue() *Catalogue { return p.catalogue }

// Submit enqueues input for the next free worker, returning a channel
// that receives exactly one Reply. It never blocks: a full queue fails
// fast with ErrQueueFull so the caller can respond 503 immediately
// rather than making the client wait behind an already-saturated pool.
// The request is tagged with a xid-generated id, echoed back on Reply
// and on every log line the worker emits for it.
func (p *Pool) Submit(input Input) (<-chan Reply, error) {
	reply := make(chan Reply, 1)
	id := xid.New().String()
	select {
	case p.queue <- job{id: id, input: input, reply: reply}:
		return reply, nil
	default:
		return nil, ErrQueueFull
	}
}

func (p *Pool) workerLoop(id int, cpus []int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(cpus) > 0 {
		var mask unix.CPUSet
		for _, c := range cpus {
			mask.Set(c)
		}
		// Affinity is an optimization (keeping each VM's vcpu thread off
		// the server's cores); a failure here shouldn't stop the worker
		// from serving requests, just run them unpinned.
		_ = unix.SchedSetaffinity(0, &mask)
	}

	ctx := pexlog.WithField(context.Background(), "worker_id", id)
	for j := range p.queue {
		jctx := pexlog.WithField(ctx, "request_id", j.id)
		pexlog.G(jctx).Debug("worker: run started")
		out, pm := runOne(j.input)
		if pm != nil {
			pexlog.G(jctx).WithError(pm.Err).Warn("worker: run failed")
		} else {
			pexlog.G(jctx).Debug("worker: run finished")
		}
		j.reply <- Reply{ID: j.id, Output: out, Postmortem: pm}
	}
}
