// Package dispatcher implements the fixed worker pool that turns accepted
// connections into running protocol handlers: a bounded queue, N worker
// goroutines each owning a metrics.CounterBlock, and per-task timeouts that
// replace a stuck worker without losing its counters. Grounded on spec.md
// §4.F and the goroutine-pool shape in
// other_examples/e83fef4e_Barsminto-ant-cache__tcpserver-pooled_goroutine_server.go.go,
// adapted from a dynamically-scaling pool down to the fixed-size pool the
// spec calls for.
package dispatcher

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tyrantd/pkg/log"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Handler processes one accepted connection to completion. conn is closed
// by the dispatcher after Handle returns (or after a task timeout fires),
// so Handle should not close it itself. counters is this worker's private
// command counter block; Handle should call Hit/Miss on it per command.
type Handler func(ctx context.Context, conn net.Conn, counters *metrics.CounterBlock)

// Pool is a fixed-size worker pool reading connections off a bounded
// queue. Workers that don't return within TaskTimeout are considered
// stuck: their connection is force-closed and a replacement worker goroutine
// takes over the slot, preserving that slot's CounterBlock across the
// replacement the way spec.md §4.F requires.
type Pool struct {
	handler     Handler
	taskTimeout time.Duration

	tasks    chan net.Conn
	counters []*metrics.CounterBlock

	stopping atomic.Bool
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// New builds a Pool with workers goroutines, a queue of depth queueDepth,
// and the given per-task timeout (0 disables the timeout).
func New(workers, queueDepth int, taskTimeout time.Duration, handler Handler) *Pool {
	p := &Pool{
		handler:     handler,
		taskTimeout: taskTimeout,
		tasks:       make(chan net.Conn, queueDepth),
		counters:    make([]*metrics.CounterBlock, workers),
		log:         log.WithComponent("dispatcher"),
	}
	for i := range p.counters {
		p.counters[i] = metrics.NewCounterBlock()
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := range p.counters {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Counters returns the live counter blocks, one per worker slot, for the
// stat command's cross-worker aggregation.
func (p *Pool) Counters() []*metrics.CounterBlock {
	return p.counters
}

// Submit hands conn to the pool. It returns false (and closes conn) if the
// queue is full and the pool is shedding load, matching a bounded-queue
// dispatcher's natural backpressure.
func (p *Pool) Submit(conn net.Conn) bool {
	if p.stopping.Load() {
		conn.Close()
		return false
	}
	select {
	case p.tasks <- conn:
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		return true
	default:
		conn.Close()
		return false
	}
}

// Stop stops accepting new tasks and waits for in-flight ones to finish
// (or time out and hand off to their replacement, which then drains and
// exits once the queue is closed).
func (p *Pool) Stop() {
	p.stopping.Store(true)
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	counters := p.counters[id]
	for conn := range p.tasks {
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		if p.runTask(conn, counters) {
			metrics.WorkersRestarted.Inc()
			p.log.Warn().Int("worker", id).Msg("replacing worker after task timeout")
			p.wg.Add(1)
			go p.worker(id)
			return
		}
	}
}

// runTask runs the handler for one connection, reporting whether it timed
// out. A timed-out handler's goroutine is abandoned (its connection was
// force-closed, so it will unwind on its next I/O call); Go has no
// mechanism to kill a goroutine outright, so "replacement" means the
// worker slot moves on, not that the stuck goroutine is destroyed.
func (p *Pool) runTask(conn net.Conn, counters *metrics.CounterBlock) (timedOut bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.handler(ctx, conn, counters)
	}()

	if p.taskTimeout <= 0 {
		<-done
		conn.Close()
		return false
	}

	select {
	case <-done:
		conn.Close()
		return false
	case <-time.After(p.taskTimeout):
		conn.Close()
		return true
	}
}
