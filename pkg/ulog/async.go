package ulog

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// pendingAppend is one queued entry awaiting the drain goroutine.
type pendingAppend struct {
	ts        uint64
	originSid uint16
	masterSid uint16
	payload   []byte
	done      chan error
}

// AsyncWriter substitutes the fixed-size AIO ring tculogwrite keeps (64
// in-flight aio_write calls) with a single goroutine draining a bounded
// channel: callers enqueue and get back a future, and the drain goroutine
// appends in submission order through Log.Append. It performs no fsync of
// its own, and it neither computes nor stores a checksum for the entries
// it writes.
type AsyncWriter struct {
	log   *Log
	queue chan *pendingAppend

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAsyncWriter starts the drain goroutine for log. depth bounds how many
// appends may be queued before Enqueue blocks.
func NewAsyncWriter(log *Log, depth int) *AsyncWriter {
	if depth <= 0 {
		depth = 64
	}
	w := &AsyncWriter{
		log:    log,
		queue:  make(chan *pendingAppend, depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.drain()
	return w
}

// Checksum returns the xxhash of payload. It is a standalone helper: the
// entry format has no checksum field, and neither AsyncWriter nor Log
// records one.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Append queues an append and blocks until the drain goroutine has written
// it, satisfying loggeddb.Appender the same way the underlying *Log does:
// the caller's record lock stays held until the entry is in the log, just
// as on the synchronous path.
func (w *AsyncWriter) Append(ts uint64, originSid, masterSid uint16, payload []byte) error {
	return <-w.Enqueue(ts, originSid, masterSid, payload)
}

// Enqueue queues an append and returns immediately; the returned channel
// receives the append's eventual result exactly once.
func (w *AsyncWriter) Enqueue(ts uint64, originSid, masterSid uint16, payload []byte) <-chan error {
	p := &pendingAppend{
		ts:        ts,
		originSid: originSid,
		masterSid: masterSid,
		payload:   payload,
		done:      make(chan error, 1),
	}
	select {
	case w.queue <- p:
	case <-w.stopCh:
		p.done <- fmt.Errorf("ulog: async writer stopped")
	}
	return p.done
}

func (w *AsyncWriter) drain() {
	defer close(w.doneCh)
	for {
		select {
		case p := <-w.queue:
			err := w.log.Append(p.ts, p.originSid, p.masterSid, p.payload)
			p.done <- err
			w.drainReady()
		case <-w.stopCh:
			w.drainReady()
			return
		}
	}
}

// drainReady writes every append already sitting in the queue without
// blocking, returning as soon as the queue is empty.
func (w *AsyncWriter) drainReady() {
	for {
		select {
		case p := <-w.queue:
			p.done <- w.log.Append(p.ts, p.originSid, p.masterSid, p.payload)
		default:
			return
		}
	}
}

// Close stops the drain goroutine after its current and already-queued
// work finishes.
func (w *AsyncWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return nil
}
