package authcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// closeDrainDeadline bounds how long Close waits for buffered events to
// reach the sink before giving up on them.
const closeDrainDeadline = 2 * time.Second

// auditDispatcher decouples the engine's hot paths from the sink: events go
// through a buffered channel drained by one goroutine. With DropIfFull set,
// a saturated buffer drops events and counts them instead of blocking.
type auditDispatcher struct {
	cfg       AuditConfig
	sink      AuditSink
	ch        chan AuditEvent
	done      chan struct{}
	finished  chan struct{}
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		cfg:      cfg,
		sink:     sink,
		ch:       make(chan AuditEvent, cfg.BufferSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer close(d.finished)

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain flushes whatever is already buffered, then stops.
func (d *auditDispatcher) drain() {
	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops intake and waits for the drain, but no longer than
// closeDrainDeadline; a wedged sink must not block engine shutdown.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)

		select {
		case <-d.finished:
		case <-time.After(closeDrainDeadline):
		}
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
