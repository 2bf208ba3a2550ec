package hoaauth

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples auth flows from sink latency. Events are queued on
// a buffered channel and delivered by a single worker goroutine; ordering per
// dispatcher is preserved.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	stopping   chan struct{}
	workerDone chan struct{}
	dropIfFull bool
	dropped    atomic.Uint64
	stopOnce   sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, buffer),
		stopping:   make(chan struct{}),
		workerDone: make(chan struct{}),
		dropIfFull: cfg.DropIfFull,
	}
	go d.deliver()

	return d
}

func (d *auditDispatcher) deliver() {
	defer close(d.workerDone)

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.stopping:
			// Drain whatever was queued before the stop.
			for {
				select {
				case event := <-d.queue:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues one event. With DropIfFull the call never blocks; otherwise it
// waits for buffer space until the context is done.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	select {
	case <-d.stopping:
		return
	default:
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		case <-d.stopping:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.stopping:
	}
}

// Close stops the dispatcher and blocks until queued events are delivered.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopping)
		<-d.workerDone
	})
}

// Dropped reports how many events were discarded under backpressure.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
