package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/logger"
)

const (
	DefaultBuffer       = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Sink stores one entry. Writer is the SQL implementation.
type Sink interface {
	Append(ctx context.Context, e domain.AuditEntry) error
}

// Recorder is what business code depends on.
type Recorder interface {
	Record(ctx context.Context, e domain.AuditEntry)
}

type item struct {
	entry domain.AuditEntry
	flush chan struct{}
}

// Trail dispatches entries to a Sink from a single goroutine. Entries are
// written in the order Record accepted them; Record never blocks and never
// fails. When the buffer is full the entry is logged and dropped.
type Trail struct {
	sink  Sink
	log   *logger.Logger
	now   func() time.Time
	queue chan item
	stop  chan struct{}
	done  chan struct{}

	// mu orders Record's closed check against Close; no send blocks under it.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

type Option func(*Trail)

func WithBuffer(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.queue = make(chan item, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

func NewTrail(sink Sink, log *logger.Logger, opts ...Option) *Trail {
	if log == nil {
		log = logger.Nop()
	}
	t := &Trail{
		sink:  sink,
		log:   log.With("component", "audit"),
		now:   time.Now,
		queue: make(chan item, DefaultBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Record timestamps e, attaches origin metadata from ctx when e has none, and
// queues it.
func (t *Trail) Record(ctx context.Context, e domain.AuditEntry) {
	if e.TS == "" {
		e.TS = t.now().UTC().Format(time.RFC3339Nano)
	}
	if e.Origin == nil {
		e.Origin = OriginFrom(ctx)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		t.log.Warn("audit trail closed, entry dropped", "action", e.Action, "entity", e.Entity, "entity_id", e.EntityID)
		return
	}
	select {
	case t.queue <- item{entry: e}:
	default:
		t.dropped.Add(1)
		t.log.Error("audit buffer full, entry dropped", "action", e.Action, "entity", e.Entity, "entity_id", e.EntityID)
	}
}

// Flush waits until every entry accepted before the call has been handled.
func (t *Trail) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	select {
	case t.queue <- item{flush: marker}:
	case <-t.stop:
		return t.wait(ctx, t.done)
	case <-ctx.Done():
		return ctx.Err()
	}
	// a marker queued after shutdown drained is never handled; done covers it
	select {
	case <-marker:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.stop)
	}
	t.mu.Unlock()
	return t.wait(ctx, t.done)
}

// Dropped counts entries lost to overflow or shutdown.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

// Failed counts entries the sink rejected.
func (t *Trail) Failed() int64 { return t.failed.Load() }

func (t *Trail) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trail) run() {
	defer close(t.done)
	for {
		select {
		case it := <-t.queue:
			t.handle(it)
		case <-t.stop:
			for {
				select {
				case it := <-t.queue:
					t.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) handle(it item) {
	if it.flush != nil {
		close(it.flush)
		return
	}
	if err := t.write(it.entry); err != nil {
		t.failed.Add(1)
		t.log.Error("audit write failed", "action", it.entry.Action, "entity", it.entry.Entity, "entity_id", it.entry.EntityID, "error", err)
	}
}

func (t *Trail) write(e domain.AuditEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return t.sink.Append(ctx, e)
}
