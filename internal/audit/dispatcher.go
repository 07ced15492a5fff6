package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
)

// Sink accepts security events without blocking the caller.
type Sink interface {
	Emit(ev *model.SecurityEvent)
}

// Writer is one destination of the fan-out (file, Redis, Postgres, NATS).
type Writer interface {
	Name() string
	Write(ctx context.Context, ev *model.SecurityEvent) error
}

// Reader serves historical events for the admin API.
type Reader interface {
	List(ctx context.Context, f Filter) ([]*model.SecurityEvent, error)
}

type Filter struct {
	Type       model.EventType
	IdentityID string
	Limit      int
	From       *time.Time
	To         *time.Time
}

func (f Filter) Match(ev *model.SecurityEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.IdentityID != "" && (ev.IdentityID == nil || *ev.IdentityID != f.IdentityID) {
		return false
	}
	if f.From != nil && ev.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && ev.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Dispatcher buffers events in a bounded channel drained by one goroutine that fans out to
// every writer. Emit never blocks: a full buffer drops the event and counts it.
type Dispatcher struct {
	events  chan *model.SecurityEvent
	writers []Writer
	ring    *Ring
	reader  Reader
	timeout time.Duration

	subMu   sync.RWMutex
	subs    map[int]chan *model.SecurityEvent
	nextSub int

	// mu guards closing events against concurrent sends.
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Int64
	failures atomic.Int64
	done     chan struct{}
}

func NewDispatcher(bufferSize, ringSize int, writers ...Writer) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	d := &Dispatcher{
		events:  make(chan *model.SecurityEvent, bufferSize),
		writers: writers,
		ring:    NewRing(ringSize),
		timeout: 2 * time.Second,
		subs:    make(map[int]chan *model.SecurityEvent),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// WithReader sets the historical store used by List; without one List serves the ring buffer.
func (d *Dispatcher) WithReader(r Reader) *Dispatcher {
	d.reader = r
	return d
}

func (d *Dispatcher) Emit(ev *model.SecurityEvent) {
	if ev == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.ring.Add(ev)
	d.publish(ev)

	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		metrics.EventsDropped.Inc()
		logger.WarnThrottled("audit.dropped", "security event buffer full, dropping event", "type", ev.Type)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		for _, w := range d.writers {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := w.Write(ctx, ev)
			cancel()
			if err != nil {
				d.failures.Add(1)
				metrics.EventWriteFailures.WithLabelValues(w.Name()).Inc()
				logger.WarnThrottled("audit.write."+w.Name(), "security event write failed", "writer", w.Name(), "error", err)
			}
		}
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, w := range d.writers {
		if c, ok := w.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing security event writer", "writer", w.Name(), "error", err)
			}
		}
	}
	d.subMu.Lock()
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	d.subMu.Unlock()
	return nil
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) WriteFailures() int64 {
	return d.failures.Load()
}

// List reads from the configured Reader and falls back to the in-memory ring on error.
func (d *Dispatcher) List(ctx context.Context, f Filter) ([]*model.SecurityEvent, error) {
	if d.reader != nil {
		records, err := d.reader.List(ctx, f)
		if err == nil {
			return records, nil
		}
		logger.Warn("security event reader failed, serving ring buffer", "error", err)
	}
	return d.ring.List(f), nil
}

// Subscribe returns a live feed of events. Slow subscribers miss events rather than
// slowing down Emit.
func (d *Dispatcher) Subscribe(buffer int) (<-chan *model.SecurityEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *model.SecurityEvent, buffer)
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			if c, ok := d.subs[id]; ok {
				close(c)
				delete(d.subs, id)
			}
			d.subMu.Unlock()
		})
	}
}

func (d *Dispatcher) publish(ev *model.SecurityEvent) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
