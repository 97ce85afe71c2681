package aggregate

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after the runtime was closed.
var ErrClosed = errors.New("aggregate: runtime closed")

// EmitFunc receives detections. It is called from partition goroutines and
// must be safe for concurrent use.
type EmitFunc func(domain.Detection)

type message struct {
	event     *Event
	watermark time.Time
	flushed   chan struct{}
}

type partition struct {
	id    int
	store *Store
	in    chan message
}

// Runtime partitions events by key across a fixed set of goroutines. Each
// partition owns its Store exclusively, so one key's windows are only ever
// touched by one goroutine.
type Runtime struct {
	partitions []*partition
	emit       EmitFunc
	interval   time.Duration

	// mu guards closed against concurrent sends on partition channels.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	maxEventTime atomic.Int64
	logger       *slog.Logger
}

// NewRuntime creates a runtime. Run must be called to start processing.
func NewRuntime(cfg domain.AggregationConfig, detectors []Detector, emit EmitFunc) *Runtime {
	n := cfg.Partitions
	if n < 1 {
		n = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1024
	}
	if emit == nil {
		emit = func(domain.Detection) {}
	}

	r := &Runtime{
		partitions: make([]*partition, n),
		emit:       emit,
		interval:   cfg.WatermarkInterval,
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "aggregate_runtime"),
	}
	for i := range r.partitions {
		r.partitions[i] = &partition{
			id:    i,
			store: NewStore(detectors),
			in:    make(chan message, size),
		}
	}
	return r
}

// Partitions returns the partition count.
func (r *Runtime) Partitions() int { return len(r.partitions) }

// PartitionFor returns the partition owning key.
func (r *Runtime) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.partitions)))
}

// Submit routes ev to its partition. It blocks while the partition queue is
// full, until ctx is done.
func (r *Runtime) Submit(ctx context.Context, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	for {
		cur := r.maxEventTime.Load()
		if ev.Time.UnixNano() <= cur || r.maxEventTime.CompareAndSwap(cur, ev.Time.UnixNano()) {
			break
		}
	}

	p := r.partitions[r.PartitionFor(ev.Key)]
	select {
	case p.in <- message{event: &ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance broadcasts a watermark to every partition.
func (r *Runtime) Advance(ctx context.Context, watermark time.Time) error {
	return r.broadcast(ctx, func() message { return message{watermark: watermark} })
}

// Flush closes every open window in every partition and waits until the
// resulting detections have been emitted.
func (r *Runtime) Flush(ctx context.Context) error {
	acks := make([]chan struct{}, 0, len(r.partitions))
	err := r.broadcast(ctx, func() message {
		ack := make(chan struct{})
		acks = append(acks, ack)
		return message{flushed: ack}
	})
	if err != nil {
		return err
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runtime) broadcast(ctx context.Context, next func() message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	for _, p := range r.partitions {
		select {
		case p.in <- next():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run processes partitions until Close is called or ctx is done. Remaining
// windows are flushed before it returns.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range r.partitions {
		g.Go(func() error {
			r.runPartition(p)
			return nil
		})
	}

	g.Go(func() error {
		defer r.Close()

		if r.interval <= 0 {
			select {
			case <-gctx.Done():
			case <-r.done:
			}
			return nil
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-r.done:
				return nil
			case <-ticker.C:
				if wm := r.maxEventTime.Load(); wm > 0 {
					_ = r.Advance(gctx, time.Unix(0, wm).UTC())
				}
			}
		}
	})

	return g.Wait()
}

func (r *Runtime) runPartition(p *partition) {
	for msg := range p.in {
		switch {
		case msg.event != nil:
			r.emitAll(p.store.Observe(*msg.event))
		case msg.flushed != nil:
			r.emitAll(p.store.Flush())
			close(msg.flushed)
		default:
			r.emitAll(p.store.Advance(msg.watermark))
		}
	}

	r.emitAll(p.store.Flush())
	r.logger.Debug("partition stopped", "partition", p.id)
}

func (r *Runtime) emitAll(dets []domain.Detection) {
	for _, d := range dets {
		r.emit(d)
	}
}

// Close stops accepting events. Partitions drain their queues, flush open
// windows and exit. Safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, p := range r.partitions {
			close(p.in)
		}
		r.mu.Unlock()
		close(r.done)
	})
}
