package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned when a request was dropped because the
	// delivery queue is full.
	ErrQueueFull = errors.New("sink: delivery queue full")

	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("sink: dispatcher closed")
)

const deliveryTimeout = 5 * time.Second

const (
	sinkAlert         = "alert"
	sinkInvestigation = "investigation"
	sinkCase          = "case"
)

type delivery struct {
	sink string
	id   string
	send func(ctx context.Context) error
}

// Dispatcher delivers requests from a bounded queue on background workers.
// Enqueue never blocks; failed and dropped deliveries are logged and counted
// and never retried.
type Dispatcher struct {
	sinks   Sinks
	queue   chan delivery
	limiter *rate.Limiter
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Start must be called before requests
// are delivered.
func NewDispatcher(cfg domain.SinkConfig, sinks Sinks) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = int(cfg.RatePerSecond * 2) // 2x burst
		}
	}
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan delivery, size),
		limiter: rate.NewLimiter(limit, burst),
		workers: workers,
		logger:  slog.Default().With("component", "sink_dispatcher"),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
	d.logger.Info("sink dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for del := range d.queue {
		d.deliver(ctx, del)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, del delivery) {
	if err := d.limiter.Wait(ctx); err != nil {
		metrics.SinkDeliveries.WithLabelValues(del.sink, "dropped").Inc()
		d.logger.Warn("sink delivery dropped",
			"sink", del.sink,
			"id", del.id,
			"error", err,
		)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	if err := del.send(sendCtx); err != nil {
		metrics.SinkDeliveries.WithLabelValues(del.sink, "error").Inc()
		d.logger.Warn("sink delivery failed",
			"sink", del.sink,
			"id", del.id,
			"error", err,
		)
		return
	}
	metrics.SinkDeliveries.WithLabelValues(del.sink, "ok").Inc()
}

func (d *Dispatcher) enqueue(del delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.SinkDeliveries.WithLabelValues(del.sink, "dropped").Inc()
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- del:
		return nil
	default:
		metrics.SinkDeliveries.WithLabelValues(del.sink, "dropped").Inc()
		d.logger.Warn("sink queue full, request dropped",
			"sink", del.sink,
			"id", del.id,
		)
		return ErrQueueFull
	}
}

// Alert enqueues an alert.
func (d *Dispatcher) Alert(a domain.Alert) error {
	return d.enqueue(delivery{
		sink: sinkAlert,
		id:   a.AlertID,
		send: func(ctx context.Context) error { return d.sinks.Alerts.SendAlert(ctx, &a) },
	})
}

// Investigation enqueues an investigation request.
func (d *Dispatcher) Investigation(r domain.InvestigationRequest) error {
	return d.enqueue(delivery{
		sink: sinkInvestigation,
		id:   r.InvestigationID,
		send: func(ctx context.Context) error { return d.sinks.Investigations.RequestInvestigation(ctx, &r) },
	})
}

// Case enqueues a compliance-case request.
func (d *Dispatcher) Case(r domain.ComplianceCaseRequest) error {
	return d.enqueue(delivery{
		sink: sinkCase,
		id:   r.CaseID,
		send: func(ctx context.Context) error { return d.sinks.Cases.CreateCase(ctx, &r) },
	})
}

// Pending returns the number of queued requests.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting requests and waits for queued ones to be delivered
// or until ctx is done, after which the rest are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if d.cancel != nil {
			d.cancel()
		}
		return nil
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
}
