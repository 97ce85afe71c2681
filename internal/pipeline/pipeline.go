// Package pipeline wires enrichment, rule evaluation, lane routing, windowed
// aggregation and decisions into one streaming topology.
//
// Records flow through bounded stages:
//
//	Submit -> ingest -> shard by customer -> evaluate workers
//	       -> broadcast -> lane consumers
//	                    -> aggregation runtime -> escalation -> sinks
//
// Evaluation is sharded by customer so that one customer's assessments are
// produced by one worker. With a reorder grace each worker assesses in event
// time order; every assessment links to the latest one before it in event
// time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/route"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sink"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline: closed")

// Drop reasons recorded in metrics.TransactionsDropped.
const (
	dropInvalid     = "invalid"
	dropEnrich      = "enrich_error"
	dropEvaluate    = "evaluate_error"
	dropDuplicate   = "duplicate"
	dropQueueClosed = "closed"
)

const sinkDrainTimeout = 10 * time.Second

var tracer = otel.Tracer("kestrel-pipeline")

// Assessed is one completed evaluation as seen by observers.
type Assessed struct {
	Transaction *domain.Transaction
	Assessment  *domain.RiskAssessment
	Lane        domain.Lane
	Outcome     decision.Outcome
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithAssessmentObserver registers a callback invoked after each assessment
// is decided and persisted. It runs on evaluation workers.
func WithAssessmentObserver(fn func(Assessed)) Option {
	return func(p *Pipeline) { p.onAssessed = fn }
}

// WithDetectionObserver registers a callback invoked after each detection is
// escalated.
func WithDetectionObserver(fn func(domain.Detection)) Option {
	return func(p *Pipeline) { p.onDetected = fn }
}

// Pipeline is the streaming risk-scoring topology.
type Pipeline struct {
	engine    *rules.Engine
	enricher  *enrich.Enricher
	router    *route.Router
	decider   *decision.Processor
	extractor *FactorExtractor
	history   *History
	store     domain.AssessmentStore
	runtime   *aggregate.Runtime
	sinks     *sink.Dispatcher

	reorderGrace time.Duration

	ingest     chan *domain.Transaction
	shards     []chan *domain.Transaction
	evaluated  chan Assessed
	lanes      map[domain.Lane]chan Assessed
	detections chan domain.Detection

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	now        func() time.Time
	onAssessed func(Assessed)
	onDetected func(domain.Detection)
	logger     *slog.Logger
}

// New assembles a pipeline from configuration. store and c may be nil, in
// which case assessments are not persisted or history is not cached.
func New(cfg *domain.Config, engine *rules.Engine, store domain.AssessmentStore, c domain.Cache, sinks *sink.Dispatcher, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("pipeline: rule engine is required")
	}
	if sinks == nil {
		return nil, fmt.Errorf("pipeline: sink dispatcher is required")
	}

	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.Pipeline.QueueSize
	if size < 1 {
		size = 1024
	}

	var rates domain.RateProvider = enrich.NewStaticRates(cfg.Enrichment.BaseCurrency, cfg.Enrichment.ExchangeRates)
	if c != nil {
		rates = enrich.NewCachedRates(rates, c, cfg.Enrichment.RateCacheTTL)
	}

	p := &Pipeline{
		engine:       engine,
		router:       route.New(cfg.Routing),
		decider:      decision.NewProcessor(cfg.Enrichment.HighRiskCountries),
		extractor:    NewFactorExtractor(cfg.Enrichment.HighRiskCountries),
		history:      NewHistory(c, store, cfg.Cache.HistoryTTL),
		store:        store,
		sinks:        sinks,
		reorderGrace: cfg.Pipeline.ReorderGrace,
		ingest:       make(chan *domain.Transaction, size),
		shards:       make([]chan *domain.Transaction, workers),
		evaluated:    make(chan Assessed, size),
		lanes:        make(map[domain.Lane]chan Assessed),
		detections:   make(chan domain.Detection, size),
		done:         make(chan struct{}),
		now:          time.Now,
		logger:       slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.enricher = enrich.New(cfg.Enrichment, rates, enrich.WithClock(p.now))
	for i := range p.shards {
		p.shards[i] = make(chan *domain.Transaction, size/workers+1)
	}
	for _, lane := range route.Lanes() {
		p.lanes[lane] = make(chan Assessed, size)
	}
	p.runtime = aggregate.NewRuntime(cfg.Aggregation, aggregate.DetectorsFromConfig(cfg.Aggregation), p.emitDetection)

	return p, nil
}

// Submit validates tx and queues it for evaluation. Invalid records are
// logged, counted and rejected with domain.ErrInvalidTransaction; they never
// enter the topology. Submit blocks while the ingest queue is full.
func (p *Pipeline) Submit(ctx context.Context, tx *domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		id := ""
		if tx != nil {
			id = tx.ID
		}
		p.logger.Warn("skipping malformed transaction", "transaction_id", id, "error", err)
		metrics.TransactionsDropped.WithLabelValues(dropInvalid).Inc()
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.TransactionsDropped.WithLabelValues(dropQueueClosed).Inc()
		return ErrClosed
	}

	select {
	case p.ingest <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts every stage and blocks until the pipeline has drained. It
// returns after Close is called or ctx is done; in both cases queued records
// are still processed, open windows are flushed and sinks are drained.
func (p *Pipeline) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	p.sinks.Start(work)

	var g errgroup.Group

	g.Go(func() error {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
		return nil
	})

	g.Go(func() error {
		p.shard()
		return nil
	})

	var workers sync.WaitGroup
	for i, in := range p.shards {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			p.evaluateLoop(work, i, in)
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(p.evaluated)
		return nil
	})

	g.Go(func() error {
		p.broadcast(work)
		return nil
	})
	for lane, in := range p.lanes {
		g.Go(func() error {
			p.laneLoop(lane, in)
			return nil
		})
	}

	g.Go(func() error {
		defer close(p.detections)
		return p.runtime.Run(work)
	})
	g.Go(func() error {
		p.escalateLoop(work)
		return nil
	})

	p.logger.Info("pipeline started", "workers", len(p.shards), "partitions", p.runtime.Partitions())
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(work, sinkDrainTimeout)
	defer cancel()
	if cerr := p.sinks.Close(drainCtx); cerr != nil {
		p.logger.Warn("sink drain incomplete", "error", cerr)
	}

	p.logger.Info("pipeline stopped")
	return err
}

// Close stops accepting records. Run returns once everything queued has been
// processed. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ingest)
		p.mu.Unlock()
		close(p.done)
	})
}

// Engine returns the rule engine in use.
func (p *Pipeline) Engine() *rules.Engine { return p.engine }

// shard distributes records across evaluation workers by customer.
func (p *Pipeline) shard() {
	defer func() {
		for _, s := range p.shards {
			close(s)
		}
	}()
	for tx := range p.ingest {
		p.shards[shardFor(tx.CustomerID, len(p.shards))] <- tx
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (p *Pipeline) evaluateLoop(ctx context.Context, id int, in <-chan *domain.Transaction) {
	defer p.logger.Debug("evaluation worker stopped", "worker", id)

	if p.reorderGrace <= 0 {
		for tx := range in {
			p.evaluate(ctx, tx)
		}
		return
	}

	buf := newReorderBuffer(p.reorderGrace)
	interval := p.reorderGrace
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case tx, ok := <-in:
			if !ok {
				for _, held := range buf.drain() {
					p.evaluate(ctx, held)
				}
				return
			}
			buf.push(tx, p.now())
			for _, next := range buf.ready() {
				p.evaluate(ctx, next)
			}
		case <-ticker.C:
			for _, held := range buf.idle(p.now()) {
				p.evaluate(ctx, held)
			}
		}
	}
}

func (p *Pipeline) evaluate(ctx context.Context, tx *domain.Transaction) {
	if res, ok := p.process(ctx, tx); ok {
		p.evaluated <- res
	}
}

// finalized reports whether the record's assessment already reached a
// terminal status, as happens when a record is delivered twice.
func (p *Pipeline) finalized(ctx context.Context, id string) bool {
	if p.store == nil {
		return false
	}
	stored, err := p.store.GetAssessment(ctx, id)
	if err != nil {
		return false
	}
	return stored.Status.Terminal()
}

// process enriches, scores, decides and persists one record.
func (p *Pipeline) process(ctx context.Context, raw *domain.Transaction) (Assessed, bool) {
	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("transaction.id", raw.ID),
			attribute.String("customer.id", raw.CustomerID),
		),
	)
	defer span.End()

	id := domain.DeterministicID("assessment", raw.ID)
	if p.finalized(ctx, id) {
		p.logger.Debug("skipping transaction, assessment already final", "transaction_id", raw.ID, "assessment_id", id)
		metrics.TransactionsDropped.WithLabelValues(dropDuplicate).Inc()
		span.SetAttributes(attribute.Bool("duplicate", true))
		return Assessed{}, false
	}

	tx, err := p.enricher.Enrich(ctx, raw)
	if err != nil {
		p.logger.Warn("skipping transaction, enrichment failed", "transaction_id", raw.ID, "error", err)
		metrics.TransactionsDropped.WithLabelValues(dropEnrich).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrichment failed")
		return Assessed{}, false
	}

	previous, err := p.history.Previous(ctx, tx.CustomerID, tx.EventTime().UTC(), id)
	if err != nil {
		p.logger.Warn("previous assessment unavailable", "customer_id", tx.CustomerID, "error", err)
	}

	a := p.newAssessment(id, tx, previous)
	factors := p.extractor.ExtractFactors(tx, previous)
	facts := rules.FactsFor(tx)
	facts.ForceFull = previous != nil && previous.Level.AtLeast(domain.RiskHigh)

	if _, err := p.engine.Evaluate(ctx, a, factors, facts); err != nil {
		p.logger.Error("skipping transaction, evaluation failed", "transaction_id", tx.ID, "error", err)
		metrics.TransactionsDropped.WithLabelValues(dropEvaluate).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return Assessed{}, false
	}
	_ = a.Transition(domain.StatusCompleted)
	a.UpdatedAt = p.now().UTC()

	outcome, err := p.decider.Decide(a, tx)
	if err != nil {
		p.logger.Error("decision failed", "assessment_id", a.ID, "error", err)
	}
	if outcome.Alert != nil {
		_ = p.sinks.Alert(*outcome.Alert)
	}

	if p.store != nil {
		if err := p.store.SaveAssessment(ctx, a); err != nil {
			p.logger.Error("failed to persist assessment", "assessment_id", a.ID, "error", err)
		}
	}
	if err := p.history.Remember(ctx, a); err != nil {
		p.logger.Warn("failed to cache assessment", "assessment_id", a.ID, "error", err)
	}

	lane := p.router.Route(tx)
	span.SetAttributes(
		attribute.String("risk.level", string(a.Level)),
		attribute.String("lane", string(lane)),
		attribute.String("decision", string(outcome.Action)),
	)

	res := Assessed{Transaction: tx, Assessment: a, Lane: lane, Outcome: outcome}
	if p.onAssessed != nil {
		p.onAssessed(res)
	}
	return res, true
}

func (p *Pipeline) newAssessment(id string, tx *domain.Transaction, previous *domain.RiskAssessment) *domain.RiskAssessment {
	a := domain.NewAssessment(id, tx.CustomerID, domain.EntityCustomer, p.now().UTC())
	a.TransactionID = tx.ID
	a.AssessedAt = tx.EventTime().UTC()
	if previous != nil {
		a.Type = domain.AssessmentEventTriggered
		a.PreviousAssessmentID = previous.ID
		a.PreviousLevel = previous.Level
	}
	_ = a.Transition(domain.StatusInProgress)
	return a
}

// broadcast fans each evaluated record out to its lane and to aggregation.
func (p *Pipeline) broadcast(ctx context.Context) {
	defer func() {
		for _, ch := range p.lanes {
			close(ch)
		}
		p.runtime.Close()
	}()
	for res := range p.evaluated {
		p.lanes[res.Lane] <- res
		if err := p.runtime.Submit(ctx, aggregate.EventFor(res.Transaction)); err != nil {
			p.logger.Warn("aggregation rejected event", "transaction_id", res.Transaction.ID, "error", err)
		}
	}
}

func (p *Pipeline) laneLoop(lane domain.Lane, in <-chan Assessed) {
	counter := metrics.LaneAssignments.WithLabelValues(string(lane))
	for res := range in {
		counter.Inc()
		if alert := p.decider.LaneAlert(lane, res.Assessment, res.Transaction); alert != nil {
			_ = p.sinks.Alert(*alert)
		}
	}
}

// emitDetection is called from aggregation partitions.
func (p *Pipeline) emitDetection(d domain.Detection) {
	p.detections <- d
}

func (p *Pipeline) escalateLoop(ctx context.Context) {
	for d := range p.detections {
		esc, err := p.decider.Escalate(d)
		if err != nil {
			p.logger.Error("escalation failed", "detection_id", d.ID, "pattern", d.Pattern, "error", err)
			continue
		}

		if p.store != nil {
			if err := p.store.SaveDetection(ctx, &d); err != nil {
				p.logger.Error("failed to persist detection", "detection_id", d.ID, "error", err)
			}
		}

		_ = p.sinks.Alert(esc.Alert)
		if esc.Investigation != nil {
			_ = p.sinks.Investigation(*esc.Investigation)
		}
		if esc.Case != nil {
			_ = p.sinks.Case(*esc.Case)
		}

		p.logger.Info("pattern detected",
			"detection_id", d.ID,
			"pattern", d.Pattern,
			"customer_id", d.Key,
			"count", d.Count,
			"total_amount", d.TotalAmount,
		)
		if p.onDetected != nil {
			p.onDetected(d)
		}
	}
}
