// Package worker feeds transactions published on the event bus into the
// pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// SourceBus labels records ingested from the event bus.
const SourceBus = "bus"

// Submitter accepts transactions for evaluation.
type Submitter interface {
	Submit(ctx context.Context, tx *domain.Transaction) error
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume. Defaults to the transaction-ingested topic.
	Topics []string
}

// Worker subscribes to the bus and submits every decoded transaction.
// Malformed payloads are logged and skipped; they never stop the stream.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	submitted atomic.Int64
	skipped   atomic.Int64

	logger *slog.Logger
}

// NewWorker creates a new bus worker.
func NewWorker(bus domain.EventBus, submitter Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		submitter: submitter,
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default().With("component", "worker"),
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicTransactionIngested}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
		w.logger.Info("worker subscribed", "topic", topic)
	}
	return nil
}

// TransactionMessage is the bus payload of one inbound transaction.
// The transaction fields are inlined; Source optionally names the producer.
type TransactionMessage struct {
	domain.Transaction
	Source string `json:"source,omitempty"`
}

// handleMessage decodes and submits one transaction.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		w.skipped.Add(1)
		metrics.TransactionsDropped.WithLabelValues("decode_error").Inc()
		w.logger.Warn("skipping undecodable transaction message",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return nil
	}

	tx := txMsg.Transaction
	if err := w.submitter.Submit(ctx, &tx); err != nil {
		w.skipped.Add(1)
		if errors.Is(err, domain.ErrInvalidTransaction) {
			// Already logged and counted by the pipeline.
			return nil
		}
		w.logger.Error("failed to submit transaction",
			"message_id", msg.ID,
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	w.submitted.Add(1)
	source := txMsg.Source
	if source == "" {
		source = SourceBus
	}
	metrics.TransactionsIngested.WithLabelValues(source).Inc()
	w.logger.Debug("transaction submitted",
		"message_id", msg.ID,
		"tx_id", tx.ID,
		"customer_id", tx.CustomerID,
	)
	return nil
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped",
		"submitted", w.submitted.Load(),
		"skipped", w.skipped.Load(),
	)
	return errors.Join(errs...)
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Submitted         int64    `json:"submitted"`
	Skipped           int64    `json:"skipped"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Submitted:         w.submitted.Load(),
		Skipped:           w.skipped.Load(),
	}
}

// Publisher is a Submitter that validates a transaction and publishes it on
// the bus instead of evaluating it in-process. Instances running a Worker
// pick it up from there.
type Publisher struct {
	bus   domain.EventBus
	topic string
}

// NewPublisher creates a publisher for the transaction-ingested topic.
func NewPublisher(bus domain.EventBus) *Publisher {
	return &Publisher{bus: bus, topic: domain.TopicTransactionIngested}
}

// Submit publishes tx. Invalid records are rejected before publishing.
func (p *Publisher) Submit(ctx context.Context, tx *domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(TransactionMessage{Transaction: *tx})
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	return p.bus.Publish(ctx, p.topic, payload)
}
