package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	txs []domain.Transaction
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, tx *domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.txs = append(f.txs, *tx)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func publishTx(t *testing.T, eb domain.EventBus, msg TransactionMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := eb.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func validTx(id string) domain.Transaction {
	return domain.Transaction{
		ID:         id,
		CustomerID: "cust-001",
		Amount:     500,
		Currency:   "USD",
		Type:       domain.TxPayment,
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeSubmitter{})
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("expected default topic, got %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if got := w.GetStats().SubscriptionCount; got != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", got)
		}
	})

	t.Run("SubmitsDecodedTransactions", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		sub := &fakeSubmitter{}
		w := NewWorker(eventBus, sub)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		tx := validTx("tx-001")
		tx.Counterparty = &domain.Counterparty{Account: "ACC-1", Country: "DE"}
		publishTx(t, eventBus, TransactionMessage{Transaction: tx, Source: "core-banking"})

		waitFor(t, func() bool { return sub.count() == 1 })

		got := sub.txs[0]
		if got.ID != "tx-001" || got.CustomerID != "cust-001" {
			t.Errorf("unexpected transaction: %+v", got)
		}
		if got.CounterpartyCountry() != "DE" {
			t.Errorf("expected counterparty country DE, got %q", got.CounterpartyCountry())
		}
		if w.GetStats().Submitted != 1 {
			t.Errorf("expected 1 submitted, got %d", w.GetStats().Submitted)
		}
	})

	t.Run("SkipsMalformed", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		sub := &fakeSubmitter{}
		w := NewWorker(eventBus, sub)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(context.Background(), domain.TopicTransactionIngested, []byte("{not json")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		invalid := validTx("tx-bad")
		invalid.Amount = 0
		publishTx(t, eventBus, TransactionMessage{Transaction: invalid})
		publishTx(t, eventBus, TransactionMessage{Transaction: validTx("tx-good")})

		waitFor(t, func() bool { return w.GetStats().Skipped == 2 && sub.count() == 1 })
		if sub.txs[0].ID != "tx-good" {
			t.Errorf("expected tx-good to pass, got %s", sub.txs[0].ID)
		}
	})

	t.Run("SubmitFailure", func(t *testing.T) {
		sub := &fakeSubmitter{err: errors.New("pipeline closed")}
		w := NewWorker(bus.NewChannelBus(10), sub)

		payload, _ := json.Marshal(TransactionMessage{Transaction: validTx("tx-1")})
		err := w.handleMessage(context.Background(), &domain.Message{ID: "m-1", Payload: payload})
		if err == nil {
			t.Fatal("expected submit error to be returned")
		}
		if w.GetStats().Skipped != 1 {
			t.Errorf("expected 1 skipped, got %d", w.GetStats().Skipped)
		}
	})

	t.Run("MultipleTopics", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeSubmitter{})
		topics := []string{"kestrel.transaction.ingested", "kestrel.transaction.replayed"}
		if err := w.Start(Config{Topics: topics}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if got := w.GetStats().SubscriptionCount; got != 2 {
			t.Errorf("expected 2 subscriptions, got %d", got)
		}
	})
}

func TestWorkerHighVolume(t *testing.T) {
	eventBus := bus.NewChannelBus(1000)
	defer eventBus.Close()

	sub := &fakeSubmitter{}
	w := NewWorker(eventBus, sub)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	const n = 500
	for i := 0; i < n; i++ {
		publishTx(t, eventBus, TransactionMessage{Transaction: validTx(fmt.Sprintf("tx-%03d", i))})
	}
	waitFor(t, func() bool { return sub.count() == n })
}

func TestPublisher(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	sub := &fakeSubmitter{}
	w := NewWorker(eventBus, sub)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	p := NewPublisher(eventBus)

	invalid := validTx("tx-bad")
	invalid.Currency = ""
	if err := p.Submit(context.Background(), &invalid); !errors.Is(err, domain.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}

	tx := validTx("tx-pub")
	if err := p.Submit(context.Background(), &tx); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, func() bool { return sub.count() == 1 })
}
