package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu             sync.Mutex
	alerts         []domain.Alert
	investigations []domain.InvestigationRequest
	cases          []domain.ComplianceCaseRequest
}

func (r *recorder) SendAlert(_ context.Context, a *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *a)
	return nil
}

func (r *recorder) RequestInvestigation(_ context.Context, req *domain.InvestigationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.investigations = append(r.investigations, *req)
	return nil
}

func (r *recorder) CreateCase(_ context.Context, req *domain.ComplianceCaseRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases = append(r.cases, *req)
	return nil
}

func (r *recorder) alertTypes() []domain.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

type harness struct {
	p    *Pipeline
	rec  *recorder
	repo *repository.SQLRepository

	mu          sync.Mutex
	assessments []Assessed
	detections  []domain.Detection
}

func newHarness(t *testing.T, configure ...func(*domain.Config)) *harness {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Aggregation.WatermarkInterval = 0
	cfg.Aggregation.Partitions = 4
	for _, fn := range configure {
		fn(cfg)
	}

	engine, err := rules.NewEngine(rules.OptionsFromConfig(cfg.Engine))
	require.NoError(t, err)
	_, err = engine.Load(rules.BuiltinVersion, rules.BuiltinRules())
	require.NoError(t, err)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	h := &harness{rec: &recorder{}, repo: repo}
	dispatcher := sink.NewDispatcher(cfg.Sinks, sink.Sinks{
		Alerts:         h.rec,
		Investigations: h.rec,
		Cases:          h.rec,
	})

	h.p, err = New(cfg, engine, repo, cache.NewLRUCache(1000), dispatcher,
		WithClock(func() time.Time { return base }),
		WithAssessmentObserver(func(a Assessed) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.assessments = append(h.assessments, a)
		}),
		WithDetectionObserver(func(d domain.Detection) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.detections = append(h.detections, d)
		}),
	)
	require.NoError(t, err)
	return h
}

// replay submits every record, closes the pipeline and waits for the drain.
func (h *harness) replay(t *testing.T, txs []*domain.Transaction) {
	t.Helper()

	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(context.Background()) }()

	for _, tx := range txs {
		require.NoError(t, h.p.Submit(context.Background(), tx))
	}
	h.p.Close()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not drain")
	}
}

func (h *harness) assessmentFor(txID string) *domain.RiskAssessment {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.assessments {
		if a.Transaction.ID == txID {
			return a.Assessment
		}
	}
	return nil
}

func transfer(id, customer string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		CustomerID: customer,
		Amount:     amount,
		Currency:   "USD",
		Type:       domain.TxTransfer,
		OccurredAt: at,
	}
}

func TestPipelineStructuringEndToEnd(t *testing.T) {
	h := newHarness(t)

	h.replay(t, []*domain.Transaction{
		transfer("t1", "cust-1", 9999, base),
		transfer("t2", "cust-1", 9999, base.Add(4*time.Minute)),
		transfer("t3", "cust-1", 9999, base.Add(8*time.Minute)),
		transfer("other", "cust-2", 120, base.Add(time.Minute)),
	})

	require.Len(t, h.assessments, 4)
	require.Len(t, h.detections, 1)

	d := h.detections[0]
	assert.Equal(t, domain.PatternStructuring, d.Pattern)
	assert.Equal(t, "cust-1", d.Key)
	assert.Equal(t, []string{"t1", "t2", "t3"}, d.TransactionIDs)
	assert.Equal(t, base.Add(10*time.Minute), d.DetectedAt)

	assert.Contains(t, h.rec.alertTypes(), domain.AlertStructuringPattern)
	require.Len(t, h.rec.investigations, 1)
	require.Len(t, h.rec.cases, 1)
	assert.Equal(t, "STRUCTURING_PATTERN", h.rec.cases[0].CaseType)
	assert.Equal(t, []string{"t1", "t2", "t3"}, h.rec.cases[0].RelatedTransactionIDs)

	stored, err := h.repo.ListDetections(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, d.ID, stored[0].ID)
}

func TestPipelinePersistsAndChainsHistory(t *testing.T) {
	h := newHarness(t)

	h.replay(t, []*domain.Transaction{
		transfer("a1", "cust-1", 100, base),
		transfer("a2", "cust-1", 200, base.Add(time.Minute)),
	})

	first := h.assessmentFor("a1")
	second := h.assessmentFor("a2")
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Equal(t, domain.DeterministicID("assessment", "a1"), first.ID)
	assert.Empty(t, first.PreviousAssessmentID)
	assert.Equal(t, first.ID, second.PreviousAssessmentID)
	assert.Equal(t, domain.AssessmentEventTriggered, second.Type)

	ctx := context.Background()
	got, err := h.repo.GetAssessment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, "cust-1", got.EntityID)
	assert.Equal(t, "a1", got.TransactionID)

	latest, err := h.repo.LatestAssessment(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestPipelineDecisions(t *testing.T) {
	h := newHarness(t)

	screened := transfer("flagged", "cust-pep", 100, base)
	screened.Screening = domain.Screening{PEP: true, Sanctioned: true}
	follow := transfer("follow", "cust-pep", 100, base.Add(time.Minute))

	h.replay(t, []*domain.Transaction{
		screened,
		follow,
		transfer("clean", "cust-clean", 50, base),
	})

	flagged := h.assessmentFor("flagged")
	require.NotNil(t, flagged)
	assert.Equal(t, domain.ModeQuick, flagged.Mode)
	assert.InDelta(t, 0.7, flagged.Score, 1e-9)
	assert.Equal(t, domain.RiskHigh, flagged.Level)
	assert.Equal(t, domain.StatusManualReviewRequired, flagged.Status)
	assert.Contains(t, h.rec.alertTypes(), domain.AlertManualReviewRequired)

	// A previous HIGH assessment forces the full path and adds history.
	next := h.assessmentFor("follow")
	require.NotNil(t, next)
	assert.Equal(t, domain.ModeFull, next.Mode)
	assert.Equal(t, domain.RiskHigh, next.PreviousLevel)
	var types []domain.FactorType
	for _, f := range next.Factors {
		types = append(types, f.Type)
	}
	assert.Contains(t, types, domain.FactorHistoricalRisk)

	clean := h.assessmentFor("clean")
	require.NotNil(t, clean)
	assert.Equal(t, domain.RiskVeryLow, clean.Level)
	assert.Equal(t, domain.StatusApproved, clean.Status)
}

func TestPipelineLaneAlerts(t *testing.T) {
	h := newHarness(t)

	big := transfer("big", "cust-1", 75000, base)
	risky := transfer("risky", "cust-2", 300, base)
	risky.Counterparty = &domain.Counterparty{Account: "ACC-9", Country: "KP"}

	h.replay(t, []*domain.Transaction{big, risky})

	h.mu.Lock()
	lanes := map[string]domain.Lane{}
	for _, a := range h.assessments {
		lanes[a.Transaction.ID] = a.Lane
	}
	h.mu.Unlock()

	assert.Equal(t, domain.LaneHighValue, lanes["big"])
	assert.Equal(t, domain.LaneCrossBorder, lanes["risky"])

	types := h.rec.alertTypes()
	assert.Contains(t, types, domain.AlertHighValueTransaction)
	assert.Contains(t, types, domain.AlertHighRiskCrossBorder)
}

func TestPipelineSkipsMalformed(t *testing.T) {
	h := newHarness(t)

	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(context.Background()) }()

	err := h.p.Submit(context.Background(), &domain.Transaction{ID: "bad", Amount: -1})
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	err = h.p.Submit(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)

	require.NoError(t, h.p.Submit(context.Background(), transfer("good", "cust-1", 10, base)))
	h.p.Close()
	require.NoError(t, <-errc)

	assert.Len(t, h.assessments, 1)
	assert.ErrorIs(t, h.p.Submit(context.Background(), transfer("late", "cust-1", 10, base)), ErrClosed)
}

func TestPipelineContextCancelDrains(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(ctx) }()

	require.NoError(t, h.p.Submit(context.Background(), transfer("x1", "cust-1", 10, base)))
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
	assert.Len(t, h.assessments, 1)
}

func TestPipelineOutlivesDetachedContext(t *testing.T) {
	h := newHarness(t)

	signal, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(context.WithoutCancel(signal)) }()

	stop()
	// Intake is still draining after the signal; the record must be taken.
	require.NoError(t, h.p.Submit(context.Background(), transfer("inflight", "cust-1", 10, base)))

	select {
	case <-errc:
		t.Fatal("pipeline stopped before Close")
	case <-time.After(50 * time.Millisecond):
	}

	h.p.Close()
	require.NoError(t, <-errc)
	assert.NotNil(t, h.assessmentFor("inflight"))
}

func TestPipelineDeterministicAcrossArrivalOrder(t *testing.T) {
	scenario := func() []*domain.Transaction {
		var txs []*domain.Transaction
		for _, c := range []string{"cust-a", "cust-b", "cust-c"} {
			for i := 0; i < 3; i++ {
				txs = append(txs, transfer(c+"-"+string(rune('0'+i)), c, 9500, base.Add(time.Duration(i)*2*time.Minute)))
			}
		}
		return txs
	}

	summarize := func(h *harness) ([]string, []string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		var as, ds []string
		for _, a := range h.assessments {
			as = append(as, a.Assessment.ID+":"+string(a.Assessment.Level)+":"+a.Assessment.PreviousAssessmentID)
		}
		for _, d := range h.detections {
			ds = append(ds, d.ID)
		}
		sort.Strings(as)
		sort.Strings(ds)
		return as, ds
	}

	in := scenario()
	h1 := newHarness(t)
	h1.replay(t, in)

	// Interleave customers differently while keeping each customer's order.
	reordered := make([]*domain.Transaction, 0, len(in))
	for i := 2; i >= 0; i-- {
		reordered = append(reordered, in[i*3:i*3+3]...)
	}
	h2 := newHarness(t)
	h2.replay(t, reordered)

	as1, ds1 := summarize(h1)
	as2, ds2 := summarize(h2)
	assert.Equal(t, as1, as2)
	assert.Equal(t, ds1, ds2)
	assert.Len(t, ds1, 3)
}

// summary renders assessments and detections in a form that is independent of
// completion order.
func (h *harness) summary() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var as, ds []string
	for _, a := range h.assessments {
		x := a.Assessment
		as = append(as, fmt.Sprintf("%s:%s:%s:%s:%.4f", x.ID, x.Level, x.Mode, x.PreviousAssessmentID, x.Score))
	}
	for _, d := range h.detections {
		ds = append(ds, d.ID)
	}
	sort.Strings(as)
	sort.Strings(ds)
	return as, ds
}

func TestPipelineReorderWithinCustomer(t *testing.T) {
	screened := transfer("s0", "cust-1", 100, base)
	screened.Screening = domain.Screening{PEP: true, Sanctioned: true}
	in := []*domain.Transaction{
		screened,
		transfer("s1", "cust-1", 100, base.Add(30*time.Second)),
		transfer("s2", "cust-1", 9999, base.Add(7*time.Minute)),
		transfer("s3", "cust-1", 9999, base.Add(11*time.Minute)),
		transfer("s4", "cust-1", 9999, base.Add(15*time.Minute)),
		transfer("n0", "cust-2", 40, base.Add(2*time.Minute)),
	}
	withGrace := func(cfg *domain.Config) { cfg.Pipeline.ReorderGrace = 20 * time.Minute }

	h := newHarness(t, withGrace)
	h.replay(t, in)
	wantAs, wantDs := h.summary()
	require.Len(t, wantAs, len(in))
	require.Len(t, wantDs, 1)

	follow := h.assessmentFor("s1")
	require.NotNil(t, follow)
	assert.Equal(t, domain.DeterministicID("assessment", "s0"), follow.PreviousAssessmentID)
	assert.Equal(t, domain.ModeFull, follow.Mode)

	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 4; round++ {
		shuffled := make([]*domain.Transaction, len(in))
		copy(shuffled, in)
		if round == 0 {
			for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}
		} else {
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		}

		h := newHarness(t, withGrace)
		h.replay(t, shuffled)
		gotAs, gotDs := h.summary()
		assert.Equal(t, wantAs, gotAs, "round %d", round)
		assert.Equal(t, wantDs, gotDs, "round %d", round)
	}
}

func TestPipelineHistoryFollowsEventTime(t *testing.T) {
	h := newHarness(t)

	screened := transfer("e1", "cust-1", 100, base)
	screened.Screening = domain.Screening{PEP: true, Sanctioned: true}

	// e2 arrives before the earlier e1.
	h.replay(t, []*domain.Transaction{
		transfer("e2", "cust-1", 100, base.Add(30*time.Second)),
		screened,
		transfer("e3", "cust-1", 100, base.Add(time.Minute)),
	})

	early := h.assessmentFor("e1")
	require.NotNil(t, early)
	assert.Empty(t, early.PreviousAssessmentID, "a later assessment is never a predecessor")
	assert.Equal(t, domain.RiskHigh, early.Level)

	last := h.assessmentFor("e3")
	require.NotNil(t, last)
	assert.Equal(t, domain.DeterministicID("assessment", "e2"), last.PreviousAssessmentID)

	latest, err := h.repo.LatestAssessment(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
}

func TestPipelineRedeliveryKeepsFinalAssessment(t *testing.T) {
	h := newHarness(t)

	screened := transfer("d1", "cust-1", 100, base)
	screened.Screening = domain.Screening{PEP: true}
	review := transfer("r1", "cust-2", 100, base)
	review.Screening = domain.Screening{PEP: true, Sanctioned: true}
	again := *screened
	reviewAgain := *review

	h.replay(t, []*domain.Transaction{screened, review, &again, &reviewAgain})

	h.mu.Lock()
	counts := map[string]int{}
	for _, a := range h.assessments {
		counts[a.Transaction.ID]++
		assert.Empty(t, a.Assessment.PreviousAssessmentID, "assessment %s", a.Assessment.ID)
	}
	h.mu.Unlock()
	assert.Equal(t, 1, counts["d1"], "an approved assessment is not evaluated again")
	assert.Equal(t, 2, counts["r1"], "a manual review is still open")

	ctx := context.Background()
	stored, err := h.repo.GetAssessment(ctx, domain.DeterministicID("assessment", "d1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	assert.Equal(t, domain.RiskLow, stored.Level)
	assert.Empty(t, stored.PreviousAssessmentID)

	stored, err = h.repo.GetAssessment(ctx, domain.DeterministicID("assessment", "r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManualReviewRequired, stored.Status)
	assert.Empty(t, stored.PreviousAssessmentID)
}

func TestReorderBuffer(t *testing.T) {
	b := newReorderBuffer(time.Minute)
	now := base

	b.push(transfer("b", "c", 1, base.Add(30*time.Second)), now)
	b.push(transfer("a", "c", 1, base), now)
	assert.Empty(t, b.ready())

	b.push(transfer("c", "c", 1, base.Add(90*time.Second)), now)
	ids := func(txs []*domain.Transaction) []string {
		out := make([]string, len(txs))
		for i, tx := range txs {
			out[i] = tx.ID
		}
		return out
	}
	assert.Equal(t, []string{"a"}, ids(b.ready()))

	assert.Empty(t, b.idle(now.Add(30*time.Second)))
	assert.Equal(t, []string{"b", "c"}, ids(b.idle(now.Add(time.Minute))))
	assert.Zero(t, b.Len())
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg := domain.DefaultConfig()
	engine, err := rules.NewEngine(rules.DefaultOptions())
	require.NoError(t, err)
	d := sink.NewDispatcher(cfg.Sinks, sink.Sinks{})

	_, err = New(nil, engine, nil, nil, d)
	assert.Error(t, err)
	_, err = New(cfg, nil, nil, nil, d)
	assert.Error(t, err)
	_, err = New(cfg, engine, nil, nil, nil)
	assert.Error(t, err)

	p, err := New(cfg, engine, nil, nil, d)
	require.NoError(t, err)
	assert.Same(t, engine, p.Engine())
}

func TestExtractFactors(t *testing.T) {
	x := NewFactorExtractor([]string{"kp", "IR"})

	typesOf := func(fs []domain.RiskFactor) map[domain.FactorType]domain.RiskFactor {
		out := make(map[domain.FactorType]domain.RiskFactor, len(fs))
		for _, f := range fs {
			out[f.Type] = f
		}
		return out
	}

	t.Run("amount always present", func(t *testing.T) {
		tx := transfer("t", "c", 250, base)
		tx.ChannelClass = domain.ChannelWeb
		fs := x.ExtractFactors(tx, nil)
		require.Len(t, fs, 1)
		assert.Equal(t, domain.FactorTransactionAmount, fs[0].Type)
		assert.Equal(t, 250.0, fs[0].Value.Number)
		assert.Zero(t, fs[0].Score)
	})

	t.Run("converted amount preferred", func(t *testing.T) {
		tx := transfer("t", "c", 100, base)
		tx.ConvertedAmount = 108
		fs := x.ExtractFactors(tx, nil)
		assert.Equal(t, 108.0, fs[0].Value.Number)
	})

	t.Run("screening flags", func(t *testing.T) {
		tx := transfer("t", "c", 10, base)
		tx.Screening = domain.Screening{PEP: true, Sanctioned: true}
		got := typesOf(x.ExtractFactors(tx, nil))
		assert.True(t, got[domain.FactorPEPStatus].Value.Bool)
		assert.True(t, got[domain.FactorSanctionsStatus].Value.Bool)
	})

	t.Run("geography", func(t *testing.T) {
		tx := transfer("t", "c", 10, base)
		tx.International = true
		tx.Counterparty = &domain.Counterparty{Country: "KP"}
		geo := typesOf(x.ExtractFactors(tx, nil))[domain.FactorGeographicRisk]
		assert.Equal(t, domain.KindCountry, geo.Value.Kind)
		assert.Equal(t, "KP", geo.Value.Text)
		assert.Equal(t, 0.3, geo.Score)

		tx.Counterparty.Country = "DE"
		geo = typesOf(x.ExtractFactors(tx, nil))[domain.FactorGeographicRisk]
		assert.Equal(t, 0.1, geo.Score)

		tx.International = false
		_, ok := typesOf(x.ExtractFactors(tx, nil))[domain.FactorGeographicRisk]
		assert.False(t, ok)
	})

	t.Run("channel and type", func(t *testing.T) {
		tx := transfer("t", "c", 10, base)
		tx.Type = domain.TxWithdrawal
		tx.ChannelClass = domain.ChannelATM
		got := typesOf(x.ExtractFactors(tx, nil))
		assert.Contains(t, got, domain.FactorChannelRisk)
		assert.Contains(t, got, domain.FactorTransactionType)
	})

	t.Run("history", func(t *testing.T) {
		tx := transfer("t", "c", 10, base)

		prev := &domain.RiskAssessment{ID: "p", Level: domain.RiskLow}
		_, ok := typesOf(x.ExtractFactors(tx, prev))[domain.FactorHistoricalRisk]
		assert.False(t, ok)

		prev.Level = domain.RiskMedium
		prev.HeightenedMonitoring = true
		got := typesOf(x.ExtractFactors(tx, prev))
		assert.Zero(t, got[domain.FactorHistoricalRisk].Score)
		assert.Equal(t, 0.1, got[domain.FactorBehavioralPattern].Score)

		prev.Level = domain.RiskCritical
		got = typesOf(x.ExtractFactors(tx, prev))
		assert.Equal(t, 0.1, got[domain.FactorHistoricalRisk].Score)
		assert.Equal(t, "CRITICAL", got[domain.FactorHistoricalRisk].Value.Text)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	c := cache.NewLRUCache(100)
	h := NewHistory(c, repo, time.Hour)

	prev, err := h.Previous(ctx, "nobody", base, "")
	require.NoError(t, err)
	assert.Nil(t, prev)

	save := func(id string, at time.Time) *domain.RiskAssessment {
		a := domain.NewAssessment(id, "cust-1", domain.EntityCustomer, base)
		a.Level = domain.RiskHigh
		a.Status = domain.StatusCompleted
		a.AssessedAt = at
		require.NoError(t, repo.SaveAssessment(ctx, a))
		return a
	}
	first := save("a-1", base)
	second := save("a-2", base.Add(2*time.Minute))

	prev, err = h.Previous(ctx, "cust-1", base.Add(time.Minute), "a-x")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "a-1", prev.ID)

	// Nothing precedes the earliest assessment.
	prev, err = h.Previous(ctx, "cust-1", base, "a-x")
	require.NoError(t, err)
	assert.Nil(t, prev)

	// A cached later assessment is not a predecessor of an earlier record.
	require.NoError(t, h.Remember(ctx, second))
	prev, err = h.Previous(ctx, "cust-1", base.Add(time.Minute), "a-x")
	require.NoError(t, err)
	assert.Equal(t, "a-1", prev.ID)

	prev, err = h.Previous(ctx, "cust-1", base.Add(time.Hour), "a-x")
	require.NoError(t, err)
	assert.Equal(t, "a-2", prev.ID)

	// Remembering an older assessment keeps the later one cached.
	require.NoError(t, h.Remember(ctx, first))
	cached, ok := h.cached(ctx, "cust-1")
	require.True(t, ok)
	assert.Equal(t, "a-2", cached.ID)

	noBackends := NewHistory(nil, nil, 0)
	prev, err = noBackends.Previous(ctx, "cust-1", base, "")
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestHistoryNeverReturnsSelf(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	h := NewHistory(cache.NewLRUCache(100), repo, time.Hour)

	for i, id := range []string{"a-1", "a-2"} {
		a := domain.NewAssessment(id, "cust-1", domain.EntityCustomer, base)
		a.Level = domain.RiskLow
		a.Status = domain.StatusCompleted
		a.AssessedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.SaveAssessment(ctx, a))
		require.NoError(t, h.Remember(ctx, a))
	}

	// a-2 redelivered with a later event time finds its own row first.
	prev, err := h.Previous(ctx, "cust-1", base.Add(5*time.Minute), "a-2")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "a-1", prev.ID)

	prev, err = h.Previous(ctx, "cust-1", base.Add(5*time.Minute), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-2", prev.ID)
}

func TestDecisionOutcomeSurfaced(t *testing.T) {
	h := newHarness(t)
	h.replay(t, []*domain.Transaction{transfer("o1", "cust-1", 20, base)})

	require.Len(t, h.assessments, 1)
	assert.Equal(t, decision.ActionApprove, h.assessments[0].Outcome.Action)
	assert.Nil(t, h.assessments[0].Outcome.Alert)
}
