package aggregate

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func ev(id, key string, t time.Time, amount float64) Event {
	return Event{TxID: id, Key: key, Time: t, Amount: amount}
}

func TestEventFor(t *testing.T) {
	tx := &domain.Transaction{
		ID:              "tx-1",
		CustomerID:      "cust-1",
		Amount:          100,
		ConvertedAmount: 108,
		Type:            domain.TxTransfer,
		OccurredAt:      base,
		International:   true,
		Counterparty:    &domain.Counterparty{Document: "doc", Account: "acct-1"},
	}

	got := EventFor(tx)
	assert.Equal(t, "cust-1", got.Key)
	assert.Equal(t, 108.0, got.Amount)
	assert.True(t, got.International)
	assert.True(t, got.PeerToPeer)
	assert.Equal(t, "acct-1", got.Destination)

	tx.Counterparty = nil
	got = EventFor(tx)
	assert.False(t, got.PeerToPeer)
	assert.Empty(t, got.Destination)
}

func TestStructuring(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	assert.Empty(t, s.Observe(ev("t1", "c1", at(0), 9999)))
	assert.Empty(t, s.Observe(ev("t2", "c1", at(4*time.Minute), 9999)))
	assert.Empty(t, s.Observe(ev("t3", "c1", at(8*time.Minute), 9999)))

	dets := s.Advance(at(10*time.Minute + time.Millisecond))
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, domain.PatternStructuring, d.Pattern)
	assert.Equal(t, "c1", d.Key)
	assert.Equal(t, []string{"t1", "t2", "t3"}, d.TransactionIDs)
	assert.Equal(t, 3, d.Count)
	assert.InDelta(t, 29997.0, d.TotalAmount, 1e-9)
	assert.Equal(t, "t3", d.LastTransactionID())
	assert.Equal(t, at(10*time.Minute), d.DetectedAt)
	assert.Contains(t, d.Description, "9999.00")
	assert.Zero(t, s.Len())
}

func TestStructuringOnlyListsRepeatedBucket(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(0), 9500))
	s.Observe(ev("t2", "c1", at(time.Minute), 120))
	s.Observe(ev("t3", "c1", at(2*time.Minute), 9500))
	s.Observe(ev("t4", "c1", at(3*time.Minute), 9500.001))

	dets := s.Flush()
	require.Len(t, dets, 1)
	assert.Equal(t, []string{"t1", "t3", "t4"}, dets[0].TransactionIDs)
}

func TestStructuringBelowThreshold(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(0), 9999))
	s.Observe(ev("t2", "c1", at(time.Minute), 9999))
	// No ten minute span holds all three repeats.
	s.Observe(ev("t3", "c1", at(11*time.Minute), 9999))

	assert.Empty(t, s.Flush())
}

func TestDuplicateTransactionCountedOnce(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(0), 9999))
	s.Observe(ev("t1", "c1", at(0), 9999))
	s.Observe(ev("t2", "c1", at(time.Minute), 9999))

	assert.Equal(t, 2, s.Pending(domain.PatternStructuring, "c1"))
	assert.Empty(t, s.Flush())
}

func TestDestinationDiversity(t *testing.T) {
	run := func(accounts int) []domain.Detection {
		s := NewStore([]Detector{NewDestinationDiversity(domain.DetectorConfig{})})
		for i := 0; i < accounts; i++ {
			e := ev(fmt.Sprintf("t%02d", i), "c1", at(time.Duration(i)*4*time.Minute), 50)
			e.Destination = fmt.Sprintf("acct-%02d", i)
			s.Observe(e)
		}
		return s.Advance(at(time.Hour + 5*time.Minute + time.Millisecond))
	}

	t.Run("eleven distinct accounts fire", func(t *testing.T) {
		dets := run(11)
		require.Len(t, dets, 1)
		assert.Equal(t, domain.PatternDestinationDiversity, dets[0].Pattern)
		assert.Equal(t, 11, dets[0].DistinctDestinations)
		assert.Len(t, dets[0].TransactionIDs, 11)
	})

	t.Run("ten distinct accounts do not fire", func(t *testing.T) {
		assert.Empty(t, run(10))
	})

	t.Run("repeat accounts count once", func(t *testing.T) {
		s := NewStore([]Detector{NewDestinationDiversity(domain.DetectorConfig{})})
		for i := 0; i < 20; i++ {
			e := ev(fmt.Sprintf("t%02d", i), "c1", at(time.Duration(i)*time.Minute), 50)
			e.Destination = fmt.Sprintf("acct-%02d", i%5)
			s.Observe(e)
		}
		assert.Empty(t, s.Flush())
	})
}

func TestCrossBorderBurst(t *testing.T) {
	s := NewStore([]Detector{NewCrossBorderBurst(domain.DetectorConfig{})})

	domestic := ev("d1", "c1", at(0), 10)
	s.Observe(domestic)
	for i, offset := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		e := ev(fmt.Sprintf("x%d", i), "c1", at(offset), 700)
		e.International = true
		s.Observe(e)
	}

	dets := s.Flush()
	require.Len(t, dets, 1)
	assert.Equal(t, []string{"x0", "x1", "x2"}, dets[0].TransactionIDs)
}

func TestP2PVolume(t *testing.T) {
	s := NewStore([]Detector{NewP2PVolume(domain.DetectorConfig{})})

	for i, amount := range []float64{40000, 35000, 25000} {
		e := ev(fmt.Sprintf("p%d", i), "c1", at(time.Duration(i)*time.Minute), amount)
		e.PeerToPeer = true
		s.Observe(e)
	}
	nonP2P := ev("n1", "c1", at(time.Minute), 90000)
	s.Observe(nonP2P)

	dets := s.Flush()
	require.Len(t, dets, 1)
	assert.InDelta(t, 100000.0, dets[0].TotalAmount, 1e-9)
	assert.Equal(t, 3, dets[0].Count)

	s = NewStore([]Detector{NewP2PVolume(domain.DetectorConfig{})})
	e := ev("p1", "c1", at(0), 99999.99)
	e.PeerToPeer = true
	s.Observe(e)
	assert.Empty(t, s.Flush())
}

func TestEvictionStrictlyAfterGrace(t *testing.T) {
	s := NewStore([]Detector{NewCrossBorderBurst(domain.DetectorConfig{})})

	e := ev("x1", "c1", at(0), 10)
	e.International = true
	s.Observe(e)

	closeAt := at(6 * time.Minute)

	assert.Empty(t, s.Advance(closeAt))
	assert.Equal(t, 1, s.Pending(domain.PatternCrossBorderBurst, "c1"), "window must still be open at end+grace")

	s.Advance(closeAt.Add(time.Nanosecond))
	assert.Zero(t, s.Pending(domain.PatternCrossBorderBurst, "c1"))
	assert.Zero(t, s.Len())
}

func TestWatermarkNeverMovesBack(t *testing.T) {
	s := NewStore(DefaultDetectors())

	s.Advance(at(time.Hour))
	s.Advance(at(0))
	assert.Equal(t, at(time.Hour), s.Watermark())
}

func TestLateEventDropped(t *testing.T) {
	s := NewStore([]Detector{NewCrossBorderBurst(domain.DetectorConfig{})})

	inGrace := ev("x1", "c1", at(2*time.Minute), 10)
	inGrace.International = true
	behindClosed := ev("x2", "c1", at(3*time.Minute), 10)
	behindClosed.International = true
	expired := ev("x3", "c1", at(time.Minute), 10)
	expired.International = true

	s.Advance(at(5*time.Minute + 30*time.Second))
	s.Observe(inGrace)
	assert.Equal(t, 1, s.Pending(domain.PatternCrossBorderBurst, "c1"), "event within grace is accepted")

	// The window anchored at 10:02 closes at 10:08.
	s.Advance(at(9 * time.Minute))
	assert.Zero(t, s.Pending(domain.PatternCrossBorderBurst, "c1"))

	// 10:03 is still within its own grace but belongs to the closed window.
	s.Observe(behindClosed)
	assert.Equal(t, 1, s.Late(domain.PatternCrossBorderBurst))
	assert.Zero(t, s.Pending(domain.PatternCrossBorderBurst, "c1"), "late event must not reopen a closed window")

	s.Observe(expired)
	assert.Equal(t, 2, s.Late(domain.PatternCrossBorderBurst))
	assert.Zero(t, s.Len())
}

func TestCorruptedWindowRebuilt(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(0), 9999))
	s.Observe(ev("t2", "c1", at(time.Minute), 9999))

	sr := s.series[seriesKey{pattern: domain.PatternStructuring, key: "c1"}]
	require.NotNil(t, sr)
	sr.seen = nil

	s.Observe(ev("t3", "c1", at(2*time.Minute), 9999))

	assert.Equal(t, 1, s.Pending(domain.PatternStructuring, "c1"))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Flush())
}

func TestCorruptedWindowDiscardedAtClose(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	for i := 0; i < 3; i++ {
		s.Observe(ev(fmt.Sprintf("t%d", i), "c1", at(time.Duration(i)*time.Minute), 9999))
	}
	sr := s.series[seriesKey{pattern: domain.PatternStructuring, key: "c1"}]
	require.NotNil(t, sr)
	sr.events[0], sr.events[2] = sr.events[2], sr.events[0]

	assert.Empty(t, s.Flush())
	assert.Zero(t, s.Len())
}

func TestStructuringAcrossClockBoundary(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(7*time.Minute), 9999))
	s.Observe(ev("t2", "c1", at(11*time.Minute), 9999))
	s.Observe(ev("t3", "c1", at(15*time.Minute), 9999))

	assert.Empty(t, s.Advance(at(17*time.Minute)))
	dets := s.Advance(at(17*time.Minute + time.Millisecond))
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, []string{"t1", "t2", "t3"}, d.TransactionIDs)
	assert.Equal(t, at(7*time.Minute), d.WindowStart)
	assert.Equal(t, at(17*time.Minute), d.WindowEnd)
	assert.Equal(t, at(17*time.Minute), d.DetectedAt)
	assert.Equal(t, domain.DeterministicID(string(domain.PatternStructuring), "c1",
		at(7*time.Minute).Format(time.RFC3339Nano)), d.ID)

	assert.Empty(t, s.Flush(), "consumed events must not fire again")
}

func TestStructuringFlushAcrossClockBoundary(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("t1", "c1", at(7*time.Minute), 9999))
	s.Observe(ev("t2", "c1", at(11*time.Minute), 9999))
	s.Observe(ev("t3", "c1", at(15*time.Minute), 9999))

	require.Len(t, s.Flush(), 1)
	assert.Zero(t, s.Len())
}

func TestDestinationDiversityUnalignedStart(t *testing.T) {
	run := func(accounts int) []domain.Detection {
		s := NewStore([]Detector{NewDestinationDiversity(domain.DetectorConfig{})})
		start := at(30 * time.Minute)
		for i := 0; i < accounts; i++ {
			e := ev(fmt.Sprintf("t%02d", i), "c1", start.Add(time.Duration(i)*5*time.Minute), 50)
			e.Destination = fmt.Sprintf("acct-%02d", i)
			s.Observe(e)
		}
		return append(s.Advance(start.Add(time.Hour+5*time.Minute+time.Millisecond)), s.Flush()...)
	}

	t.Run("eleven accounts over fifty minutes fire", func(t *testing.T) {
		dets := run(11)
		require.Len(t, dets, 1)
		assert.Equal(t, 11, dets[0].DistinctDestinations)
		assert.Equal(t, at(30*time.Minute), dets[0].WindowStart)
		assert.Equal(t, at(30*time.Minute+time.Hour+5*time.Minute), dets[0].DetectedAt)
	})

	t.Run("ten accounts do not fire", func(t *testing.T) {
		assert.Empty(t, run(10))
	})
}

func TestCrossBorderBurstAcrossClockBoundary(t *testing.T) {
	s := NewStore([]Detector{NewCrossBorderBurst(domain.DetectorConfig{})})

	for i, offset := range []time.Duration{4 * time.Minute, 5*time.Minute + 30*time.Second, 6 * time.Minute} {
		e := ev(fmt.Sprintf("x%d", i), "c1", at(offset), 700)
		e.International = true
		s.Observe(e)
	}

	dets := s.Advance(at(10*time.Minute + time.Millisecond))
	require.Len(t, dets, 1)
	assert.Equal(t, []string{"x0", "x1", "x2"}, dets[0].TransactionIDs)
	assert.Equal(t, at(4*time.Minute), dets[0].WindowStart)
}

func TestP2PVolumeAcrossClockBoundary(t *testing.T) {
	s := NewStore([]Detector{NewP2PVolume(domain.DetectorConfig{})})

	amounts := []float64{40000, 35000, 25000}
	for i, offset := range []time.Duration{14 * time.Minute, 16 * time.Minute, 20 * time.Minute} {
		e := ev(fmt.Sprintf("p%d", i), "c1", at(offset), amounts[i])
		e.PeerToPeer = true
		s.Observe(e)
	}

	dets := s.Flush()
	require.Len(t, dets, 1)
	assert.InDelta(t, 100000.0, dets[0].TotalAmount, 1e-9)
	assert.Equal(t, at(14*time.Minute), dets[0].WindowStart)
}

func TestWindowAnchorsSlideWithoutDetection(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	// 10:00 shares no ten minute span with the burst, so its window
	// closes quietly and the next event anchors.
	s.Observe(ev("t0", "c1", at(0), 9999))
	s.Observe(ev("t1", "c1", at(9*time.Minute), 9999))
	s.Observe(ev("t2", "c1", at(12*time.Minute), 9999))
	s.Observe(ev("t3", "c1", at(18*time.Minute), 9999))

	dets := s.Flush()
	require.Len(t, dets, 1)
	assert.Equal(t, []string{"t1", "t2", "t3"}, dets[0].TransactionIDs)
	assert.Equal(t, at(9*time.Minute), dets[0].WindowStart)
}

func TestWindowConsumedOnDetection(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	var dets []domain.Detection
	for i := 0; i < 5; i++ {
		dets = append(dets, s.Observe(ev(fmt.Sprintf("a%d", i), "c1", at(time.Duration(i)*time.Minute), 9999))...)
	}
	for i := 0; i < 3; i++ {
		dets = append(dets, s.Observe(ev(fmt.Sprintf("b%d", i), "c1", at(20*time.Minute+time.Duration(i)*time.Minute), 9999))...)
	}
	dets = append(dets, s.Flush()...)

	require.Len(t, dets, 2)
	assert.Equal(t, 5, dets[0].Count)
	assert.Equal(t, 3, dets[1].Count)
	assert.NotEqual(t, dets[0].ID, dets[1].ID)
}

func TestBoundaryBurstIndependentOfArrivalOrder(t *testing.T) {
	events := []Event{
		ev("t1", "c1", at(7*time.Minute), 9999),
		ev("t2", "c1", at(11*time.Minute), 9999),
		ev("t3", "c1", at(15*time.Minute), 9999),
		ev("t4", "c1", at(16*time.Minute), 120),
	}
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}, {2, 1, 3, 0}}

	var want []domain.Detection
	for i, perm := range perms {
		s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})
		var got []domain.Detection
		for _, j := range perm {
			got = append(got, s.Observe(events[j])...)
		}
		got = append(got, s.Flush()...)
		require.Len(t, got, 1, "order %v", perm)
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v", perm)
	}
}

func TestKeysIsolated(t *testing.T) {
	s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})

	s.Observe(ev("a1", "alice", at(0), 9999))
	s.Observe(ev("b1", "bob", at(time.Minute), 9999))
	s.Observe(ev("a2", "alice", at(2*time.Minute), 9999))

	assert.Empty(t, s.Flush())
}

// detectionScenario keeps every event inside the first five minutes so any
// arrival order stays within each detector's grace.
func detectionScenario() []Event {
	var events []Event
	for i := 0; i < 3; i++ {
		events = append(events, ev(fmt.Sprintf("s%d", i), "c1", at(time.Duration(i)*time.Minute), 9999))
	}
	for i := 0; i < 12; i++ {
		e := ev(fmt.Sprintf("d%02d", i), "c2", at(time.Duration(i)*20*time.Second), 25)
		e.Destination = fmt.Sprintf("acct-%02d", i)
		events = append(events, e)
	}
	for i := 0; i < 4; i++ {
		e := ev(fmt.Sprintf("x%d", i), "c3", at(time.Duration(i)*45*time.Second), 800)
		e.International = true
		events = append(events, e)
	}
	return events
}

func TestDeterministicAcrossArrivalOrder(t *testing.T) {
	events := detectionScenario()

	ordered := func() []domain.Detection {
		s := NewStore(DefaultDetectors())
		var out []domain.Detection
		for _, e := range events {
			out = append(out, s.Observe(e)...)
		}
		out = append(out, s.Flush()...)
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}()
	require.Len(t, ordered, 3)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := make([]Event, len(events))
		copy(shuffled, events)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := NewStore(DefaultDetectors())
		var got []domain.Detection
		for _, e := range shuffled {
			got = append(got, s.Observe(e)...)
		}
		got = append(got, s.Flush()...)
		sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })

		assert.Equal(t, ordered, got, "round %d", round)
	}
}

func TestDetectionIDStable(t *testing.T) {
	run := func() string {
		s := NewStore([]Detector{NewStructuring(domain.DetectorConfig{})})
		for i := 0; i < 3; i++ {
			s.Observe(ev(fmt.Sprintf("t%d", i), "c1", at(time.Duration(i)*time.Minute), 9999))
		}
		dets := s.Flush()
		require.Len(t, dets, 1)
		return dets[0].ID
	}
	assert.Equal(t, run(), run())
}

func TestDetectorsFromConfig(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregation
	assert.Len(t, DetectorsFromConfig(cfg), 4)

	cfg.P2PVolume.Enabled = false
	cfg.Structuring.Window = 20 * time.Minute
	cfg.Structuring.Grace = 0
	detectors := DetectorsFromConfig(cfg)
	require.Len(t, detectors, 3)
	assert.Equal(t, 20*time.Minute, detectors[0].Window())
	assert.Zero(t, detectors[0].Grace())

	for _, d := range DefaultDetectors() {
		switch d.Pattern() {
		case domain.PatternStructuring:
			assert.Equal(t, 10*time.Minute, d.Window())
			assert.Zero(t, d.Grace())
		case domain.PatternCrossBorderBurst:
			assert.Equal(t, 5*time.Minute, d.Window())
			assert.Equal(t, time.Minute, d.Grace())
		case domain.PatternP2PVolume:
			assert.Equal(t, 15*time.Minute, d.Window())
			assert.Equal(t, 2*time.Minute, d.Grace())
		case domain.PatternDestinationDiversity:
			assert.Equal(t, time.Hour, d.Window())
			assert.Equal(t, 5*time.Minute, d.Grace())
		}
	}
}

type collector struct {
	mu   sync.Mutex
	dets []domain.Detection
}

func (c *collector) emit(d domain.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dets = append(c.dets, d)
}

func (c *collector) snapshot() []domain.Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Detection, len(c.dets))
	copy(out, c.dets)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TestRuntime(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregation
	cfg.Partitions = 4
	cfg.WatermarkInterval = 0

	c := &collector{}
	rt := NewRuntime(cfg, DetectorsFromConfig(cfg), c.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	for _, e := range detectionScenario() {
		require.NoError(t, rt.Submit(ctx, e))
	}

	require.NoError(t, rt.Advance(ctx, at(2*time.Hour)))
	require.NoError(t, rt.Flush(ctx))

	dets := c.snapshot()
	require.Len(t, dets, 3)
	patterns := map[domain.PatternType]string{}
	for _, d := range dets {
		patterns[d.Pattern] = d.Key
	}
	assert.Equal(t, "c1", patterns[domain.PatternStructuring])
	assert.Equal(t, "c2", patterns[domain.PatternDestinationDiversity])
	assert.Equal(t, "c3", patterns[domain.PatternCrossBorderBurst])

	rt.Close()
	require.NoError(t, <-done)
	assert.ErrorIs(t, rt.Submit(ctx, ev("late", "c1", at(0), 1)), ErrClosed)
}

func TestRuntimeCloseFlushes(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregation
	cfg.WatermarkInterval = 0

	c := &collector{}
	rt := NewRuntime(cfg, []Detector{NewStructuring(domain.DetectorConfig{})}, c.emit)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Submit(ctx, ev(fmt.Sprintf("t%d", i), "c1", at(time.Duration(i)*time.Minute), 9999)))
	}
	rt.Close()
	rt.Close()
	require.NoError(t, <-done)

	require.Len(t, c.snapshot(), 1)
}

func TestRuntimeWatermarkTicker(t *testing.T) {
	cfg := domain.DefaultConfig().Aggregation
	cfg.Partitions = 2
	cfg.WatermarkInterval = 10 * time.Millisecond

	c := &collector{}
	rt := NewRuntime(cfg, []Detector{NewStructuring(domain.DetectorConfig{})}, c.emit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Submit(ctx, ev(fmt.Sprintf("t%d", i), "c1", at(time.Duration(i)*time.Minute), 9999)))
	}
	// Another key's later event moves the global watermark past the first
	// key's window on a different partition.
	require.NoError(t, rt.Submit(ctx, ev("other", "c2", at(30*time.Minute), 5)))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRuntimePartitionStable(t *testing.T) {
	rt := NewRuntime(domain.AggregationConfig{Partitions: 8}, nil, nil)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("cust-%d", i)
		p := rt.PartitionFor(key)
		assert.Equal(t, p, rt.PartitionFor(key))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
	}
}
