// Package aggregate maintains keyed, event-time windows and emits pattern
// detections when a window closes.
//
// Windows are anchored at events rather than at fixed clock boundaries. For
// every (detector, key) the store keeps the pending events in event-time
// order. The window anchored at the earliest pending event a covers
// [a, a+window) and closes once the watermark passes a+window+grace. A window
// that fires consumes its events; one that does not releases only its anchor,
// and the next pending event anchors the following window. Any burst spanning
// less than the window is therefore seen whole by at least one window, and
// the outcome depends only on the set of events, not on their arrival order.
package aggregate

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Event is the aggregation view of one enriched transaction.
type Event struct {
	TxID          string
	Key           string
	Time          time.Time
	Amount        float64
	International bool
	PeerToPeer    bool
	Destination   string
}

// EventFor derives the aggregation event of an enriched transaction.
func EventFor(tx *domain.Transaction) Event {
	return Event{
		TxID:          tx.ID,
		Key:           tx.CustomerID,
		Time:          tx.EventTime(),
		Amount:        tx.EffectiveAmount(),
		International: tx.International,
		PeerToPeer:    tx.Type == domain.TxTransfer && tx.CounterpartyDocument() != "",
		Destination:   tx.CounterpartyAccount(),
	}
}

// Ref records one transaction observed by a window.
type Ref struct {
	TxID   string
	Time   time.Time
	Amount decimal.Decimal
	Bucket string
}

// Aggregate is the state of one (detector, key, window).
type Aggregate struct {
	Pattern domain.PatternType
	Key     string
	Start   time.Time
	End     time.Time
	Grace   time.Duration

	Count        int
	Sum          decimal.Decimal
	Histogram    map[string]int
	Destinations map[string]struct{}
	Refs         []Ref
}

func newAggregate(d Detector, key string, start time.Time) *Aggregate {
	return &Aggregate{
		Pattern:      d.Pattern(),
		Key:          key,
		Start:        start,
		End:          start.Add(d.Window()),
		Grace:        d.Grace(),
		Sum:          decimal.Zero,
		Histogram:    make(map[string]int),
		Destinations: make(map[string]struct{}),
	}
}

// CloseAt is the event time after which the window is finalized.
func (a *Aggregate) CloseAt() time.Time {
	return a.End.Add(a.Grace)
}

// add folds one event into the window.
func (a *Aggregate) add(ev Event) {
	amount := decimal.NewFromFloat(ev.Amount).Round(2)
	bucket := amount.StringFixed(2)

	a.Count++
	a.Sum = a.Sum.Add(amount)
	a.Histogram[bucket]++
	if ev.Destination != "" {
		a.Destinations[ev.Destination] = struct{}{}
	}
	a.Refs = append(a.Refs, Ref{TxID: ev.TxID, Time: ev.Time, Amount: amount, Bucket: bucket})
}

// sortedRefs returns the refs ordered by event time, then transaction id.
func (a *Aggregate) sortedRefs() []Ref {
	refs := make([]Ref, len(a.Refs))
	copy(refs, a.Refs)
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].Time.Equal(refs[j].Time) {
			return refs[i].Time.Before(refs[j].Time)
		}
		return refs[i].TxID < refs[j].TxID
	})
	return refs
}

// detection builds the detection for refs. Identity and timestamps derive
// from the window so replays yield identical output.
func (a *Aggregate) detection(refs []Ref, description string) *domain.Detection {
	ids := make([]string, len(refs))
	total := decimal.Zero
	for i, r := range refs {
		ids[i] = r.TxID
		total = total.Add(r.Amount)
	}

	return &domain.Detection{
		ID:                   domain.DeterministicID(string(a.Pattern), a.Key, a.Start.UTC().Format(time.RFC3339Nano)),
		Pattern:              a.Pattern,
		Key:                  a.Key,
		WindowStart:          a.Start,
		WindowEnd:            a.End,
		TransactionIDs:       ids,
		Count:                len(refs),
		TotalAmount:          total.InexactFloat64(),
		DistinctDestinations: len(a.Destinations),
		Description:          description,
		DetectedAt:           a.CloseAt(),
	}
}
