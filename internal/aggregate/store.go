package aggregate

import (
	"container/heap"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

type seriesKey struct {
	pattern domain.PatternType
	key     string
}

// series holds the pending events of one (detector, key).
type series struct {
	events []Event
	seen   map[string]struct{}

	// horizon is the end of the last evaluated window. Events before it can
	// no longer be placed consistently and are late.
	horizon time.Time
}

func newSeries() *series {
	return &series{seen: make(map[string]struct{})}
}

// valid reports whether the pending state is internally consistent.
func (s *series) valid() bool {
	if s.seen == nil || len(s.seen) != len(s.events) {
		return false
	}
	return sort.SliceIsSorted(s.events, func(i, j int) bool { return eventLess(s.events[i], s.events[j]) })
}

func (s *series) insert(ev Event) {
	i := sort.Search(len(s.events), func(i int) bool { return eventLess(ev, s.events[i]) })
	s.events = append(s.events, Event{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = ev
	s.seen[ev.TxID] = struct{}{}
}

// release drops pending events before t.
func (s *series) release(t time.Time) {
	n := 0
	for n < len(s.events) && s.events[n].Time.Before(t) {
		delete(s.seen, s.events[n].TxID)
		n++
	}
	s.events = s.events[n:]
}

func eventLess(a, b Event) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.TxID < b.TxID
}

type closing struct {
	closeAt time.Time
	id      seriesKey
	anchor  int64
	// expire marks the removal of an emptied series once no late event can
	// reach it.
	expire bool
}

// closeIndex is a min-heap of pending window closes ordered by close time,
// with ties broken by pattern, key and anchor so closing order is
// deterministic.
type closeIndex []closing

func (h closeIndex) Len() int { return len(h) }
func (h closeIndex) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.closeAt.Equal(b.closeAt) {
		return a.closeAt.Before(b.closeAt)
	}
	if a.id.pattern != b.id.pattern {
		return a.id.pattern < b.id.pattern
	}
	if a.id.key != b.id.key {
		return a.id.key < b.id.key
	}
	if a.anchor != b.anchor {
		return a.anchor < b.anchor
	}
	return !a.expire && b.expire
}
func (h closeIndex) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *closeIndex) Push(x any)   { *h = append(*h, x.(closing)) }
func (h *closeIndex) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Store holds the windows of one partition. It is not safe for concurrent
// use; the owning partition goroutine serializes all access.
type Store struct {
	detectors []Detector
	byPattern map[domain.PatternType]Detector
	series    map[seriesKey]*series
	index     closeIndex
	watermark time.Time
	late      map[domain.PatternType]int
	logger    *slog.Logger
}

// NewStore creates an empty store for the given detectors.
func NewStore(detectors []Detector) *Store {
	byPattern := make(map[domain.PatternType]Detector, len(detectors))
	for _, d := range detectors {
		byPattern[d.Pattern()] = d
	}
	return &Store{
		detectors: detectors,
		byPattern: byPattern,
		series:    make(map[seriesKey]*series),
		late:      make(map[domain.PatternType]int),
		logger:    slog.Default().With("component", "aggregate_store"),
	}
}

// Observe folds ev into every detector it belongs to, advances the watermark
// to ev.Time and returns the detections of windows that closed. An event is
// late, and dropped, when a window that should have held it was already
// evaluated or when its own window closed before it arrived.
func (s *Store) Observe(ev Event) []domain.Detection {
	for _, d := range s.detectors {
		if !d.Accepts(ev) {
			continue
		}

		id := seriesKey{pattern: d.Pattern(), key: ev.Key}
		sr, ok := s.series[id]
		if ok && !sr.valid() {
			s.logger.Warn("corrupted window state rebuilt",
				"pattern", d.Pattern(),
				"customer_id", ev.Key,
				"pending", len(sr.events),
			)
			if len(sr.events) > 0 {
				metrics.OpenWindows.Dec()
			}
			rebuilt := newSeries()
			rebuilt.horizon = sr.horizon
			sr = rebuilt
			s.series[id] = sr
		}

		span := d.Window() + d.Grace()
		if s.watermark.After(ev.Time.Add(span)) || (ok && ev.Time.Before(sr.horizon)) {
			s.late[d.Pattern()]++
			metrics.LateEvents.WithLabelValues(string(d.Pattern())).Inc()
			s.logger.Warn("late event dropped",
				"pattern", d.Pattern(),
				"tx_id", ev.TxID,
				"customer_id", ev.Key,
				"event_time", ev.Time,
				"watermark", s.watermark,
			)
			continue
		}

		if !ok {
			sr = newSeries()
			s.series[id] = sr
		}
		if _, dup := sr.seen[ev.TxID]; dup {
			continue
		}
		if len(sr.events) == 0 {
			metrics.OpenWindows.Inc()
		}
		sr.insert(ev)
		heap.Push(&s.index, closing{closeAt: ev.Time.Add(span), id: id, anchor: ev.Time.UnixNano()})
	}

	return s.Advance(ev.Time)
}

// Advance moves the watermark forward (never back) and closes every window
// whose close time is strictly before it.
func (s *Store) Advance(watermark time.Time) []domain.Detection {
	if watermark.After(s.watermark) {
		s.watermark = watermark
	}

	var out []domain.Detection
	for s.index.Len() > 0 && s.watermark.After(s.index[0].closeAt) {
		c := heap.Pop(&s.index).(closing)
		if det := s.close(c); det != nil {
			out = append(out, *det)
		}
	}
	return out
}

// Flush closes every open window regardless of the watermark.
func (s *Store) Flush() []domain.Detection {
	var out []domain.Detection
	for s.index.Len() > 0 {
		c := heap.Pop(&s.index).(closing)
		if det := s.close(c); det != nil {
			out = append(out, *det)
		}
	}
	return out
}

func (s *Store) close(c closing) *domain.Detection {
	sr, ok := s.series[c.id]
	if !ok {
		return nil
	}
	d := s.byPattern[c.id.pattern]
	if d == nil {
		delete(s.series, c.id)
		return nil
	}

	if c.expire {
		if len(sr.events) == 0 && !sr.horizon.Add(d.Window()+d.Grace()).After(c.closeAt) {
			delete(s.series, c.id)
		}
		return nil
	}

	if !sr.valid() {
		s.logger.Warn("corrupted window state discarded at close",
			"pattern", c.id.pattern,
			"customer_id", c.id.key,
			"pending", len(sr.events),
		)
		if len(sr.events) > 0 {
			metrics.OpenWindows.Dec()
		}
		delete(s.series, c.id)
		return nil
	}

	anchor := time.Unix(0, c.anchor).UTC()
	// The anchor was already released by an earlier window.
	if len(sr.events) == 0 || !sr.events[0].Time.Equal(anchor) {
		return nil
	}

	end := anchor.Add(d.Window())
	agg := newAggregate(d, c.id.key, anchor)
	for _, ev := range sr.events {
		if !ev.Time.Before(end) {
			break
		}
		agg.add(ev)
	}

	det := d.Evaluate(agg)
	if det != nil {
		sr.release(end)
		metrics.Detections.WithLabelValues(string(det.Pattern)).Inc()
	} else {
		sr.release(anchor.Add(time.Nanosecond))
	}
	sr.horizon = end

	if len(sr.events) == 0 {
		metrics.OpenWindows.Dec()
		heap.Push(&s.index, closing{
			closeAt: end.Add(d.Window() + d.Grace()),
			id:      c.id,
			anchor:  c.anchor,
			expire:  true,
		})
	}
	return det
}

// Pending returns how many events are waiting in windows for (pattern, key).
func (s *Store) Pending(pattern domain.PatternType, key string) int {
	sr, ok := s.series[seriesKey{pattern: pattern, key: key}]
	if !ok {
		return 0
	}
	return len(sr.events)
}

// Len returns the number of (detector, key) pairs with pending events.
func (s *Store) Len() int {
	n := 0
	for _, sr := range s.series {
		if len(sr.events) > 0 {
			n++
		}
	}
	return n
}

// Watermark returns the current event-time watermark.
func (s *Store) Watermark() time.Time { return s.watermark }

// Late returns how many events were dropped as late for pattern.
func (s *Store) Late(pattern domain.PatternType) int { return s.late[pattern] }
