package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Detector is one windowed pattern.
type Detector interface {
	Pattern() domain.PatternType
	Window() time.Duration
	Grace() time.Duration

	// Accepts reports whether ev contributes to this detector's windows.
	Accepts(ev Event) bool

	// Evaluate runs the threshold predicate on a closed window. It returns
	// nil when the predicate is false.
	Evaluate(agg *Aggregate) *domain.Detection
}

type windowSpec struct {
	pattern domain.PatternType
	window  time.Duration
	grace   time.Duration
}

func (w windowSpec) Pattern() domain.PatternType { return w.pattern }
func (w windowSpec) Window() time.Duration       { return w.window }
func (w windowSpec) Grace() time.Duration        { return w.grace }

func specFrom(p domain.PatternType, cfg domain.DetectorConfig, window, grace time.Duration) windowSpec {
	if cfg.Window > 0 {
		window, grace = cfg.Window, cfg.Grace
	}
	return windowSpec{pattern: p, window: window, grace: grace}
}

// Structuring fires when one amount bucket repeats MinRepeats times.
type Structuring struct {
	windowSpec
	MinRepeats int
}

// NewStructuring builds the structuring detector (10m window, no grace, 3 repeats).
func NewStructuring(cfg domain.DetectorConfig) *Structuring {
	d := &Structuring{
		windowSpec: specFrom(domain.PatternStructuring, cfg, 10*time.Minute, 0),
		MinRepeats: int(cfg.Threshold),
	}
	if d.MinRepeats <= 0 {
		d.MinRepeats = 3
	}
	return d
}

func (d *Structuring) Accepts(Event) bool { return true }

func (d *Structuring) Evaluate(agg *Aggregate) *domain.Detection {
	var buckets []string
	for bucket, n := range agg.Histogram {
		if n >= d.MinRepeats {
			buckets = append(buckets, bucket)
		}
	}
	if len(buckets) == 0 {
		return nil
	}
	sort.Strings(buckets)

	hot := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		hot[b] = true
	}
	var offending []Ref
	for _, r := range agg.sortedRefs() {
		if hot[r.Bucket] {
			offending = append(offending, r)
		}
	}

	desc := fmt.Sprintf("structuring pattern: %d transactions repeating amount %s within %s",
		len(offending), strings.Join(buckets, ", "), d.window)
	return agg.detection(offending, desc)
}

// CrossBorderBurst fires on MinCount international transactions in a window.
type CrossBorderBurst struct {
	windowSpec
	MinCount int
}

// NewCrossBorderBurst builds the cross-border burst detector (5m window, 1m grace, 3 transactions).
func NewCrossBorderBurst(cfg domain.DetectorConfig) *CrossBorderBurst {
	d := &CrossBorderBurst{
		windowSpec: specFrom(domain.PatternCrossBorderBurst, cfg, 5*time.Minute, time.Minute),
		MinCount:   int(cfg.Threshold),
	}
	if d.MinCount <= 0 {
		d.MinCount = 3
	}
	return d
}

func (d *CrossBorderBurst) Accepts(ev Event) bool { return ev.International }

func (d *CrossBorderBurst) Evaluate(agg *Aggregate) *domain.Detection {
	if agg.Count < d.MinCount {
		return nil
	}
	desc := fmt.Sprintf("multiple international transactions: %d within %s", agg.Count, d.window)
	return agg.detection(agg.sortedRefs(), desc)
}

// P2PVolume fires when cumulative peer-to-peer amount reaches Threshold.
type P2PVolume struct {
	windowSpec
	Threshold decimal.Decimal
}

// NewP2PVolume builds the P2P volume detector (15m window, 2m grace, 100000).
func NewP2PVolume(cfg domain.DetectorConfig) *P2PVolume {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 100000
	}
	return &P2PVolume{
		windowSpec: specFrom(domain.PatternP2PVolume, cfg, 15*time.Minute, 2*time.Minute),
		Threshold:  decimal.NewFromFloat(threshold),
	}
}

func (d *P2PVolume) Accepts(ev Event) bool { return ev.PeerToPeer }

func (d *P2PVolume) Evaluate(agg *Aggregate) *domain.Detection {
	if agg.Sum.LessThan(d.Threshold) {
		return nil
	}
	desc := fmt.Sprintf("high-volume P2P pattern: %s across %d transfers within %s",
		agg.Sum.StringFixed(2), agg.Count, d.window)
	return agg.detection(agg.sortedRefs(), desc)
}

// DestinationDiversity fires when distinct counterparty accounts exceed MaxDistinct.
type DestinationDiversity struct {
	windowSpec
	MaxDistinct int
}

// NewDestinationDiversity builds the destination diversity detector (1h window, 5m grace, more than 10).
func NewDestinationDiversity(cfg domain.DetectorConfig) *DestinationDiversity {
	d := &DestinationDiversity{
		windowSpec:  specFrom(domain.PatternDestinationDiversity, cfg, time.Hour, 5*time.Minute),
		MaxDistinct: int(cfg.Threshold),
	}
	if d.MaxDistinct <= 0 {
		d.MaxDistinct = 10
	}
	return d
}

func (d *DestinationDiversity) Accepts(ev Event) bool { return ev.Destination != "" }

func (d *DestinationDiversity) Evaluate(agg *Aggregate) *domain.Detection {
	if len(agg.Destinations) <= d.MaxDistinct {
		return nil
	}
	desc := fmt.Sprintf("suspicious destination diversity: %d distinct counterparty accounts within %s",
		len(agg.Destinations), d.window)
	return agg.detection(agg.sortedRefs(), desc)
}

// DetectorsFromConfig returns the enabled detectors.
func DetectorsFromConfig(cfg domain.AggregationConfig) []Detector {
	var out []Detector
	if cfg.Structuring.Enabled {
		out = append(out, NewStructuring(cfg.Structuring))
	}
	if cfg.CrossBorderBurst.Enabled {
		out = append(out, NewCrossBorderBurst(cfg.CrossBorderBurst))
	}
	if cfg.P2PVolume.Enabled {
		out = append(out, NewP2PVolume(cfg.P2PVolume))
	}
	if cfg.DestinationDiversity.Enabled {
		out = append(out, NewDestinationDiversity(cfg.DestinationDiversity))
	}
	return out
}

// DefaultDetectors returns all four detectors with stock settings.
func DefaultDetectors() []Detector {
	return DetectorsFromConfig(domain.DefaultConfig().Aggregation)
}
