package metrics

import (
	"math"
	"sort"
	"sync"
)

// Series kinds group related metrics for reporting.
const (
	KindProductivity  = "productivity"
	KindQuality       = "quality"
	KindPerformance   = "performance"
	KindCollaboration = "collaboration"
)

// defaultCapacity bounds each ring.
const defaultCapacity = 512

// Sample is one time-stamped measurement.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Trend directions reported in summaries.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// Summary is recomputed on every insert.
type Summary struct {
	Count    int     `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	StdDev   float64 `json:"stdDev"`
	Last     float64 `json:"last"`
	LastTs   int64   `json:"lastTs"`
	Previous float64 `json:"previous"`
	Trend    string  `json:"trend"`
}

// TrendOf compares first-half and second-half means of the samples.
// Fewer than four samples read as flat.
func TrendOf(samples []Sample) string {
	if len(samples) < 4 {
		return TrendFlat
	}

	mid := len(samples) / 2

	var first, second float64

	for _, sample := range samples[:mid] {
		first += sample.Value
	}

	for _, sample := range samples[mid:] {
		second += sample.Value
	}

	first /= float64(mid)
	second /= float64(len(samples) - mid)

	switch {
	case second > first*1.1:
		return TrendUp
	case second < first*0.9:
		return TrendDown
	default:
		return TrendFlat
	}
}

// Series is a bounded ring of samples with a running summary.
type Series struct {
	name string
	kind string

	mu      sync.RWMutex
	samples []Sample
	head    int
	full    bool
	summary Summary
}

// NewSeries creates a ring with the default capacity.
func NewSeries(name, kind string) *Series {
	return &Series{
		name:    name,
		kind:    kind,
		samples: make([]Sample, defaultCapacity),
	}
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

// Kind returns the series kind.
func (s *Series) Kind() string { return s.kind }

// Add inserts a sample, evicting the oldest when full, and recomputes
// the summary.
func (s *Series) Add(ts int64, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[s.head] = Sample{Timestamp: ts, Value: value}
	s.head = (s.head + 1) % len(s.samples)

	if s.head == 0 {
		s.full = true
	}

	s.recompute()
}

// recompute rebuilds the summary from the live samples. Caller holds mu.
func (s *Series) recompute() {
	live := s.live()

	summary := Summary{Count: len(live), Trend: TrendFlat}
	if len(live) == 0 {
		s.summary = summary

		return
	}

	summary.Min = math.Inf(1)
	summary.Max = math.Inf(-1)

	var sum float64

	for _, sample := range live {
		sum += sample.Value
		summary.Min = math.Min(summary.Min, sample.Value)
		summary.Max = math.Max(summary.Max, sample.Value)
	}

	summary.Mean = sum / float64(len(live))

	var variance float64
	for _, sample := range live {
		diff := sample.Value - summary.Mean
		variance += diff * diff
	}

	summary.StdDev = math.Sqrt(variance / float64(len(live)))

	values := make([]float64, len(live))
	for i, sample := range live {
		values[i] = sample.Value
	}

	sort.Float64s(values)

	mid := len(values) / 2
	if len(values)%2 == 0 {
		summary.Median = (values[mid-1] + values[mid]) / 2
	} else {
		summary.Median = values[mid]
	}

	last := live[len(live)-1]
	summary.Last = last.Value
	summary.LastTs = last.Timestamp

	if len(live) > 1 {
		summary.Previous = live[len(live)-2].Value
	}

	summary.Trend = TrendOf(live)

	s.summary = summary
}

// live returns the stored samples in insertion order. Caller holds mu.
func (s *Series) live() []Sample {
	if !s.full {
		return s.samples[:s.head]
	}

	out := make([]Sample, 0, len(s.samples))
	out = append(out, s.samples[s.head:]...)
	out = append(out, s.samples[:s.head]...)

	return out
}

// Summary returns the current summary.
func (s *Series) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.summary
}

// Since returns the samples at or after the timestamp, oldest first.
func (s *Series) Since(ts int64) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Sample

	for _, sample := range s.live() {
		if sample.Timestamp >= ts {
			out = append(out, sample)
		}
	}

	return out
}
