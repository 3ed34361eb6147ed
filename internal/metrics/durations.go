package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DurationSummary is a snapshot of DurationStats.
type DurationSummary struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// DurationStats tracks account run durations with bounded memory.
// Percentiles come from a reservoir sample (Algorithm R).
type DurationStats struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize bounds the samples kept for percentiles.
const DefaultReservoirSize = 4096

// NewDurationStats creates an empty tracker.
func NewDurationStats() *DurationStats {
	return newDurationStats(DefaultReservoirSize)
}

func newDurationStats(size int) *DurationStats {
	return &DurationStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, size),
		reservoirSize: size,
		randState:     1,
	}
}

// Add records one duration. Safe for concurrent use.
func (s *DurationStats) Add(d time.Duration) {
	v := d.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += v
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, v)
		return
	}
	if j := s.fastRand() % uint64(s.count); j < uint64(s.reservoirSize) {
		s.reservoir[j] = v
	}
}

func (s *DurationStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Summary returns the current statistics, or nil when nothing was recorded.
func (s *DurationStats) Summary() *DurationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	return &DurationSummary{
		Count: int(s.count),
		Min:   seconds(s.min),
		Avg:   seconds(s.sum / float64(s.count)),
		P50:   seconds(percentile(sorted, 0.50)),
		P95:   seconds(percentile(sorted, 0.95)),
		Max:   seconds(s.max),
	}
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Millisecond)
}
