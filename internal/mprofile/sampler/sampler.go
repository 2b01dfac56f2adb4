// Package sampler implements the per-goroutine Bernoulli-like allocation
// sampler: a decrementing byte counter redrawn from a geometric distribution
// on each sample, so the expected number of bytes between samples equals the
// configured rate and sampling decisions are independent across allocations.
package sampler

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// Config controls a Sampler's behavior. Rate is the mean number of bytes
// between samples (R in the design). Rate == 0 disables sampling outright;
// Rate == 1 samples every allocation.
type Config struct {
	Enabled bool
	Rate    uint64
}

// Stats accumulates lifetime counters for a single Sampler. Safe to read
// concurrently with ShouldSample on the owning goroutine.
type Stats struct {
	TotalAllocations   uint64
	SampledAllocations uint64
	SkippedAllocations uint64
}

// Sampler is the per-thread sampling state described in §4.1. A Sampler must
// never be shared for concurrent mutation across goroutines; each logical
// worker keeps its own.
type Sampler struct {
	config Config

	// counter is the signed "bytes until next sample" countdown. Stored as
	// an atomic so a Sampler embedded in a Context (see recorder.Context)
	// can still be inspected by a diagnostics goroutine without a race,
	// even though only the owning goroutine ever decrements it.
	counter atomic.Int64

	rng *rand.Rand

	totalAllocations   atomic.Uint64
	sampledAllocations atomic.Uint64
	skippedAllocations atomic.Uint64
}

// seedSplitter hands out distinct 64-bit seeds to new Samplers so their RNG
// streams never correlate, mirroring the teacher's process-wide splitter.
var seedSplitter atomic.Uint64

func nextSeed() uint64 {
	// Golden-ratio increment keeps consecutive seeds well spread even under
	// a low-entropy starting value.
	return seedSplitter.Add(0x9E3779B97F4A7C15)
}

// New creates a Sampler with its own independent RNG stream.
func New(cfg Config) *Sampler {
	s := &Sampler{config: cfg}
	s.rng = rand.New(rand.NewPCG(nextSeed(), nextSeed()))
	s.counter.Store(s.drawInterval())
	return s
}

// drawInterval returns a geometric-distributed interval with mean s.config.Rate,
// clamped to be at least 1 so the countdown always makes forward progress.
func (s *Sampler) drawInterval() int64 {
	if s.config.Rate <= 1 {
		return 1
	}
	// Inverse-CDF sampling of a geometric distribution via the exponential
	// approximation: -ln(U) * mean, floored and clamped.
	u := s.rng.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	n := int64(-math.Log(u) * float64(s.config.Rate))
	if n < 1 {
		n = 1
	}
	return n
}

// ShouldSample reports whether an allocation of nbytes should be recorded.
// Hot path: no locks, a few atomic adds, occasional RNG draw on redraw.
func (s *Sampler) ShouldSample(nbytes uint64) bool {
	s.totalAllocations.Add(1)
	if !s.config.Enabled || s.config.Rate == 0 {
		s.skippedAllocations.Add(1)
		return false
	}
	// Very large allocations are sampled deterministically rather than
	// risking the countdown going deeply negative.
	if nbytes >= s.config.Rate {
		s.counter.Store(s.drawInterval())
		s.sampledAllocations.Add(1)
		return true
	}
	remaining := s.counter.Add(-int64(nbytes))
	if remaining <= 0 {
		s.counter.Store(s.drawInterval())
		s.sampledAllocations.Add(1)
		return true
	}
	s.skippedAllocations.Add(1)
	return false
}

// ShouldSampleWithStats is ShouldSample plus a snapshot of the Stats after
// the decision, useful for tests and diagnostics without a second call.
func (s *Sampler) ShouldSampleWithStats(nbytes uint64) (bool, Stats) {
	decision := s.ShouldSample(nbytes)
	return decision, s.Stats()
}

// Stats returns a point-in-time copy of the sampler's lifetime counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		TotalAllocations:   s.totalAllocations.Load(),
		SampledAllocations: s.sampledAllocations.Load(),
		SkippedAllocations: s.skippedAllocations.Load(),
	}
}

// Config returns the Sampler's current configuration.
func (s *Sampler) Config() Config { return s.config }

// IsEnabled reports whether the sampler will ever return true.
func (s *Sampler) IsEnabled() bool { return s.config.Enabled && s.config.Rate > 0 }

// Rate returns the configured mean sampling period in bytes.
func (s *Sampler) Rate() uint64 { return s.config.Rate }
