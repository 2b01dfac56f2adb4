// Package mprofile is the public facade of a low-overhead sampling heap
// profiler: start/stop tracing, take point-in-time snapshots of live
// allocations, and analyze them by filename, line, or full call stack.
//
// A host program integrates by calling Start, then wiring hooks.Table's
// three functions (exposed here as Alloc/Realloc/Free) into wherever it
// already intercepts allocation — Go has no allocator-hook registration API
// this package could install itself into.
package mprofile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timpalpant/mprofile/internal/mprofile/hooks"
	"github.com/timpalpant/mprofile/internal/mprofile/linecache"
	"github.com/timpalpant/mprofile/internal/mprofile/recorder"
	"github.com/timpalpant/mprofile/internal/mprofile/sampler"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
)

// fallbackPollInterval is how often InstallRuntimeMemStats samples
// runtime/metrics when no host integrates the explicit hooks.Table.
const fallbackPollInterval = 100 * time.Millisecond

const (
	defaultMaxFrames  = 16
	maxSupportedDepth = 1024
	defaultSampleRate = 1 << 19 // 512 KiB mean sampling period
	numShards         = 64
)

// Re-exported analysis types, so host programs never need to import the
// internal snapshot package directly to call GetTraces or TakeSnapshot.
type (
	RawFrame = snapshot.RawFrame
	RawTrace = snapshot.RawTrace
	Filter   = snapshot.Filter
	Stack    = snapshot.Stack
	Frame    = snapshot.Frame
	GroupBy  = snapshot.GroupBy
)

const (
	GroupByFilename  = snapshot.GroupByFilename
	GroupByLineno    = snapshot.GroupByLineno
	GroupByTraceback = snapshot.GroupByTraceback
)

// NewFilter constructs a Filter for Snapshot.FilterTraces, per §6's
// `Filter(inclusive, filename_pattern, lineno=None, all_frames=False)`.
// Pass a nil lineno for "any line matches"; use Line for a concrete one.
func NewFilter(inclusive bool, filenamePattern string, lineno *int, allFrames bool) Filter {
	return snapshot.NewFilter(inclusive, filenamePattern, lineno, allFrames)
}

// Line returns a *int pointing at n, for constructing a Filter with a
// concrete lineno (including the sentinel 0) inline.
func Line(n int) *int { return snapshot.Line(n) }

var (
	// ErrNotTracing is returned by TakeSnapshot when tracing is not active.
	ErrNotTracing = errors.New("the mprofile module must be tracing memory allocations to take a snapshot")
	// ErrInvalidMaxFrames is returned by Start when MaxFrames is out of range.
	ErrInvalidMaxFrames = errors.New("mprofile: max_frames out of range")
	// ErrInvalidSampleRate is returned by Bootstrap when MPROFILERATE is not
	// a non-negative integer.
	ErrInvalidSampleRate = errors.New("mprofile: sample_rate out of range")
	// ErrAlreadyTracing is returned by Start when tracing is already on.
	ErrAlreadyTracing = errors.New("mprofile: tracing is already started")
	// ErrHookInstallFailed names a failure to install both the caller-driven
	// Table strategy and the runtime/metrics fallback. Start does not return
	// it: the runtime/metrics fallback has no failure path.
	ErrHookInstallFailed = errors.New("mprofile: failed to install allocator hooks")
)

// StartOptions configures Start. The zero value selects defaultMaxFrames
// frames of traceback depth and defaultSampleRate bytes of mean sampling
// period.
type StartOptions struct {
	MaxFrames  int
	SampleRate uint64
}

// tracer is the process-wide singleton state behind the package-level
// functions, mirroring the teacher's own "thin public package delegating to
// an internal singleton" facade shape.
type tracer struct {
	mu             sync.Mutex
	rec            *recorder.Recorder
	cache          *linecache.Cache
	restore        func()
	fallbackCancel context.CancelFunc
	ctxPool        *sync.Pool
	sampleRate     atomic.Uint64
	fallbackAddr   atomic.Uintptr
}

var t = &tracer{cache: linecache.New()}

// Start enables tracing with the given options, installing the allocator
// hook adapter. It fails with ErrInvalidMaxFrames on an out-of-range
// MaxFrames or ErrAlreadyTracing if tracing is already on. If the hooks.Table
// cannot be installed, it logs a warning and falls back to runtime/metrics
// polling instead of failing.
func Start(opts StartOptions) error {
	maxFrames := opts.MaxFrames
	if maxFrames == 0 {
		maxFrames = defaultMaxFrames
	}
	if maxFrames < 1 || maxFrames > maxSupportedDepth {
		return fmt.Errorf("mprofile: start: max_frames=%d: %w", maxFrames, ErrInvalidMaxFrames)
	}

	rate := opts.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rec != nil && t.rec.IsTracing() {
		return ErrAlreadyTracing
	}

	if t.rec == nil {
		rec, err := recorder.New(numShards, maxFrames)
		if err != nil {
			return fmt.Errorf("mprofile: start: %w", err)
		}
		t.rec = rec
	} else {
		t.rec.SetTracebackLimit(maxFrames)
	}

	cfg := sampler.Config{Enabled: true, Rate: rate}
	t.ctxPool = &sync.Pool{New: func() any { return recorder.NewContext(cfg) }}
	t.sampleRate.Store(rate)

	restore, err := hooks.Install(hooks.Table{
		Alloc:   t.alloc,
		Realloc: t.realloc,
		Free:    t.rec.OnFree,
	})
	if err != nil {
		logrus.WithError(err).Warn("mprofile: explicit hook table install failed, falling back to runtime/metrics polling")
		restore = nil

		ctx, cancel := context.WithCancel(context.Background())
		t.fallbackCancel = cancel
		hooks.InstallRuntimeMemStats(ctx, fallbackPollInterval, t.onFallbackSample)
	}
	t.restore = restore

	t.rec.Enable()
	return nil
}

// onFallbackSample records a coarse runtime/metrics delta as a single
// synthetic allocation at a fresh, never-reused address, since the polling
// fallback has no real address to attribute the bytes to.
func (tr *tracer) onFallbackSample(size uint64) {
	addr := tr.fallbackAddr.Add(1)
	tr.alloc(addr, size)
}

func (tr *tracer) alloc(addr uintptr, size uint64) {
	c := tr.ctxPool.Get().(*recorder.Context)
	tr.rec.OnAlloc(c, addr, size)
	tr.ctxPool.Put(c)
}

func (tr *tracer) realloc(oldAddr, newAddr uintptr, newSize uint64) {
	c := tr.ctxPool.Get().(*recorder.Context)
	tr.rec.OnRealloc(c, oldAddr, newAddr, newSize)
	tr.ctxPool.Put(c)
}

// Alloc forwards addr/size to the installed recorder, for hosts that wire
// their own allocation path directly into this package instead of going
// through hooks.Table themselves.
func Alloc(addr uintptr, size uint64) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil || !rec.IsTracing() {
		return
	}
	t.alloc(addr, size)
}

// Realloc forwards a move/resize to the installed recorder.
func Realloc(oldAddr, newAddr uintptr, newSize uint64) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil || !rec.IsTracing() {
		return
	}
	t.realloc(oldAddr, newAddr, newSize)
}

// Free forwards addr to the installed recorder.
func Free(addr uintptr) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return
	}
	rec.OnFree(addr)
}

// Stop disables tracing, uninstalls the allocator hooks, and zeros the
// current/peak counters. Interned frames and stacks are kept alive so
// outstanding Snapshots remain valid.
func Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rec == nil {
		return
	}
	t.rec.Disable()
	if t.restore != nil {
		t.restore()
		t.restore = nil
	}
	if t.fallbackCancel != nil {
		t.fallbackCancel()
		t.fallbackCancel = nil
	}
	t.rec.Clear()
}

// IsTracing reports whether tracing is currently enabled.
func IsTracing() bool {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	return rec != nil && rec.IsTracing()
}

// ClearTraces empties the trace table and zeros the current/peak counters
// without disabling tracing.
func ClearTraces() {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec != nil {
		rec.Clear()
	}
}

// GetTracebackLimit returns the configured traceback capture depth.
func GetTracebackLimit() int {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.TracebackLimit()
}

// GetSampleRate returns the configured mean sampling period in bytes.
func GetSampleRate() uint64 {
	return t.sampleRate.Load()
}

// GetObjectTraceback looks up the stack recorded for addr, if any.
func GetObjectTraceback(addr uintptr) (Stack, bool) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return nil, false
	}
	return rec.GetObjectTraceback(addr)
}

// GetTracedMemory returns (currently traced bytes, peak traced bytes).
func GetTracedMemory() (current, peak uint64) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return 0, 0
	}
	return rec.Counters()
}

// GetTracemallocMemory reports this module's own bookkeeping cost in bytes
// (approximately the sum of the trace table and the frame/stack interners).
func GetTracemallocMemory() uint64 {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.MemoryCost()
}

// GetTraces returns every live trace in the stable wire format described in
// §6: a size plus its leaf-first frame sequence, preserving function name
// and first-line fields a Snapshot's analysis-only Frame drops.
func GetTraces() []RawTrace {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.RawTraces()
}

// TakeSnapshot captures the live trace table into an immutable Snapshot. It
// fails with ErrNotTracing if tracing is not currently active.
func TakeSnapshot() (*snapshot.Snapshot, error) {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil || !rec.IsTracing() {
		return nil, ErrNotTracing
	}
	return snapshot.New(rec.Snapshot(), rec.TracebackLimit(), GetSampleRate()), nil
}

// Cache returns the source-line lookup collaborator used by formatting, so
// host programs building a format.Traceback can share the one cache this
// package holds.
func Cache() *linecache.Cache {
	return t.cache
}

const (
	envSampleRate = "MPROFILERATE"
	envMaxFrames  = "MPROFILEFRAMES"
)

// bootstrapped guards against Bootstrap running twice, e.g. if a host calls
// it from both an init() and an explicit main() invocation.
var bootstrapped atomic.Bool

// Bootstrap implements the MPROFILERATE/MPROFILEFRAMES environment-variable
// startup contract of §6. Host main packages call it first thing, the same
// "explicit bootstrap function at the top of main" shape the teacher's own
// cmd/racedetector/main.go uses, since Go has no interpreter-level
// import-time hook to piggyback on. A no-op if MPROFILERATE is unset or 0; a
// non-integer or negative MPROFILERATE returns ErrInvalidSampleRate.
// An invalid MPROFILEFRAMES is a configuration error the caller should treat
// as fatal (print to stderr, exit non-zero), per §6.
func Bootstrap() error {
	if !bootstrapped.CompareAndSwap(false, true) {
		return nil
	}

	rateStr, ok := os.LookupEnv(envSampleRate)
	if !ok {
		return nil
	}
	rate, err := strconv.ParseInt(rateStr, 10, 64)
	if err != nil || rate < 0 {
		return fmt.Errorf("mprofile: bootstrap: invalid %s=%q: %w", envSampleRate, rateStr, ErrInvalidSampleRate)
	}
	if rate == 0 {
		return nil
	}

	opts := StartOptions{SampleRate: uint64(rate)}

	if framesStr, ok := os.LookupEnv(envMaxFrames); ok {
		frames, err := strconv.Atoi(framesStr)
		if err != nil || frames < 1 || frames > maxSupportedDepth {
			return fmt.Errorf("mprofile: bootstrap: invalid %s=%q: %w", envMaxFrames, framesStr, ErrInvalidMaxFrames)
		}
		opts.MaxFrames = frames
	}

	return Start(opts)
}
