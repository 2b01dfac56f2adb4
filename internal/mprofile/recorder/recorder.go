// Package recorder implements the hot-path trace recorder of §4.4: the
// coordinator allocator hooks call into on every allocation/free/realloc,
// wiring the sampler, frame/stack interner, and sharded trace map together.
package recorder

import (
	"runtime"
	"sync/atomic"

	"github.com/timpalpant/mprofile/internal/mprofile/intern"
	"github.com/timpalpant/mprofile/internal/mprofile/sampler"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
	"github.com/timpalpant/mprofile/internal/mprofile/tracemap"
)

// Context is the per-caller state a hook adapter thread (or goroutine) holds
// across calls. Go has no goroutine-local storage, so unlike the teacher's
// TID-indexed context table, callers own and pass their Context explicitly
// (typically one per worker goroutine driving allocations).
type Context struct {
	sampler *sampler.Sampler

	// inRecorder guards against reentrancy: frame capture and interning
	// themselves allocate, and a hook firing for those allocations must be
	// ignored rather than recursing.
	inRecorder atomic.Bool
}

// NewContext creates a Context with its own independent sampler stream.
func NewContext(cfg sampler.Config) *Context {
	return &Context{sampler: sampler.New(cfg)}
}

// Recorder is the process-wide trace recorder: the frame/stack interners,
// the trace map, and a tracing-enabled flag gating the whole hot path.
type Recorder struct {
	tracingEnabled atomic.Bool

	frames *intern.FrameTable
	stacks *intern.StackTable
	traces *tracemap.Map

	tracebackLimit atomic.Int64
}

// New creates a Recorder with numShards shards in its trace map and an
// initial traceback frame limit.
func New(numShards, tracebackLimit int) (*Recorder, error) {
	tm, err := tracemap.New(numShards)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		frames: intern.NewFrameTable(),
		stacks: intern.NewStackTable(),
		traces: tm,
	}
	r.tracebackLimit.Store(int64(tracebackLimit))
	return r, nil
}

// Enable turns tracing on. Hooks still fire; OnAlloc/OnFree/OnRealloc become
// no-ops again once Disable is called.
func (r *Recorder) Enable() { r.tracingEnabled.Store(true) }

// Disable turns tracing off without clearing any previously recorded trace.
func (r *Recorder) Disable() { r.tracingEnabled.Store(false) }

// IsTracing reports whether the recorder is currently accepting allocations.
func (r *Recorder) IsTracing() bool { return r.tracingEnabled.Load() }

// SetTracebackLimit changes how many leaf-first frames are captured for
// future samples. Existing traces keep whatever depth they were captured
// with.
func (r *Recorder) SetTracebackLimit(n int) { r.tracebackLimit.Store(int64(n)) }

// TracebackLimit returns the current capture depth.
func (r *Recorder) TracebackLimit() int { return int(r.tracebackLimit.Load()) }

// OnAlloc records a newly allocated block at addr of size nbytes if the
// sampler selects it. Safe to call from any goroutine, each with its own
// Context; not reentrancy-safe across two calls sharing the same Context
// concurrently.
func (r *Recorder) OnAlloc(ctx *Context, addr uintptr, nbytes uint64) {
	if !r.tracingEnabled.Load() {
		return
	}
	if !ctx.sampler.ShouldSample(nbytes) {
		return
	}
	if !ctx.inRecorder.CompareAndSwap(false, true) {
		// Frame capture below allocated and re-entered this hook; drop it
		// rather than recurse.
		return
	}
	defer ctx.inRecorder.Store(false)

	stack := r.captureStack(int(r.tracebackLimit.Load()))
	r.traces.Insert(addr, tracemap.Entry{Size: nbytes, Stack: stack})
}

// OnFree removes addr's trace, if it has one. A free of an address that was
// never sampled is a silent no-op, per §4.4.
func (r *Recorder) OnFree(addr uintptr) {
	if !r.tracingEnabled.Load() {
		return
	}
	r.traces.Remove(addr)
}

// OnRealloc moves a traced allocation from oldAddr to newAddr with a new
// size, resampling as if it were a fresh allocation. Implemented as a literal
// remove-then-insert (DESIGN.md open question 2): a concurrent snapshot can
// observe the address missing from both old and new keys for an instant, by
// design.
func (r *Recorder) OnRealloc(ctx *Context, oldAddr, newAddr uintptr, newSize uint64) {
	if !r.tracingEnabled.Load() {
		return
	}
	r.traces.Remove(oldAddr)
	r.OnAlloc(ctx, newAddr, newSize)
}

// unknownFrame is the sentinel frame §4.4 calls for when the runtime's
// frame chain is entirely unavailable: ("", "<unknown>", 0, 0).
var unknownFrame = intern.Frame{Name: "", Filename: "<unknown>", FirstLine: 0, Line: 0}

// captureStack walks the current goroutine's runtime call stack, interning
// it leaf-first, skipping runtime.Callers, captureStack and OnAlloc. If the chain is empty,
// a single unknownFrame sentinel is interned instead of an empty stack.
func (r *Recorder) captureStack(limit int) intern.StackHandle {
	if limit <= 0 {
		limit = 1
	}
	pcs := make([]uintptr, limit+callersSkip)
	n := runtime.Callers(callersSkip, pcs)
	if n == 0 {
		return r.stacks.InternLeafFirst(r.frames, []intern.Frame{unknownFrame}, limit)
	}
	frames := runtime.CallersFrames(pcs[:n])
	seq := make([]intern.Frame, 0, n)
	for {
		f, more := frames.Next()
		firstLine := 0
		if f.Func != nil {
			_, firstLine = f.Func.FileLine(f.Entry)
		}
		seq = append(seq, intern.Frame{
			Name:      f.Function,
			Filename:  f.File,
			FirstLine: firstLine,
			Line:      f.Line,
		})
		if !more || len(seq) >= limit {
			break
		}
	}
	return r.stacks.InternLeafFirst(r.frames, seq, limit)
}

// callersSkip accounts for runtime.Callers itself, captureStack's own frame
// and OnAlloc's frame, so the first captured frame is OnAlloc's caller (for a
// sample taken through OnRealloc, that is OnRealloc).
const callersSkip = 3

// GetObjectTraceback returns the stack recorded for addr, if any (DESIGN.md
// open question 3: a reused or never-sampled address reports false).
func (r *Recorder) GetObjectTraceback(addr uintptr) (snapshot.Stack, bool) {
	e, ok := r.traces.Lookup(addr)
	if !ok {
		return nil, false
	}
	return r.resolve(e.Stack), true
}

// Counters returns (currently traced bytes, peak traced bytes).
func (r *Recorder) Counters() (current, peak uint64) {
	return r.traces.Counters()
}

// Clear empties the trace map without disabling tracing or resetting the
// interners (interned frames/stacks are immutable and cheap to keep).
func (r *Recorder) Clear() { r.traces.Clear() }

// MemoryCost approximates mprofile's own bookkeeping overhead in bytes.
func (r *Recorder) MemoryCost() uint64 {
	return r.frames.MemoryCost() + r.stacks.MemoryCost() + r.traces.MemoryCost()
}

// Snapshot resolves every live trace to its public Frame/Stack form.
func (r *Recorder) Snapshot() []snapshot.Trace {
	raw := r.traces.Snapshot()
	out := make([]snapshot.Trace, len(raw))
	for i, e := range raw {
		out[i] = snapshot.Trace{Size: e.Size, Stack: r.resolve(e.Stack)}
	}
	return out
}

func (r *Recorder) resolve(h intern.StackHandle) snapshot.Stack {
	frames := r.stacks.Frames(r.frames, h)
	out := make(snapshot.Stack, len(frames))
	for i, f := range frames {
		out[i] = snapshot.Frame{Filename: f.Filename, Lineno: f.Line}
	}
	return out
}

// RawTraces dumps every live trace in the stable (size, frames-tuple) wire
// format of §6 — the Go analogue of `_get_traces()` — preserving the
// function name and first-line fields that Snapshot's analysis-only Frame
// type drops.
func (r *Recorder) RawTraces() []snapshot.RawTrace {
	raw := r.traces.Snapshot()
	out := make([]snapshot.RawTrace, len(raw))
	for i, e := range raw {
		frames := r.stacks.Frames(r.frames, e.Stack)
		rf := make([]snapshot.RawFrame, len(frames))
		for j, f := range frames {
			rf[j] = snapshot.RawFrame{
				Name:      f.Name,
				Filename:  f.Filename,
				FirstLine: f.FirstLine,
				Lineno:    f.Line,
			}
		}
		out[i] = snapshot.RawTrace{Size: e.Size, Frames: rf}
	}
	return out
}
