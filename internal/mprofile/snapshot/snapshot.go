// Package snapshot implements the point-in-time trace analytics described in
// §4.6: taking a snapshot of the live trace table, filtering it, grouping it
// into Statistics, and diffing two snapshots into StatisticDiffs.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Frame is a (filename, lineno) call-site pair, the unit the public API
// groups and filters by. Unlike intern.Frame it carries no function name or
// first-line, which matter only while capturing, not while analyzing.
type Frame struct {
	Filename string
	Lineno   int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d", f.Filename, f.Lineno)
}

// Stack is a call stack, leaf first: Stack[0] is the frame that performed
// the allocation, Stack[len-1] is the outermost frame retained within the
// traceback limit.
type Stack []Frame

// String renders the leaf frame, matching Traceback's display convention in
// §4.7: a Traceback prints as its allocation site, not its full chain.
func (s Stack) String() string {
	if len(s) == 0 {
		return "<empty traceback>"
	}
	return s[0].String()
}

// key encodes the full stack for use as a map key when grouping by
// traceback, where two traces are the same group only if every retained
// frame matches.
func (s Stack) key() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, "|")
}

// Trace is one sampled allocation: its size and the stack captured at the
// moment it was made.
type Trace struct {
	Size  uint64
	Stack Stack
}

// String matches tracemalloc's Trace.__str__: "<leaf>: <size> B".
func (t Trace) String() string {
	return fmt.Sprintf("%s: %d B", t.Stack.String(), t.Size)
}

// Snapshot is an immutable, point-in-time view of every live traced
// allocation, per §4.6. Construct with New from already-resolved traces, or
// with NewFromRaw from the stable (size, frames-tuple) wire format §6
// describes as the boundary between the native trace producer and this
// analytics layer.
type Snapshot struct {
	Traces         []Trace
	TracebackLimit int
	SampleRate     uint64
}

// New builds a Snapshot from already-resolved traces. tracebackLimit and
// sampleRate are recorded for diagnostics only; truncation itself happens at
// capture time in the recorder, not here.
func New(traces []Trace, tracebackLimit int, sampleRate uint64) *Snapshot {
	cp := make([]Trace, len(traces))
	copy(cp, traces)
	return &Snapshot{Traces: cp, TracebackLimit: tracebackLimit, SampleRate: sampleRate}
}

// RawFrame is one frame of the stable wire-format tuple shape described in
// §6: (name, filename, firstlineno, lineno). Name and FirstLine are carried
// across the wire boundary but dropped once converted to the analysis-only
// Frame type, which groups and filters on filename/lineno alone.
type RawFrame struct {
	Name      string
	Filename  string
	FirstLine int
	Lineno    int
}

// RawTrace is one row of the raw trace dump: a size and its leaf-first frame
// sequence, exactly the shape _get_traces()/Recorder.RawTraces() produce.
type RawTrace struct {
	Size   uint64
	Frames []RawFrame
}

// NewFromRaw builds a Snapshot directly from the stable wire format, the
// same constructor shape as the native `Snapshot(raw_traces, traceback_limit
// [, sample_rate])`.
func NewFromRaw(raw []RawTrace, tracebackLimit int, sampleRate uint64) *Snapshot {
	traces := make([]Trace, len(raw))
	for i, rt := range raw {
		stack := make(Stack, len(rt.Frames))
		for j, f := range rt.Frames {
			stack[j] = Frame{Filename: f.Filename, Lineno: f.Lineno}
		}
		traces[i] = Trace{Size: rt.Size, Stack: stack}
	}
	return &Snapshot{Traces: traces, TracebackLimit: tracebackLimit, SampleRate: sampleRate}
}

// Filter is one inclusion or exclusion rule for FilterTraces, mirroring
// tracemalloc.Filter. Filename supports any number of '*' wildcards (§9
// Design Notes). Lineno is optional per §3's data model: nil matches any line;
// a pointed-to 0 matches only the sentinel unknown-line frames; any other
// value requires an exact match.
type Filter struct {
	Inclusive bool
	Filename  string
	Lineno    *int
	AllFrames bool
}

// NewFilter constructs a Filter. Pass a nil lineno for "any line matches".
func NewFilter(inclusive bool, filenamePattern string, lineno *int, allFrames bool) Filter {
	return Filter{Inclusive: inclusive, Filename: filenamePattern, Lineno: lineno, AllFrames: allFrames}
}

// Line returns a *int pointing at n, a convenience for constructing a Filter
// with a concrete lineno (including the sentinel 0) inline.
func Line(n int) *int { return &n }

func (f Filter) matchesFrame(fr Frame) bool {
	return f.MatchFrame(fr.Filename, fr.Lineno)
}

// MatchFrame reports whether a single (filename, lineno) pair matches this
// filter's pattern, independent of polarity or all-frames/leaf-only
// selection — the `_match_frame` primitive of §8 scenario 5.
func (f Filter) MatchFrame(filename string, lineno int) bool {
	if f.Lineno != nil && *f.Lineno != lineno {
		return false
	}
	return globMatch(f.Filename, filename)
}

func (f Filter) matchesStack(s Stack) bool {
	if !f.AllFrames {
		if len(s) == 0 {
			return false
		}
		return f.matchesFrame(s[0])
	}
	for _, fr := range s {
		if f.matchesFrame(fr) {
			return true
		}
	}
	return false
}

// globMatch matches pattern against name, where pattern may contain any
// number of '*' wildcards (each matching any run of characters, including
// none). No other glob metacharacters are recognized (§9 Design Notes).
//
// Before comparing, a trailing ".pyc" or ".pyo" suffix on either pattern or
// name is normalized to ".py", so a compiled-bytecode filename matches its
// source counterpart and vice versa (original_source's
// test_filter_match_filename_joker).
func globMatch(pattern, name string) bool {
	pattern = normalizeCompiledSuffix(pattern)
	name = normalizeCompiledSuffix(name)

	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == name
	}

	first, last := segments[0], segments[len(segments)-1]
	if !strings.HasPrefix(name, first) || !strings.HasSuffix(name, last) {
		return false
	}
	if len(name) < len(first)+len(last) {
		return false
	}

	middle := name[len(first) : len(name)-len(last)]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(middle, seg)
		if idx < 0 {
			return false
		}
		middle = middle[idx+len(seg):]
	}
	return true
}

// normalizeCompiledSuffix rewrites a trailing ".pyc" or ".pyo" suffix to
// ".py", so the two forms of a filename compare equal under globMatch.
func normalizeCompiledSuffix(s string) string {
	if strings.HasSuffix(s, ".pyc") || strings.HasSuffix(s, ".pyo") {
		return s[:len(s)-1]
	}
	return s
}

// FilterTraces returns the subset of traces that pass every exclusive filter
// and at least one inclusive filter, if any inclusive filters are present.
func FilterTraces(traces []Trace, filters []Filter) []Trace {
	var inclusive, exclusive []Filter
	for _, f := range filters {
		if f.Inclusive {
			inclusive = append(inclusive, f)
		} else {
			exclusive = append(exclusive, f)
		}
	}

	out := make([]Trace, 0, len(traces))
	for _, t := range traces {
		keep := true
		if len(inclusive) > 0 {
			keep = false
			for _, f := range inclusive {
				if f.matchesStack(t.Stack) {
					keep = true
					break
				}
			}
		}
		if keep {
			for _, f := range exclusive {
				if f.matchesStack(t.Stack) {
					keep = false
					break
				}
			}
		}
		if keep {
			out = append(out, t)
		}
	}
	return out
}

// FilterTraces returns a new Snapshot containing exactly the traces that
// pass filters, per §4.6: an empty filter list yields a structural copy
// (same traces, distinct container identity, so mutating one's slice never
// affects the other).
func (snap *Snapshot) FilterTraces(filters []Filter) *Snapshot {
	kept := FilterTraces(snap.Traces, filters)
	return &Snapshot{Traces: kept, TracebackLimit: snap.TracebackLimit, SampleRate: snap.SampleRate}
}

// GroupBy selects the key a Statistic is computed over.
type GroupBy string

const (
	GroupByFilename  GroupBy = "filename"
	GroupByLineno    GroupBy = "lineno"
	GroupByTraceback GroupBy = "traceback"
)

// ErrCumulativeTraceback is returned when cumulative statistics are
// requested with GroupByTraceback, which tracemalloc also rejects: summing
// whole-stack groups cumulatively is not a meaningful operation (every trace
// already belongs to exactly one traceback group).
var ErrCumulativeTraceback = errors.New("snapshot: cumulative statistics are not supported for traceback grouping")

// Statistic is one row of a Statistics() result: a group key (represented as
// the Stack that produced it) plus the total size and trace count attributed
// to that key.
type Statistic struct {
	Traceback Stack
	Size      uint64
	Count     int
}

// Average returns size/count, or 0 if count is 0.
func (s Statistic) Average() uint64 {
	if s.Count == 0 {
		return 0
	}
	return s.Size / uint64(s.Count)
}

func (s Statistic) String() string {
	return fmt.Sprintf("%s: size=%d B, count=%d, average=%d B",
		s.Traceback.String(), s.Size, s.Count, s.Average())
}

// StatisticDiff is one row of a CompareTo() result: a Statistic plus its
// delta against a prior snapshot's matching group.
type StatisticDiff struct {
	Statistic
	SizeDiff  int64
	CountDiff int64
}

func (d StatisticDiff) String() string {
	return fmt.Sprintf("%s: size=%d B (%+d B), count=%d (%+d), average=%d B",
		d.Traceback.String(), d.Size, d.SizeDiff, d.Count, d.CountDiff, d.Average())
}

// attributionFrame returns the single frame a non-cumulative filename/lineno
// statistic groups by: the leaf frame, Stack[0] — the same frame Trace and
// Traceback already display as the allocation site (DESIGN.md open-question
// decision 4).
func attributionFrame(s Stack, groupBy GroupBy) Frame {
	leaf := s[0]
	if groupBy == GroupByFilename {
		return Frame{Filename: leaf.Filename}
	}
	return leaf
}

// Statistics groups every trace in the snapshot by groupBy and returns the
// resulting rows sorted by size descending, then count descending, then key
// ascending. When cumulative is true, a trace contributes to every distinct
// key reachable among its frames (not just its attribution frame), counted
// at most once per trace per key.
func (snap *Snapshot) Statistics(groupBy GroupBy, cumulative bool) ([]Statistic, error) {
	if cumulative && groupBy == GroupByTraceback {
		return nil, ErrCumulativeTraceback
	}

	type agg struct {
		key   Stack
		size  uint64
		count int
	}
	byKey := make(map[string]*agg)

	addKey := func(rep Stack, size uint64) {
		k := rep.key()
		a, ok := byKey[k]
		if !ok {
			a = &agg{key: rep}
			byKey[k] = a
		}
		a.size += size
		a.count++
	}

	for _, t := range snap.Traces {
		if len(t.Stack) == 0 {
			continue
		}
		switch {
		case groupBy == GroupByTraceback:
			addKey(t.Stack, t.Size)
		case cumulative:
			seen := make(map[string]bool, len(t.Stack))
			for _, fr := range t.Stack {
				var rep Frame
				if groupBy == GroupByFilename {
					rep = Frame{Filename: fr.Filename}
				} else {
					rep = fr
				}
				k := rep.String()
				if seen[k] {
					continue
				}
				seen[k] = true
				addKey(Stack{rep}, t.Size)
			}
		default:
			addKey(Stack{attributionFrame(t.Stack, groupBy)}, t.Size)
		}
	}

	out := make([]Statistic, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, Statistic{Traceback: a.key, Size: a.size, Count: a.count})
	}
	sortStatistics(out)
	return out, nil
}

func sortStatistics(stats []Statistic) {
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Traceback.key() < b.Traceback.key()
	})
}

// CompareTo diffs snap against a prior snapshot, grouping both by groupBy
// first and matching rows by key. Rows present in only one snapshot are
// reported with the missing side's size/count treated as zero. Results are
// sorted by |size diff| descending, then size descending, then |count diff|
// descending, then count descending, then key ascending.
func (snap *Snapshot) CompareTo(old *Snapshot, groupBy GroupBy, cumulative bool) ([]StatisticDiff, error) {
	newStats, err := snap.Statistics(groupBy, cumulative)
	if err != nil {
		return nil, err
	}
	oldStats, err := old.Statistics(groupBy, cumulative)
	if err != nil {
		return nil, err
	}

	oldByKey := make(map[string]Statistic, len(oldStats))
	for _, s := range oldStats {
		oldByKey[s.Traceback.key()] = s
	}
	seen := make(map[string]bool, len(newStats))

	out := make([]StatisticDiff, 0, len(newStats))
	for _, n := range newStats {
		k := n.Traceback.key()
		seen[k] = true
		o := oldByKey[k]
		out = append(out, StatisticDiff{
			Statistic: n,
			SizeDiff:  int64(n.Size) - int64(o.Size),
			CountDiff: int64(n.Count) - int64(o.Count),
		})
	}
	for _, o := range oldStats {
		k := o.Traceback.key()
		if seen[k] {
			continue
		}
		out = append(out, StatisticDiff{
			Statistic: Statistic{Traceback: o.Traceback, Size: 0, Count: 0},
			SizeDiff:  -int64(o.Size),
			CountDiff: -int64(o.Count),
		})
	}

	sortStatisticDiffs(out)
	return out, nil
}

func sortStatisticDiffs(diffs []StatisticDiff) {
	abs64 := func(v int64) int64 {
		if v < 0 {
			return -v
		}
		return v
	}
	sort.Slice(diffs, func(i, j int) bool {
		a, b := diffs[i], diffs[j]
		if as, bs := abs64(a.SizeDiff), abs64(b.SizeDiff); as != bs {
			return as > bs
		}
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if ac, bc := abs64(a.CountDiff), abs64(b.CountDiff); ac != bc {
			return ac > bc
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Traceback.key() < b.Traceback.key()
	})
}
