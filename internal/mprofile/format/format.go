// Package format implements the human-readable rendering rules of §4.7:
// Traceback.Format expands a Stack into the "File ..." / source-line pairs
// python tracebacks are printed as.
package format

import (
	"fmt"
	"strings"

	"github.com/timpalpant/mprofile/internal/mprofile/linecache"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
)

// Traceback formats a single stack.
type Traceback struct {
	Stack snapshot.Stack
	Cache *linecache.Cache
}

// Frame renders one call site as "filename:lineno", matching Frame's own
// string form.
func Frame(f snapshot.Frame) string {
	return f.String()
}

// Format renders tb's frames as alternating "File ..." / source-line
// strings, most deeply nested caller last by default.
//
// Output order is root-first (Stack reversed) unless mostRecentFirst is
// true, in which case it is leaf-first (Stack as stored). limit > 0 keeps
// only the first limit frames of that output order; limit < 0 keeps only
// the last |limit|; limit == 0 keeps everything.
func (tb Traceback) Format(limit int, mostRecentFirst bool) []string {
	order := make(snapshot.Stack, len(tb.Stack))
	copy(order, tb.Stack)
	if !mostRecentFirst {
		reverse(order)
	}

	if limit > 0 && limit < len(order) {
		order = order[:limit]
	} else if limit < 0 {
		n := -limit
		if n < len(order) {
			order = order[len(order)-n:]
		}
	}

	cache := tb.Cache
	out := make([]string, 0, len(order)*2)
	for _, fr := range order {
		out = append(out, fmt.Sprintf("  File %q, line %d", fr.Filename, fr.Lineno))
		if cache != nil {
			if line := cache.Getline(fr.Filename, fr.Lineno); line != "" {
				out = append(out, "    "+strings.TrimSpace(line))
			}
		}
	}
	return out
}

// String renders tb the same way Traceback.__str__ does: the leaf frame
// only, per §4.7.
func (tb Traceback) String() string {
	return tb.Stack.String()
}

func reverse(s snapshot.Stack) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Statistic renders a snapshot.Statistic as "<leaf>: size=<size> B,
// count=<count>, average=<average> B", delegating to its own String method; exposed here so
// callers formatting a whole report can import one package.
func Statistic(s snapshot.Statistic) string { return s.String() }

// StatisticDiff renders a snapshot.StatisticDiff including its size/count
// deltas, delegating to its own String method.
func StatisticDiff(d snapshot.StatisticDiff) string { return d.String() }
