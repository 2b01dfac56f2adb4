// Package hooks implements the allocator-hook adapter of §4.5: the
// integration point a host uses to notify the trace recorder of every
// malloc/realloc/free-equivalent operation.
//
// Go ships no allocator-hook registration API and no mutable allocator
// dispatch table a library can safely patch, unlike the interpreter this
// profiler's design is modeled on. The honest Go analogue is a first-class
// Table value: a host wires its own allocation path (a custom sync.Pool, an
// arena allocator, an instrumented make/new wrapper) to call the three Table
// functions directly. Only one Table is active at a time; Install does not
// forward calls to any earlier table.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Table is the capability-set of the three allocator domains §4.5 calls
// out: raw, object, and memory allocation all funnel through the same
// Alloc/Realloc/Free trio.
type Table struct {
	Alloc   func(addr uintptr, size uint64)
	Realloc func(oldAddr, newAddr uintptr, newSize uint64)
	Free    func(addr uintptr)
}

func (t Table) isZero() bool {
	return t.Alloc == nil && t.Realloc == nil && t.Free == nil
}

// ErrAlreadyInstalled is returned by Install when a Table is already active;
// a host must Restore the previous one before installing another.
var ErrAlreadyInstalled = errors.New("hooks: a table is already installed")

var (
	mu       sync.Mutex
	active   Table
	previous *Table // table active before Install, reinstated by restore
)

// Install registers t as the active hook table. It fails with
// ErrAlreadyInstalled while a non-empty table is active, so t never runs
// alongside an earlier table, and calls made through t are not forwarded to
// any other table. It returns a restore function that uninstalls t and
// reinstates the table that was active before it (always an empty one).
func Install(t Table) (restore func(), err error) {
	mu.Lock()
	defer mu.Unlock()

	if !active.isZero() {
		return nil, fmt.Errorf("hooks: install %s: %w", correlationID(), ErrAlreadyInstalled)
	}

	prior := active
	previous = &prior
	active = t

	return func() {
		mu.Lock()
		defer mu.Unlock()
		active = Table{}
		if previous != nil {
			active = *previous
			previous = nil
		}
	}, nil
}

// Current returns the active table and whether one is installed.
func Current() (Table, bool) {
	mu.Lock()
	defer mu.Unlock()
	return active, !active.isZero()
}

func correlationID() string {
	return uuid.NewString()
}

// InstallRuntimeMemStats is the fallback strategy §4.5 calls "runtime
// patching": when a host cannot wire an explicit Table, this polls Go's
// runtime/metrics heap-allocation counter on an interval and reports the
// delta as a single synthetic allocation via onSample, trading per-object
// precision for zero integration cost. A structured warning is logged once,
// since this path is always a degraded fallback relative to Table.
func InstallRuntimeMemStats(ctx context.Context, interval time.Duration, onSample func(size uint64)) {
	logrus.WithFields(logrus.Fields{
		"correlation_id": correlationID(),
		"strategy":       "runtime_metrics_poll",
	}).Warn("hooks: falling back to runtime/metrics polling; per-allocation precision is not available")

	sample := []metrics.Sample{{Name: "/gc/heap/allocs:bytes"}}
	metrics.Read(sample)
	last := sample[0].Value.Uint64()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.Read(sample)
				cur := sample[0].Value.Uint64()
				if cur > last {
					onSample(cur - last)
				}
				last = cur
			}
		}
	}()
}
