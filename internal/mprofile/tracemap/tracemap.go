// Package tracemap implements the sharded concurrent trace table described
// in §4.3: a mapping from live allocation address to (size, stack), split
// across N independently-locked shards so insert/remove on the hot path
// never contend on a single global lock.
package tracemap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/timpalpant/mprofile/internal/mprofile/intern"
)

// goldenRatio64 is the same multiplicative mixing constant the shadow-memory
// shard selector in this codebase's ancestor used for address hashing: one
// multiply and a shift gives a well-distributed, allocation-free mix.
const goldenRatio64 = 0x9E3779B97F4A7C15

// Entry is the value half of the trace table: a live allocation's size and
// its interned call stack.
type Entry struct {
	Size  uint64
	Stack intern.StackHandle
}

// RawEntry is a point-in-time copy of one trace table row, as produced by
// Snapshot.
type RawEntry struct {
	Addr  uintptr
	Size  uint64
	Stack intern.StackHandle
}

type shard struct {
	mu      sync.Mutex
	entries map[uintptr]Entry
}

// Map is the sharded trace table. Zero value is not usable; construct with
// New.
type Map struct {
	shards    []shard
	shardBits uint

	currentBytes atomic.Int64
	peakBytes    atomic.Int64
}

// New creates a Map with numShards shards, which must be a power of two.
func New(numShards int) (*Map, error) {
	if numShards <= 0 || numShards&(numShards-1) != 0 {
		return nil, fmt.Errorf("tracemap: shard count %d is not a positive power of two", numShards)
	}
	m := &Map{
		shards:    make([]shard, numShards),
		shardBits: bitLen(numShards) - 1,
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[uintptr]Entry)
	}
	return m, nil
}

func bitLen(n int) uint {
	var bits uint
	for n > 0 {
		bits++
		n >>= 1
	}
	return bits
}

func (m *Map) shardFor(addr uintptr) *shard {
	h := uint64(addr) * goldenRatio64
	idx := h >> (64 - m.shardBits)
	return &m.shards[idx]
}

// Insert records size/stack for addr, overwriting any existing entry for
// the same address (legal per §4.3: a correct host never double-allocates
// the same live address, but a stale entry from address reuse must not
// corrupt the structure).
func (m *Map) Insert(addr uintptr, e Entry) {
	s := m.shardFor(addr)
	s.mu.Lock()
	if old, ok := s.entries[addr]; ok {
		m.currentBytes.Add(-int64(old.Size))
	}
	s.entries[addr] = e
	m.currentBytes.Add(int64(e.Size))
	s.mu.Unlock()

	m.bumpPeak()
}

func (m *Map) bumpPeak() {
	current := m.currentBytes.Load()
	for {
		peak := m.peakBytes.Load()
		if current <= peak {
			return
		}
		if m.peakBytes.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Remove deletes addr's entry, if any, and subtracts its size from the
// current-bytes counter. Removing an unknown address is a no-op (a free of
// a non-sampled allocation).
func (m *Map) Remove(addr uintptr) (Entry, bool) {
	s := m.shardFor(addr)
	s.mu.Lock()
	e, ok := s.entries[addr]
	if ok {
		delete(s.entries, addr)
		m.currentBytes.Add(-int64(e.Size))
	}
	s.mu.Unlock()
	return e, ok
}

// Lookup returns the current entry for addr without removing it, used by
// GetObjectTraceback.
func (m *Map) Lookup(addr uintptr) (Entry, bool) {
	s := m.shardFor(addr)
	s.mu.Lock()
	e, ok := s.entries[addr]
	s.mu.Unlock()
	return e, ok
}

// Snapshot copies every live entry, acquiring and releasing one shard at a
// time so no caller ever observes all shards locked simultaneously. The
// result is weakly consistent: it reflects some interleaving of concurrent
// inserts/removes, not a global instant (§5).
func (m *Map) Snapshot() []RawEntry {
	out := make([]RawEntry, 0, m.lenHint())
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for addr, e := range s.entries {
			out = append(out, RawEntry{Addr: addr, Size: e.Size, Stack: e.Stack})
		}
		s.mu.Unlock()
	}
	return out
}

func (m *Map) lenHint() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Clear empties every shard and zeros both counters. Shards are cleared one
// at a time, same locking discipline as Snapshot.
func (m *Map) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.entries = make(map[uintptr]Entry)
		s.mu.Unlock()
	}
	m.currentBytes.Store(0)
	m.peakBytes.Store(0)
}

// Counters returns (currently traced bytes, peak traced bytes).
func (m *Map) Counters() (current, peak uint64) {
	return uint64(m.currentBytes.Load()), uint64(m.peakBytes.Load())
}

// MemoryCost estimates the bookkeeping cost of the table itself in bytes.
func (m *Map) MemoryCost() uint64 {
	const approxEntryBytes = 32 // map bucket overhead + Entry fields, rough
	return uint64(m.lenHint()) * approxEntryBytes
}
