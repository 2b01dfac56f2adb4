// Package intern implements the frame and stack-chain interners described
// in §4.2: deduplicating stores that hand out stable, dense handles so
// equal frames and equal stacks compare equal by identity.
package intern

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Frame is the immutable four-tuple identifying a call site.
type Frame struct {
	Name        string
	Filename    string
	FirstLine   int
	Line        int
}

// FrameHandle is a stable, dense index into a FrameTable. The zero value is
// never a valid handle (index 0 is reserved).
type FrameHandle uint32

const invalidFrameHandle FrameHandle = 0

// FrameTable is a reader-writer-safe deduplicating store for Frame values,
// keyed by a 64-bit content hash of the four fields with full-tuple equality
// on collision, per §4.2's "alternative" structure.
type FrameTable struct {
	mu     sync.RWMutex
	frames []Frame               // index 0 unused (reserved sentinel slot)
	byHash map[uint64][]FrameHandle
}

// NewFrameTable returns an empty FrameTable.
func NewFrameTable() *FrameTable {
	return &FrameTable{
		frames: make([]Frame, 1), // reserve handle 0
		byHash: make(map[uint64][]FrameHandle),
	}
}

func hashFrame(f Frame) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(f.Name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(f.Filename)
	_, _ = d.Write([]byte{0})
	var buf [16]byte
	putInt(buf[0:8], f.FirstLine)
	putInt(buf[8:16], f.Line)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

func putInt(b []byte, v int) {
	u := uint64(int64(v))
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// Intern returns the stable handle for f, creating a new entry if this
// exact tuple has never been seen.
func (t *FrameTable) Intern(f Frame) FrameHandle {
	h := hashFrame(f)

	t.mu.RLock()
	for _, candidate := range t.byHash[h] {
		if t.frames[candidate] == f {
			t.mu.RUnlock()
			return candidate
		}
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under the write lock: another goroutine may have interned
	// the same frame between the RUnlock above and this Lock.
	for _, candidate := range t.byHash[h] {
		if t.frames[candidate] == f {
			return candidate
		}
	}
	t.frames = append(t.frames, f)
	handle := FrameHandle(len(t.frames) - 1)
	t.byHash[h] = append(t.byHash[h], handle)
	return handle
}

// Frame returns the Frame associated with handle. The zero value is
// returned for the invalid handle.
func (t *FrameTable) Frame(handle FrameHandle) Frame {
	if handle == invalidFrameHandle {
		return Frame{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frames[handle]
}

// Len reports the number of distinct interned frames.
func (t *FrameTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames) - 1
}

// MemoryCost estimates the bookkeeping cost of this table in bytes, used by
// the public GetTracemallocMemory accounting.
func (t *FrameTable) MemoryCost() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	const approxFrameBytes = 64 // two string headers + backing + two ints, rough
	return uint64(len(t.frames)) * approxFrameBytes
}
