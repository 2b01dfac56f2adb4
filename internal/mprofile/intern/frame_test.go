package intern

import (
	"sync"
	"testing"
)

func TestFrameTable_InternIsIdempotent(t *testing.T) {
	ft := NewFrameTable()
	f := Frame{Name: "fn", Filename: "a.go", FirstLine: 10, Line: 12}

	h1 := ft.Intern(f)
	h2 := ft.Intern(f)

	if h1 != h2 {
		t.Fatalf("interning the same frame twice returned different handles: %d != %d", h1, h2)
	}
	if ft.Len() != 1 {
		t.Fatalf("expected 1 distinct frame, got %d", ft.Len())
	}
}

func TestFrameTable_DistinctFramesGetDistinctHandles(t *testing.T) {
	ft := NewFrameTable()
	a := ft.Intern(Frame{Name: "fn", Filename: "a.go", FirstLine: 1, Line: 2})
	b := ft.Intern(Frame{Name: "fn", Filename: "a.go", FirstLine: 1, Line: 3})

	if a == b {
		t.Fatal("frames differing only in Line must get distinct handles")
	}
	if ft.Len() != 2 {
		t.Fatalf("expected 2 distinct frames, got %d", ft.Len())
	}
}

func TestFrameTable_FrameRoundTrips(t *testing.T) {
	ft := NewFrameTable()
	want := Frame{Name: "fn", Filename: "a.go", FirstLine: 1, Line: 2}
	h := ft.Intern(want)

	got := ft.Frame(h)
	if got != want {
		t.Fatalf("Frame(%d) = %+v, want %+v", h, got, want)
	}
}

func TestFrameTable_InvalidHandleReturnsZeroValue(t *testing.T) {
	ft := NewFrameTable()
	got := ft.Frame(invalidFrameHandle)
	if got != (Frame{}) {
		t.Fatalf("Frame(invalid) = %+v, want zero value", got)
	}
}

func TestFrameTable_ConcurrentInternIsRaceFree(t *testing.T) {
	ft := NewFrameTable()
	var wg sync.WaitGroup
	frames := []Frame{
		{Name: "a", Filename: "a.go", Line: 1},
		{Name: "b", Filename: "b.go", Line: 2},
		{Name: "c", Filename: "c.go", Line: 3},
	}

	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				ft.Intern(frames[i%len(frames)])
			}
		}()
	}
	wg.Wait()

	if ft.Len() != len(frames) {
		t.Fatalf("expected %d distinct frames after concurrent interning, got %d", len(frames), ft.Len())
	}
}

func BenchmarkFrameTable_InternNew(b *testing.B) {
	ft := NewFrameTable()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ft.Intern(Frame{Name: "fn", Filename: "a.go", Line: i})
	}
}

func BenchmarkFrameTable_InternExisting(b *testing.B) {
	ft := NewFrameTable()
	f := Frame{Name: "fn", Filename: "a.go", Line: 1}
	ft.Intern(f)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ft.Intern(f)
	}
}
