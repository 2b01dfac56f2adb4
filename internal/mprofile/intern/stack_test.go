package intern

import "testing"

func TestStackTable_InternLeafFirst_RoundTripsLeafFirst(t *testing.T) {
	ft := NewFrameTable()
	st := NewStackTable()

	// leaf-first input: index 0 is the allocation site.
	seq := []Frame{
		{Name: "alloc", Filename: "a.go", Line: 2},
		{Name: "caller", Filename: "b.go", Line: 4},
	}
	h := st.InternLeafFirst(ft, seq, 8)

	got := st.Frames(ft, h)
	if len(got) != len(seq) {
		t.Fatalf("got %d frames, want %d", len(got), len(seq))
	}
	for i := range seq {
		if got[i] != seq[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, got[i], seq[i])
		}
	}
}

func TestStackTable_EqualSequencesShareHandle(t *testing.T) {
	ft := NewFrameTable()
	st := NewStackTable()

	seq := []Frame{
		{Name: "alloc", Filename: "a.go", Line: 2},
		{Name: "caller", Filename: "b.go", Line: 4},
	}
	h1 := st.InternLeafFirst(ft, seq, 8)
	h2 := st.InternLeafFirst(ft, append([]Frame{}, seq...), 8)

	if h1 != h2 {
		t.Fatalf("identical stacks got different handles: %d != %d", h1, h2)
	}
}

func TestStackTable_CommonSuffixSharesTrieNodes(t *testing.T) {
	ft := NewFrameTable()
	st := NewStackTable()

	base := []Frame{{Name: "caller", Filename: "b.go", Line: 4}}
	withLeafA := append([]Frame{{Name: "alloc", Filename: "a.go", Line: 2}}, base...)
	withLeafB := append([]Frame{{Name: "alloc", Filename: "a.go", Line: 5}}, base...)

	h1 := st.InternLeafFirst(ft, withLeafA, 8)
	h2 := st.InternLeafFirst(ft, withLeafB, 8)

	if h1 == h2 {
		t.Fatal("stacks with different leaves must not share a handle")
	}

	// Both stacks' second (outer) frame should be the same trie node, since
	// construction walks root-first.
	f1 := st.Frames(ft, h1)
	f2 := st.Frames(ft, h2)
	if f1[1] != f2[1] {
		t.Fatalf("expected shared outer frame, got %+v and %+v", f1[1], f2[1])
	}
	if p1, p2 := st.nodes[h1].parent, st.nodes[h2].parent; p1 != p2 {
		t.Fatalf("expected both leaves to hang off one outer trie node, got parents %d and %d", p1, p2)
	}
}

func TestStackTable_TruncatesToLimit(t *testing.T) {
	ft := NewFrameTable()
	st := NewStackTable()

	seq := []Frame{
		{Name: "a", Filename: "a.go", Line: 1},
		{Name: "b", Filename: "b.go", Line: 2},
		{Name: "c", Filename: "c.go", Line: 3},
	}
	h := st.InternLeafFirst(ft, seq, 2)

	got := st.Frames(ft, h)
	if len(got) != 2 {
		t.Fatalf("expected truncation to 2 frames, got %d", len(got))
	}
	if got[0] != seq[0] || got[1] != seq[1] {
		t.Fatalf("truncation must keep the leafmost frames, got %+v", got)
	}
}

func TestStackTable_EmptySequenceIsRootHandle(t *testing.T) {
	ft := NewFrameTable()
	st := NewStackTable()

	h := st.InternLeafFirst(ft, nil, 8)
	if h != rootStackHandle {
		t.Fatalf("expected root handle for empty sequence, got %d", h)
	}
	if st.Len(h) != 0 {
		t.Fatalf("expected zero length, got %d", st.Len(h))
	}
}

func BenchmarkStackTable_InternLeafFirst(b *testing.B) {
	ft := NewFrameTable()
	st := NewStackTable()
	seq := []Frame{
		{Name: "alloc", Filename: "a.go", Line: 2},
		{Name: "caller", Filename: "b.go", Line: 4},
		{Name: "main", Filename: "main.go", Line: 10},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		st.InternLeafFirst(ft, seq, 8)
	}
}
