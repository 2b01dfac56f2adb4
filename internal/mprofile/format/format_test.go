package format

import (
	"strings"
	"testing"

	"github.com/timpalpant/mprofile/internal/mprofile/linecache"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
)

func fakeCache(contents map[string][]string) *linecache.Cache {
	c := linecache.New()
	c.Reader = func(filename string) ([]string, error) {
		lines, ok := contents[filename]
		if !ok {
			return nil, nil
		}
		return lines, nil
	}
	return c
}

func TestTraceback_Format_LeafLastByDefault(t *testing.T) {
	cache := fakeCache(map[string][]string{
		"b.py": {"", "", "", "    <b.py, 4>"},
	})
	tb := Traceback{
		Stack: snapshot.Stack{{Filename: "b.py", Lineno: 4}, {Filename: "a.py", Lineno: 2}},
		Cache: cache,
	}

	got := tb.Format(-1, false)
	want := []string{`  File "b.py", line 4`, "    <b.py, 4>"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines %v, want %d lines %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTraceback_Format_MostRecentFirstKeepsStoredOrder(t *testing.T) {
	tb := Traceback{
		Stack: snapshot.Stack{{Filename: "a.py", Lineno: 2}, {Filename: "b.py", Lineno: 4}},
	}

	got := tb.Format(0, true)
	if len(got) != 2 {
		t.Fatalf("expected 2 lines (no source cache), got %d: %v", len(got), got)
	}
	if !strings.Contains(got[0], "a.py") || !strings.Contains(got[1], "b.py") {
		t.Fatalf("expected leaf-first order a.py then b.py, got %v", got)
	}
}

func TestTraceback_Format_PositiveLimitKeepsFirstN(t *testing.T) {
	tb := Traceback{
		Stack: snapshot.Stack{{Filename: "leaf.py", Lineno: 1}, {Filename: "mid.py", Lineno: 2}, {Filename: "root.py", Lineno: 3}},
	}

	got := tb.Format(1, false)
	if len(got) != 1 {
		t.Fatalf("expected 1 line for limit=1, got %d: %v", len(got), got)
	}
	if !strings.Contains(got[0], "root.py") {
		t.Fatalf("root-first order's first kept frame should be root.py, got %q", got[0])
	}
}

func TestTraceback_String_IsLeafFrame(t *testing.T) {
	tb := Traceback{Stack: snapshot.Stack{{Filename: "a.py", Lineno: 2}, {Filename: "b.py", Lineno: 4}}}
	if tb.String() != "a.py:2" {
		t.Fatalf("got %q, want %q", tb.String(), "a.py:2")
	}
}

func TestFrame_RendersFilenameAndLineno(t *testing.T) {
	if got := Frame(snapshot.Frame{Filename: "a.py", Lineno: 2}); got != "a.py:2" {
		t.Fatalf("got %q, want %q", got, "a.py:2")
	}
}

func TestStatistic_DelegatesToString(t *testing.T) {
	s := snapshot.Statistic{Traceback: snapshot.Stack{{Filename: "a.py", Lineno: 2}}, Size: 30, Count: 3}
	if Statistic(s) != s.String() {
		t.Fatal("Statistic(s) must delegate to s.String()")
	}
}

func TestStatisticDiff_DelegatesToString(t *testing.T) {
	d := snapshot.StatisticDiff{
		Statistic: snapshot.Statistic{Traceback: snapshot.Stack{{Filename: "a.py", Lineno: 2}}, Size: 30, Count: 3},
		SizeDiff:  10,
		CountDiff: 1,
	}
	if StatisticDiff(d) != d.String() {
		t.Fatal("StatisticDiff(d) must delegate to d.String()")
	}
}
