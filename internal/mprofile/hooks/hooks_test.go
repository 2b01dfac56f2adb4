package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInstall_ActivatesTable(t *testing.T) {
	var allocs int
	restore, err := Install(Table{Alloc: func(addr uintptr, size uint64) { allocs++ }})
	if err != nil {
		t.Fatal(err)
	}
	defer restore()

	got, ok := Current()
	if !ok {
		t.Fatal("expected a table to be installed")
	}
	got.Alloc(0x1, 1)
	if allocs != 1 {
		t.Fatalf("expected the installed Alloc to have fired, allocs=%d", allocs)
	}
}

func TestInstall_SecondInstallWithoutRestoreFails(t *testing.T) {
	restore, err := Install(Table{Alloc: func(addr uintptr, size uint64) {}})
	if err != nil {
		t.Fatal(err)
	}
	defer restore()

	_, err = Install(Table{Alloc: func(addr uintptr, size uint64) {}})
	if !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("expected ErrAlreadyInstalled, got %v", err)
	}
}

func TestRestore_AllowsReinstallAfterwards(t *testing.T) {
	var firstAllocs, secondAllocs int
	restoreFirst, err := Install(Table{Alloc: func(addr uintptr, size uint64) { firstAllocs++ }})
	if err != nil {
		t.Fatal(err)
	}
	restoreFirst()

	restoreSecond, err := Install(Table{Alloc: func(addr uintptr, size uint64) { secondAllocs++ }})
	if err != nil {
		t.Fatalf("expected install to succeed after the prior table was restored: %v", err)
	}
	defer restoreSecond()

	got, _ := Current()
	got.Alloc(0x1, 1)
	if secondAllocs != 1 || firstAllocs != 0 {
		t.Fatalf("expected only the second table's Alloc to fire, got first=%d second=%d", firstAllocs, secondAllocs)
	}
}

func TestRestore_UninstallsBackToEmpty(t *testing.T) {
	restore, err := Install(Table{Alloc: func(addr uintptr, size uint64) {}})
	if err != nil {
		t.Fatal(err)
	}
	restore()

	if _, ok := Current(); ok {
		t.Fatal("expected Current to report no table installed after restore")
	}
}

func TestCurrent_ReportsFalseWhenNoTableInstalled(t *testing.T) {
	if _, ok := Current(); ok {
		t.Skip("another table is already installed from a concurrently running test")
	}
}

func TestInstallRuntimeMemStats_ReportsGrowthAndStopsOnCancel(t *testing.T) {
	var samples atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	InstallRuntimeMemStats(ctx, 5*time.Millisecond, func(size uint64) {
		samples.Add(1)
	})

	// Allocate to guarantee the heap-allocation counter grows during the
	// polling window.
	deadline := time.Now().Add(200 * time.Millisecond)
	for samples.Load() == 0 && time.Now().Before(deadline) {
		sink := make([]byte, 1<<20)
		_ = sink
		time.Sleep(5 * time.Millisecond)
	}
	if samples.Load() == 0 {
		t.Fatal("expected at least one sample to be reported from heap growth")
	}

	cancel()
	time.Sleep(20 * time.Millisecond) // let the polling goroutine observe ctx.Done and exit
}
