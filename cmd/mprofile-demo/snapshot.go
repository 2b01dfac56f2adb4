// snapshot.go implements the 'mprofile-demo snapshot' command.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/timpalpant/mprofile"
	"github.com/timpalpant/mprofile/internal/mprofile/format"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
)

// snapshotCommand runs a synthetic allocation workload with tracing enabled,
// takes a snapshot, and prints it grouped by the requested key.
//
// Example:
//
//	mprofile-demo snapshot -group lineno
func snapshotCommand(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	group := fs.String("group", "lineno", "group statistics by: filename, lineno, or traceback")
	cumulative := fs.Bool("cumulative", false, "attribute each trace's size to every frame it passes through")
	_ = fs.Parse(args)

	if err := mprofile.Start(mprofile.StartOptions{SampleRate: 1, MaxFrames: 8}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start tracing: %v\n", err)
		os.Exit(1)
	}
	defer mprofile.Stop()

	addrs := runWorkload()
	defer freeAll(addrs)

	snap, err := mprofile.TakeSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to take snapshot: %v\n", err)
		os.Exit(1)
	}

	stats, err := snap.Statistics(snapshot.GroupBy(*group), *cumulative)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Top allocations by %s ===\n", *group)
	for _, s := range stats {
		fmt.Println(format.Statistic(s))
	}
}

// runWorkload performs a handful of distinctly-shaped allocations, keeping
// the buffers alive (and their addresses traced) so the following snapshot
// has more than one call site to group by.
func runWorkload() []uintptr {
	var addrs []uintptr
	for i := 0; i < 50; i++ {
		addrs = append(addrs, allocateSmall())
	}
	for i := 0; i < 5; i++ {
		addrs = append(addrs, allocateLarge())
	}
	return addrs
}

// freeAll releases every address runWorkload traced, so a later workload
// phase in the same process starts from a clean trace table.
func freeAll(addrs []uintptr) {
	for _, addr := range addrs {
		mprofile.Free(addr)
	}
}

var liveBuffers [][]byte

func allocateSmall() uintptr {
	buf := make([]byte, 64)
	liveBuffers = append(liveBuffers, buf)
	addr := bufAddr(buf)
	mprofile.Alloc(addr, uint64(len(buf)))
	return addr
}

func allocateLarge() uintptr {
	buf := make([]byte, 4096)
	liveBuffers = append(liveBuffers, buf)
	addr := bufAddr(buf)
	mprofile.Alloc(addr, uint64(len(buf)))
	return addr
}
