// compare.go implements the 'mprofile-demo compare' command.
package main

import (
	"fmt"
	"os"

	"github.com/timpalpant/mprofile"
	"github.com/timpalpant/mprofile/internal/mprofile/format"
	"github.com/timpalpant/mprofile/internal/mprofile/snapshot"
)

// compareCommand runs two phases of a workload, snapshotting after each, and
// prints the statistics diff between them.
func compareCommand(_ []string) {
	if err := mprofile.Start(mprofile.StartOptions{SampleRate: 1, MaxFrames: 8}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start tracing: %v\n", err)
		os.Exit(1)
	}
	defer mprofile.Stop()

	allocateSmall()
	before, err := mprofile.TakeSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to take snapshot: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < 20; i++ {
		allocateSmall()
	}
	allocateLarge()
	after, err := mprofile.TakeSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to take snapshot: %v\n", err)
		os.Exit(1)
	}

	diffs, err := after.CompareTo(before, snapshot.GroupByLineno, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Allocation growth between phases ===")
	for _, d := range diffs {
		fmt.Println(format.StatisticDiff(d))
	}
}
