// Command mprofile-demo exercises the mprofile library end to end without
// requiring a host program of its own: it drives a small synthetic
// allocation workload through mprofile.Alloc/Free and prints the resulting
// snapshots.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "snapshot":
		snapshotCommand(os.Args[2:])
	case "compare":
		compareCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("mprofile-demo version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`mprofile-demo - sampling heap profiler demonstration tool

USAGE:
    mprofile-demo <command> [arguments]

COMMANDS:
    snapshot   Run a synthetic workload and print grouped statistics
    compare    Run two workload phases and print a statistics diff
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Print size/count statistics grouped by call site
    mprofile-demo snapshot -group lineno

    # Compare two phases of a workload
    mprofile-demo compare

`)
}
