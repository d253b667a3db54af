// Command oryx is the core ingest/inspection pipeline: it attaches the
// kernel classifier, drains its ring buffers into a packet store, and
// runs the background projections (fuzzy search, stats, bandwidth,
// threat detection, PID resolution) described in spec.md §2 and §4. The
// terminal UI that renders this state is out of scope (spec.md §1).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
