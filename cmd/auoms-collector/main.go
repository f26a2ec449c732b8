// Command auoms-collector runs the Linux host audit telemetry pipeline:
// claim AUDIT netlink delivery, assemble completed events, durably queue
// them, and forward them to one or more configured outputs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
