// Command flowctl operates a taskflow service: submit workflows, follow
// their events, cancel or resume them, and inspect their logs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
