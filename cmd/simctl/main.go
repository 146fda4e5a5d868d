// Command simctl is the operator CLI for the simulation service: schema
// migration, scenario catalog checks and learner progress lookups.
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
