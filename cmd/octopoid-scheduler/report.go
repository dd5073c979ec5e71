package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxthelion/octopoid/internal/scheduler"
)

// printTickResult summarizes one tick for an operator watching stdout:
// claims, spawns, and any job failures, colorized green for success and
// red for failure.
func printTickResult(cmd *cobra.Command, r scheduler.TickResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s claims=%d spawns=%d\n", okStyle("tick complete"), r.Claims, r.Spawns)
	for _, o := range r.JobOutcomes {
		if o.Err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", errorStyle("job failed"), o.Name, o.Err)
		} else if o.Ran {
			fmt.Fprintf(out, "  %s %s\n", dimStyle("job ran"), o.Name)
		}
	}
	for blueprintName, results := range r.GuardResults {
		if len(results) == 0 {
			continue
		}
		last := results[len(results)-1]
		if !last.Proceed {
			fmt.Fprintf(out, "  %s %s: %s (%s)\n", warnStyle("guard stopped"), blueprintName, last.Name, last.Reason)
		}
	}
}
