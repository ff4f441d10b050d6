package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/roach88/regua/internal/harness"
	"github.com/roach88/regua/internal/ir"
)

const displayLayout = "2006-01-02 15:04 MST"

// printEvents writes one line per event with instants shown in loc.
func printEvents(w io.Writer, events []ir.ScheduledEvent, loc *time.Location) {
	if len(events) == 0 {
		fmt.Fprintln(w, "  (no events)")
		return
	}
	for _, ev := range events {
		var flags string
		if ev.ManualOverride {
			flags += " [override]"
		}
		if ev.SyncFailed {
			flags += " [sync failed]"
		}
		fmt.Fprintf(w, "  %-20s  %-20s  %-9s  %s/%s  %s%s\n",
			ev.ScheduledAt.In(loc).Format(displayLayout),
			harness.EventRef(ev), ev.Status, ev.Channel, ev.Action, ir.ShortID(ev.ID), flags)
		if last := len(ev.Log) - 1; last >= 0 {
			fmt.Fprintf(w, "  %-20s  └ %s\n", "", ev.Log[last].Reason)
		}
	}
}

func printWarnings(w io.Writer, warnings []ir.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Warnings:")
	for _, warning := range warnings {
		fmt.Fprintf(w, "  %s\n", warning)
	}
}
