package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/occupancy.report/internal/presence"
)

// attachEntityRoutes mounts /debug/entities, a plain-text table of the
// tracker's active set.
func attachEntityRoutes(mux *http.ServeMux, tracker *presence.Tracker) {
	debug := tsweb.Debugger(mux)
	debug.Handle("entities", "Active tracked entities", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeEntities(w, tracker.Snapshot(), tracker.PresentCount(), tracker.Config().Radius, time.Now())
	}))
}

func writeEntities(w io.Writer, entities []presence.Entity, present int, radius float64, now time.Time) {
	fmt.Fprintf(w, "%d active, %d present, radius %.2fm\n\n", len(entities), present, radius)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI\tSMOOTHED\tDIST_M\tPRESENT\tREPORTED\tAGE_S")
	for _, e := range entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%.1f\n",
			e.ID, e.Name, intOrDash(e.LastRSSI), floatOrDash(e.Smoothed, 1), floatOrDash(e.Distance, 2),
			e.Present(), boolOrDash(e.Reported), now.Sub(e.LastSeen).Seconds())
	}
	tw.Flush()
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func floatOrDash(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func boolOrDash(v *bool) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
