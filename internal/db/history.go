package db

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// historyLimit is how many membership changes the history chart plots
// unless ?limit= says otherwise.
const historyLimit = 500

// serveHistory renders the recent occupancy of one bus as a step chart.
// Query params:
//   - bus (required)
//   - limit (optional; default 500, at most 5000)
func (db *DB) serveHistory(w http.ResponseWriter, r *http.Request) {
	busID := r.URL.Query().Get("bus")
	if busID == "" {
		http.Error(w, "missing bus query parameter", http.StatusBadRequest)
		return
	}
	limit := historyLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 5000 {
			limit = v
		}
	}

	events, err := db.RecentBusEvents(r.Context(), busID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, fmt.Sprintf("no history for bus %q", busID), http.StatusNotFound)
		return
	}
	slices.Reverse(events)

	line, err := historyChart(busID, events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// historyChart plots events, oldest first, as the count after each change.
func historyChart(busID string, events []BusEvent) (*charts.Line, error) {
	if len(events) == 0 {
		return nil, errors.New("no events to plot")
	}
	x := make([]string, 0, len(events))
	y := make([]opts.LineData, 0, len(events))
	for _, e := range events {
		x = append(x, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		y = append(y, opts.LineData{Value: e.Count, Name: e.Action + " " + e.DeviceID})
	}

	first, last := events[0].CreatedAt.UTC(), events[len(events)-1].CreatedAt.UTC()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bus occupancy " + busID, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Occupancy of " + busID,
			Subtitle: fmt.Sprintf("changes=%d from %s to %s", len(events), first.Format("15:04:05"), last.Format("15:04:05")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time (UTC)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count", MinInterval: 1}),
	)
	line.SetXAxis(x).AddSeries("count", y, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))
	return line, nil
}
