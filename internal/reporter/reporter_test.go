package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/httputil"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/presence"
)

func init() {
	monitoring.SetLogger(nil)
}

func transition(id string, present bool) presence.Transition {
	d, s, r := 0.8, -57.5, -57
	return presence.Transition{
		EntityID:  id,
		Name:      "Test iPhone",
		Present:   present,
		Distance:  &d,
		RSSI:      &r,
		Smoothed:  &s,
		Radius:    1.0,
		Timestamp: time.Unix(1700000000, 250000000),
	}
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("B1", transition("D1", true))
	d, s, r := 0.8, -57.5, -57
	want := Event{
		BusID:    "B1",
		DeviceID: "D1",
		Flag:     true,
		Data: EventData{
			Distance:     &d,
			RSSI:         &r,
			SmoothedRSSI: &s,
			RadiusM:      1.0,
			TS:           1700000000.25,
			Name:         "Test iPhone",
		},
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("NewEvent mismatch (-want +got):\n%s", diff)
	}
}

func TestReporter_DeliversEvent(t *testing.T) {
	client := httputil.NewFakeClient().Reply(http.StatusOK, `{"status":"ok"}`)
	r := New(Config{BaseURL: "http://ledger:8000/", BusID: "B1", Workers: 1}, client)
	r.Start()

	r.Report(transition("D1", true))
	require.NoError(t, r.Close(context.Background()))

	calls := client.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://ledger:8000/devices/event", req.URL)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.NotEmpty(t, req.Header.Get("X-Event-ID"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "B1", body["id_bus"])
	assert.Equal(t, "D1", body["id_device"])
	assert.Equal(t, true, body["flag"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 0.8, data["distance"])
	assert.Equal(t, -57.0, data["rssi"])
	assert.Equal(t, -57.5, data["smoothed_rssi"])
	assert.Equal(t, 1.0, data["radius_m"])
	assert.Equal(t, "Test iPhone", data["name"])

	assert.Equal(t, int64(1), r.Stats().Delivered)
}

func TestReporter_FailuresAreSwallowed(t *testing.T) {
	client := httputil.NewFakeClient().
		Reply(http.StatusInternalServerError, "boom").
		Fail(errors.New("connection refused"))
	r := New(Config{BaseURL: "http://ledger", BusID: "B1", Workers: 1}, client)
	r.Start()

	r.Report(transition("D1", true))
	r.Report(transition("D2", true))
	require.NoError(t, r.Close(context.Background()))

	st := r.Stats()
	assert.Equal(t, int64(0), st.Delivered)
	assert.Equal(t, int64(2), st.Failed)
	assert.Len(t, client.Calls(), 2, "failed events must not be retried")
}

func TestReporter_QueueFullDropsOldest(t *testing.T) {
	client := httputil.NewFakeClient()
	// no Start: nothing drains the queue
	r := New(Config{BaseURL: "http://ledger", BusID: "B1", QueueSize: 2}, client)

	r.Report(transition("D1", true))
	r.Report(transition("D2", true))
	r.Report(transition("D3", true))
	assert.Equal(t, int64(1), r.Stats().Dropped)
	assert.Equal(t, 2, r.Stats().Queued)

	r.Start()
	require.NoError(t, r.Close(context.Background()))

	calls := client.Calls()
	require.Len(t, calls, 2)
	var ids []string
	for _, c := range calls {
		var ev Event
		require.NoError(t, json.Unmarshal(c.Body, &ev))
		ids = append(ids, ev.DeviceID)
	}
	assert.ElementsMatch(t, []string{"D2", "D3"}, ids)
}

func TestReporter_ReportDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	client := httputil.NewFakeClient().Handle(func(req *http.Request) (*http.Response, error) {
		<-block
		return httputil.NewResponse(req, http.StatusOK, ""), nil
	})
	r := New(Config{BaseURL: "http://ledger", Workers: 1, QueueSize: 1}, client)
	r.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Report(transition("D", i%2 == 0))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked with a stalled worker")
	}
	close(block)
	require.NoError(t, r.Close(context.Background()))
}

func TestReporter_CloseTimeoutDiscardsPending(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	client := httputil.NewFakeClient().Handle(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case <-release:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
		return httputil.NewResponse(req, http.StatusOK, ""), nil
	})
	r := New(Config{BaseURL: "http://ledger", Workers: 1, QueueSize: 8, Timeout: time.Minute}, client)
	r.Start()
	for i := 0; i < 4; i++ {
		r.Report(transition("D", true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	assert.Equal(t, 1, calls, "pending events are discarded after the deadline")
	mu.Unlock()
	assert.Equal(t, int64(3), r.Stats().Dropped)
	close(release)
}

func TestReporter_ReportAfterClose(t *testing.T) {
	client := httputil.NewFakeClient()
	r := New(Config{BaseURL: "http://ledger"}, client)
	r.Start()
	require.NoError(t, r.Close(context.Background()))
	assert.ErrorIs(t, r.Close(context.Background()), ErrClosed)

	r.Report(transition("D1", true))
	assert.Empty(t, client.Calls())
	assert.Equal(t, int64(1), r.Stats().Dropped)
}

func TestReporter_ImplementsSink(t *testing.T) {
	var _ presence.Sink = New(Config{}, nil)
}
