package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/occupancy.report/internal/httputil"
	"github.com/banshee-data/occupancy.report/internal/ledger"
)

type createBusRequest struct {
	BusID        string `json:"id_bus"`
	InitialCount *int   `json:"initial_count"`
}

type busResponse struct {
	Status string `json:"status"`
	BusID  string `json:"id_bus"`
	Count  *int   `json:"count,omitempty"`
}

type countResponse struct {
	BusID string `json:"id_bus"`
	Count int    `json:"count"`
}

func (s *Server) createBus(w http.ResponseWriter, r *http.Request) {
	var req createBusRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	req.BusID = strings.TrimSpace(req.BusID)
	initial := 0
	if req.InitialCount != nil {
		initial = *req.InitialCount
	}

	n, err := s.ledger.CreateContainer(r.Context(), req.BusID, initial)
	switch {
	case errors.Is(err, ledger.ErrAlreadyExists):
		httputil.Conflict(w, "Bus already exists")
		return
	case errors.Is(err, ledger.ErrInvalidID), errors.Is(err, ledger.ErrNegativeCount):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		logf("create bus %s: %v", req.BusID, err)
		httputil.InternalServerError(w, "failed to create bus")
		return
	}
	httputil.WriteJSONOK(w, busResponse{Status: "ok", BusID: req.BusID, Count: &n})
}

func (s *Server) deleteBus(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "id_bus")
	err := s.ledger.DeleteContainer(r.Context(), busID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		httputil.NotFound(w, "Bus not found")
		return
	case errors.Is(err, ledger.ErrInvalidID):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		logf("delete bus %s: %v", busID, err)
		httputil.InternalServerError(w, "failed to delete bus")
		return
	}
	httputil.WriteJSONOK(w, busResponse{Status: "ok", BusID: busID})
}

func (s *Server) busCount(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "id_bus")
	n, err := s.ledger.Count(r.Context(), busID)
	if err != nil {
		logf("count bus %s: %v", busID, err)
		httputil.InternalServerError(w, "failed to read count")
		return
	}
	httputil.WriteJSONOK(w, countResponse{BusID: busID, Count: n})
}

type deviceEventRequest struct {
	BusID    string          `json:"id_bus"`
	DeviceID string          `json:"id_device"`
	Flag     *bool           `json:"flag"`
	Data     json.RawMessage `json:"data"`
}

type deviceEventResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (s *Server) deviceEvent(w http.ResponseWriter, r *http.Request) {
	var req deviceEventRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Flag == nil {
		httputil.BadRequest(w, "flag is required")
		return
	}

	res, err := s.ledger.ReportMembership(r.Context(), req.BusID, req.DeviceID, req.Data, *req.Flag)
	switch {
	case errors.Is(err, ledger.ErrInvalidID), errors.Is(err, ledger.ErrInvalidDevice):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		logf("device event bus=%s device=%s: %v", req.BusID, req.DeviceID, err)
		httputil.InternalServerError(w, "failed to record event")
		return
	}
	logf("%s %s in %s count=%d", res.Message, req.DeviceID, req.BusID, res.Count)
	httputil.WriteJSONOK(w, deviceEventResponse{Status: "ok", Message: res.Message, Count: res.Count})
}
