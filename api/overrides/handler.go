// Package overrides exposes manual device overrides over HTTP:
//
//	GET    /api/overrides            all overrides with statistics
//	GET    /api/overrides/{device}   override status of one device
//	POST   /api/overrides/{device}   set an override
//	DELETE /api/overrides/{device}   return a device to automatic control
//	DELETE /api/overrides            clear every override
//	POST   /api/overrides/cleanup    drop expired overrides
package overrides

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/ems/api"
	"github.com/kilianp07/ems/core/dispatch"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/override"
)

// Admin is the part of the arbitrator used by the handler.
type Admin interface {
	SetOverride(deviceID string, mode override.Mode, setBy string, duration time.Duration, reason string) error
	ClearOverride(deviceID string) error
	ClearAllOverrides() (int, error)
	CleanupExpiredOverrides() (int, error)
	Overrides() []override.Override
	OverrideStatus(deviceID string) (override.Status, error)
	OverrideStatistics() override.Statistics
}

type handler struct {
	admin Admin
	log   logger.Logger
}

// SetRequest is the POST body.
type SetRequest struct {
	Mode            override.Mode `json:"mode"`
	DurationMinutes *float64      `json:"duration_minutes,omitempty"`
	SetBy           string        `json:"set_by,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// ListResponse is the GET /api/overrides body.
type ListResponse struct {
	Overrides  map[string]override.Status `json:"overrides"`
	Statistics override.Statistics        `json:"statistics"`
}

// NewHandler registers the override routes on a new mux.
func NewHandler(admin Admin, token string, log logger.Logger) http.Handler {
	h := &handler{admin: admin, log: logger.OrNop(log)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/overrides", h.list)
	mux.HandleFunc("DELETE /api/overrides", h.clearAll)
	mux.HandleFunc("POST /api/overrides/cleanup", h.cleanup)
	mux.HandleFunc("GET /api/overrides/{device}", h.get)
	mux.HandleFunc("POST /api/overrides/{device}", h.set)
	mux.HandleFunc("DELETE /api/overrides/{device}", h.clear)
	return api.RequireToken(token, mux)
}

func (h *handler) list(w http.ResponseWriter, _ *http.Request) {
	resp := ListResponse{Overrides: map[string]override.Status{}, Statistics: h.admin.OverrideStatistics()}
	for _, o := range h.admin.Overrides() {
		st, err := h.admin.OverrideStatus(o.DeviceID)
		if err != nil {
			continue
		}
		resp.Overrides[o.DeviceID] = st
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	st, err := h.admin.OverrideStatus(r.PathValue("device"))
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

func (h *handler) set(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device")
	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Mode == "" {
		api.WriteError(w, http.StatusBadRequest, "missing required field: mode")
		return
	}
	var d time.Duration
	if req.DurationMinutes != nil {
		if *req.DurationMinutes <= 0 || *req.DurationMinutes > override.MaxDuration.Minutes() {
			api.WriteError(w, http.StatusBadRequest, fmt.Sprintf("duration_minutes must be within (0, %.0f]", override.MaxDuration.Minutes()))
			return
		}
		d = time.Duration(*req.DurationMinutes * float64(time.Minute))
	}
	if req.SetBy == "" {
		req.SetBy = "api"
	}
	if err := h.admin.SetOverride(id, req.Mode, req.SetBy, d, req.Reason); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Infof("override %s -> %s by %s", id, req.Mode, req.SetBy)
	st, err := h.admin.OverrideStatus(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device")
	if err := h.admin.ClearOverride(id); err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"device_id": id, "mode": string(override.ModeAuto)})
}

func (h *handler) clearAll(w http.ResponseWriter, _ *http.Request) {
	n, err := h.admin.ClearAllOverrides()
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *handler) cleanup(w http.ResponseWriter, _ *http.Request) {
	n, err := h.admin.CleanupExpiredOverrides()
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownDevice):
		api.WriteError(w, http.StatusNotFound, err.Error())
	case model.IsValidation(err):
		api.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Errorf("override request: %v", err)
		api.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
