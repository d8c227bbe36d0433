// Package decisions exposes the decision log via GET /api/decisions.
package decisions

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/ems/api"
	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/model"
)

// Source answers decision log queries. The arbitrator implements it.
type Source interface {
	DecisionLog(ctx context.Context, q logging.LogQuery) ([]logging.LogRecord, error)
}

// NewLogHandler returns an HTTP handler exposing decision logs via GET /api/decisions.
// Requests must include an Authorization header with "Bearer <token>" when token is non-empty.
//
// Query parameters: start, end (RFC3339), device_id, via, changes_only, limit.
func NewLogHandler(src Source, token string) http.Handler {
	return api.RequireToken(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		q, err := parseQuery(r)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		records, err := src.DecisionLog(r.Context(), q)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []logging.LogRecord{}
		}
		api.WriteJSON(w, http.StatusOK, records)
	}))
}

func parseQuery(r *http.Request) (logging.LogQuery, error) {
	v := r.URL.Query()
	q := logging.LogQuery{DeviceID: v.Get("device_id")}
	var err error
	if s := v.Get("start"); s != "" {
		if q.Start, err = time.Parse(time.RFC3339, s); err != nil {
			return q, err
		}
	}
	if s := v.Get("end"); s != "" {
		if q.End, err = time.Parse(time.RFC3339, s); err != nil {
			return q, err
		}
	}
	if s := v.Get("via"); s != "" {
		q.Via = model.Via(s)
	}
	if s := v.Get("changes_only"); s != "" {
		if q.ChangesOnly, err = strconv.ParseBool(s); err != nil {
			return q, err
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	return q, nil
}
