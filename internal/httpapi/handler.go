package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/model"
)

// Handler serves the admin routes. Bodies use the same field names as the
// gRPC messages.
type Handler struct {
	conns  ConnectionReader
	checks map[string]HealthCheck
	log    logging.Logger
}

type faultRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Health runs every registered check and answers 503 when any fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ListConnections answers a query summary. Repeated connectionId and
// globalReservationId parameters narrow the result.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cs, err := h.conns.QuerySummary(r.Context(), q["connectionId"], q["globalReservationId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStruct(w, r, http.StatusOK, func() (*structpb.Struct, error) { return nsi.EncodeConnections(cs) })
}

func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := h.conns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStruct(w, r, http.StatusOK, func() (*structpb.Struct, error) { return nsi.EncodeConnection(c) })
}

// PurgeConnection deletes a terminated record.
func (h *Handler) PurgeConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.conns.Purge(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context(), h.log).Info(r.Context(), "connection purged", logging.String("connection_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.conns.QueryResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStruct(w, r, http.StatusOK, func() (*structpb.Struct, error) { return nsi.EncodeNotifications(results) })
}

// ReportFault feeds a data plane error into the connection, as the data
// plane driver would.
func (h *Handler) ReportFault(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: err.Error()})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "reported by operator"
	}
	c, err := h.conns.DataPlaneFault(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStruct(w, r, http.StatusOK, func() (*structpb.Struct, error) { return nsi.EncodeConnection(c) })
}

func (h *Handler) writeStruct(w http.ResponseWriter, r *http.Request, code int, encode func() (*structpb.Struct, error)) {
	s, err := encode()
	if err == nil {
		var body []byte
		body, err = protojson.Marshal(s)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write(body)
			return
		}
	}
	h.writeError(w, r, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := httpStatus(err)
	if code >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.log).Warn(r.Context(), "admin request failed", logging.Err(err))
	}
	writeJSON(w, code, errorResponse{Error: reason, Message: err.Error()})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, connection.ErrConnectionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, connection.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, connection.ErrConnectionAlreadyTerminated):
		return http.StatusConflict, "already_terminated"
	case errors.Is(err, connection.ErrInvalidOperationForState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, connection.ErrInternalStore):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
