package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/storage"
)

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health()
	status := http.StatusOK
	body := make(map[string]string, len(report))
	for name, err := range report {
		if err != nil {
			status = http.StatusServiceUnavailable
			body[name] = err.Error()
		} else {
			body[name] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// postCall is the gateway into Orchestrator.Call. The request body travels
// into the unit as the call args.
func (s *Server) postCall(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	method := chi.URLParam(r, "method")

	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		args = nil
	}

	result, err := s.orch.Call(r.Context(), service, method, args)
	if err != nil {
		writeErr(w, callStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func callStatus(err error) int {
	switch {
	case errors.Is(err, runtime.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, runtime.ErrMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrCallTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.Handles())
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	f := storage.JobFilter{HandlerName: r.URL.Query().Get("handler")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		f.Statuses = []model.JobStatus{model.JobStatus(raw)}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "INVALID_LIMIT")
			return
		}
		f.Limit = n
	}
	list, err := s.jobs.ListJobs(r.Context(), f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, list)
}

func (s *Server) postJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handler     string          `json:"handler"`
		Args        json.RawMessage `json:"args"`
		Context     json.RawMessage `json:"context"`
		Priority    int             `json:"priority"`
		MaxAttempts int             `json:"max_attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_JSON")
		return
	}
	if req.Handler == "" {
		writeErr(w, http.StatusBadRequest, "HANDLER_REQUIRED")
		return
	}

	rec, err := s.jobs.Enqueue(r.Context(), req.Handler, rawOrNil(req.Args), rawOrNil(req.Context),
		jobs.EnqueueOptions{Priority: req.Priority, MaxAttempts: req.MaxAttempts})
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownHandler) {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, jobs.ErrJobNotCancelable) {
			writeErr(w, http.StatusConflict, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"canceled": id})
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
