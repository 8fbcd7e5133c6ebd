package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Job API (/api/jobs) ────────────────────────────────────────────────────

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req app.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, app.ActionTrain, err)
		return
	}
	job, err := s.dispatcher.Train(req)
	if err != nil {
		writeError(w, statusFor(err), app.ActionTrain, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "", errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	jobs, err := s.jobs.List(limit)
	if err != nil {
		writeError(w, statusFor(err), "", err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"stats": s.jobs.Stats(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := s.jobs.Metrics(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "", err)
		return
	}
	if samples == nil {
		samples = []domain.MetricSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": samples})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		writeError(w, statusFor(err), "", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// handleJobEvents replays the job's events and then streams new ones as
// NDJSON until the job reaches its terminal event or the client leaves.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	past, live, stop, err := s.jobs.Subscribe(id)
	if err != nil {
		writeError(w, statusFor(err), "", err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	send := func(ev domain.ProgressEvent) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for _, ev := range past {
		if !send(ev) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		}
	}
}
