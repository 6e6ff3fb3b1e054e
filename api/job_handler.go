package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/id"
	"github.com/shalfeiok/jobcore/registry"
)

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := registry.Filter{Kind: jobcore.Kind(q.Get("kind"))}
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, registry.Status(s))
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, jobcore.NewError(jobcore.CodeValidation,
				fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		f.Limit = n
	}

	a.writeJSON(w, http.StatusOK, a.eng.Registry().List(f))
}

type submitRequest struct {
	Kind   jobcore.Kind    `json:"kind"`
	Input  json.RawMessage `json:"input,omitempty"`
	Policy *jobcore.Policy `json:"policy,omitempty"`
}

type submitResponse struct {
	JobID id.JobID `json:"job_id"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, jobcore.WrapError(jobcore.CodeValidation, "invalid request body", err))
		return
	}
	if req.Kind == "" {
		a.writeError(w, jobcore.NewError(jobcore.CodeValidation, "kind is required"))
		return
	}

	h, err := a.eng.Submit(req.Kind, req.Input, req.Policy)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, submitResponse{JobID: h.JobID()})
}

func (a *API) jobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, jobcore.WrapError(jobcore.CodeValidation, "invalid job ID", err))
		return id.Nil, false
	}
	return jobID, true
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.Registry().Get(jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

type logsResponse struct {
	JobID id.JobID `json:"job_id"`
	Lines []string `json:"lines"`
}

func (a *API) jobLogs(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.Registry().Get(jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, logsResponse{JobID: jobID, Lines: rec.LogTail})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	if err := a.eng.Cancel(jobID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type rerunResponse struct {
	JobID   id.JobID `json:"job_id"`
	Lineage id.JobID `json:"lineage"`
}

func (a *API) rerunJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	newID, err := a.eng.Rerun(jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, rerunResponse{JobID: newID, Lineage: jobID})
}
