package api

import (
	"net/http"

	"github.com/shalfeiok/jobcore/id"
	"github.com/shalfeiok/jobcore/registry"
)

type statsResponse struct {
	Jobs            registry.Stats `json:"jobs"`
	JournalFailures int64          `json:"journal_failures"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Jobs: a.eng.Registry().Stat()}
	if s := a.eng.Journal(); s != nil {
		resp.JournalFailures = s.Failures()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status  string       `json:"status"`
	Session id.SessionID `json:"session"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	// Journal write failures degrade health but the engine still runs.
	status := "ok"
	if s := a.eng.Journal(); s != nil && s.Failures() > 0 {
		status = "degraded"
	}
	a.writeJSON(w, http.StatusOK, healthResponse{Status: status, Session: a.eng.Session()})
}
