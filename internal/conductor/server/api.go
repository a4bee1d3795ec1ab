package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/store"
)

type apiHandler struct {
	store *store.Store
	hub   *Hub
}

type statusResponse struct {
	Status    string `json:"status"`
	Issues    int    `json:"issues"`
	PRs       int    `json:"prs"`
	WSClients int    `json:"ws_clients"`
	Time      string `json:"time"`
}

func (a *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	issues, err := a.store.ListIssues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	prs, err := a.store.ListPRs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{
		Status: "ok",
		Issues: len(issues),
		PRs:    len(prs),
		Time:   time.Now().UTC().Format(time.RFC3339),
	}
	if a.hub != nil {
		resp.WSClients = a.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := a.store.ListIssues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if issues == nil {
		issues = []store.IssueState{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (a *apiHandler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, ok, err := a.store.GetIssue(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *apiHandler) handleListPRs(w http.ResponseWriter, r *http.Request) {
	prs, err := a.store.ListPRs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if prs == nil {
		prs = []store.PRState{}
	}
	writeJSON(w, http.StatusOK, prs)
}

func (a *apiHandler) handleGetPR(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, ok, err := a.store.GetPR(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *apiHandler) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	entries, err := a.store.ListActivity(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
