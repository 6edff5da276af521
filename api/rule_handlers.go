package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"sitewatch/core"
	"github.com/gorilla/mux"
)

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	rules, total, err := a.rules.ListRules(limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]any{
		"rules": orEmptyRules(rules),
		"total": total,
	}, http.StatusOK)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.GetRule(mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(&rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.rules.CreateRule(&rule); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rule, http.StatusCreated)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	rule.ID = mux.Vars(r)["id"]
	if err := a.validate.Struct(&rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.rules.UpdateRule(&rule); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

// patchRule applies a partial update: only the fields present in the
// body change.
func (a *API) patchRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	rule, err := a.rules.PatchRule(mux.Vars(r)["id"], body)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.DeleteRule(mux.Vars(r)["id"]); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"status": "deleted"}, http.StatusOK)
}

func (a *API) getRuleHits(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	hits, err := a.hits.GetHitsForRule(id, limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]any{"hits": orEmptyHits(hits)}, http.StatusOK)
}

func (a *API) getHits(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	hits, err := a.hits.GetHits(limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	total, err := a.hits.CountHits()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]any{"hits": orEmptyHits(hits), "total": total}, http.StatusOK)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// JSON lists serialize as [] rather than null.

func orEmptyRules(rules []*core.Rule) []*core.Rule {
	if rules == nil {
		return []*core.Rule{}
	}
	return rules
}

func orEmptyHits(hits []*core.AlertHit) []*core.AlertHit {
	if hits == nil {
		return []*core.AlertHit{}
	}
	return hits
}
