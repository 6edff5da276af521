package api

import (
	"encoding/json"
	"net/http"

	"sitewatch/core"
	"github.com/gorilla/mux"
)

func (a *API) getConditions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	conds, err := a.conditions.ListConditions(limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if conds == nil {
		conds = []*core.NamedCondition{}
	}
	a.respondJSON(w, map[string]any{"conditions": conds}, http.StatusOK)
}

func (a *API) getCondition(w http.ResponseWriter, r *http.Request) {
	cond, err := a.conditions.GetCondition(mux.Vars(r)["code"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, cond, http.StatusOK)
}

func (a *API) createCondition(w http.ResponseWriter, r *http.Request) {
	var cond core.NamedCondition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(&cond); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.conditions.CreateCondition(&cond); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, cond, http.StatusCreated)
}

func (a *API) updateCondition(w http.ResponseWriter, r *http.Request) {
	var cond core.NamedCondition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	cond.Code = mux.Vars(r)["code"]
	if err := a.validate.Struct(&cond); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.conditions.UpdateCondition(&cond); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, cond, http.StatusOK)
}

func (a *API) deleteCondition(w http.ResponseWriter, r *http.Request) {
	if err := a.conditions.DeleteCondition(mux.Vars(r)["code"]); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"status": "deleted"}, http.StatusOK)
}
