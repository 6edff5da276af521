package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sitewatch/core"
	"sitewatch/detect"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// dryRunRequest is the body of the dry-run endpoints. The draft variant
// carries the rule inline; the stored variant loads it by id.
type dryRunRequest struct {
	Rule                  *core.Rule `json:"rule,omitempty"`
	ReferenceTimeOverride string     `json:"reference_time_override,omitempty"` // RFC3339
	Limit                 int        `json:"limit,omitempty"`
}

func (req *dryRunRequest) toDetect() (detect.DryRunRequest, error) {
	out := detect.DryRunRequest{Limit: req.Limit}
	if req.ReferenceTimeOverride != "" {
		ts, err := time.Parse(time.RFC3339, req.ReferenceTimeOverride)
		if err != nil {
			return out, &core.ValidationError{
				Field:   "reference_time_override",
				Message: "must be an RFC3339 timestamp",
			}
		}
		out.ReferenceTime = ts.UTC()
	}
	return out, nil
}

// dryRunRule simulates a stored rule against recent history.
func (a *API) dryRunRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.GetRule(mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.runSimulation(w, r, rule)
}

// dryRunDraft simulates an unsaved rule payload.
func (a *API) dryRunDraft(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Rule == nil {
		a.writeServiceError(w, &core.ValidationError{Field: "rule", Message: "rule is required"})
		return
	}
	detReq, err := req.toDetect()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	result, err := a.dryRun.Simulate(r.Context(), req.Rule, detReq)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, result, http.StatusOK)
}

func (a *API) runSimulation(w http.ResponseWriter, r *http.Request, rule *core.Rule) {
	var req dryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	detReq, err := req.toDetect()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	// Simulate mutates its rule copy during normalization; never hand it
	// the cached instance.
	clone := *rule
	result, err := a.dryRun.Simulate(r.Context(), &clone, detReq)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, result, http.StatusOK)
}

// testRuleRequest feeds one synthetic sample through a rule. The
// draft variant carries the rule inline; the stored variant loads it
// by id.
type testRuleRequest struct {
	Rule       *core.Rule `json:"rule,omitempty"`
	SampleText string     `json:"sample_text"`
	SiteCode   string     `json:"site_code,omitempty"`
}

func (a *API) testRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.GetRule(mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var req testRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	clone := *rule
	a.runSample(w, &clone, req)
}

// testDraft runs a sample through an unsaved rule payload.
func (a *API) testDraft(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Rule == nil {
		a.writeServiceError(w, &core.ValidationError{Field: "rule", Message: "rule is required"})
		return
	}
	a.runSample(w, req.Rule, req)
}

func (a *API) runSample(w http.ResponseWriter, rule *core.Rule, req testRuleRequest) {
	if req.SampleText == "" {
		a.writeServiceError(w, &core.ValidationError{Field: "sample_text", Message: "sample_text is required"})
		return
	}

	verdict, event, err := a.dryRun.TestSample(rule, req.SampleText, req.SiteCode)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]any{
		"matched":         verdict.Triggered,
		"rule_name":       rule.Name,
		"detected_site":   event.SiteCode,
		"sample_analyzed": event.Message,
		"details":         verdict.Details,
	}, http.StatusOK)
}

// ingestEvent persists an event and runs it through every active rule.
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if event.SiteCode == "" {
		a.writeServiceError(w, &core.ValidationError{Field: "site_code", Message: "site_code is required"})
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	if err := a.events.CreateEvent(&event); err != nil {
		a.writeServiceError(w, err)
		return
	}

	rules, err := a.rules.GetActiveRules(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	hits, err := a.engine.CheckAndTrigger(r.Context(), rules, &event)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]any{
		"event_id":  event.ID,
		"hit_count": len(hits),
		"hits":      orEmptyHits(hits),
	}, http.StatusCreated)
}

func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := a.events.GetRecentEvents(r.Context(), time.Time{}, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []*core.Event{}
	}
	a.respondJSON(w, map[string]any{"events": events}, http.StatusOK)
}

func (a *API) startReplay(w http.ResponseWriter, r *http.Request) {
	job, err := a.replay.Start(r.Context())
	if err != nil {
		if errors.Is(err, detect.ErrReplayBusy) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{
		"message": "Replay started",
		"job_id":  job.ID,
	}, http.StatusAccepted)
}

func (a *API) getReplayJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.replay.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "replay job not found", http.StatusNotFound)
		return
	}
	a.respondJSON(w, job, http.StatusOK)
}

func (a *API) cancelReplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := a.replay.Job(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "replay job not found", http.StatusNotFound)
		return
	}
	if job.Finished() {
		http.Error(w, "replay job already finished", http.StatusConflict)
		return
	}
	if !a.replay.Cancel() {
		http.Error(w, "no replay running", http.StatusConflict)
		return
	}
	a.respondJSON(w, map[string]string{"message": "Cancellation requested", "job_id": id}, http.StatusAccepted)
}
