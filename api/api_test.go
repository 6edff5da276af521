package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sitewatch/calendar"
	"sitewatch/config"
	"sitewatch/core"
	"sitewatch/detect"
	"sitewatch/service"
	"sitewatch/storage"
	"sitewatch/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Port = 0
	cfg.API.AllowedOrigins = []string{"*"}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.Engine.ReplayBatchSize = 100
	cfg.Engine.DryRunResultLimit = 50
	return cfg
}

// newTestAPI wires the full stack over a temp SQLite file.
func newTestAPI(t *testing.T, cfg *config.Config) *API {
	t.Helper()
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ruleStore := storage.NewSQLiteRuleStorage(db, logger)
	condStore := storage.NewSQLiteConditionStorage(db, logger)
	eventStore := storage.NewSQLiteEventStorage(db, logger)
	hitStore := storage.NewSQLiteHitStorage(db, logger)
	jobStore := storage.NewSQLiteReplayJobStorage(db, logger)

	ruleSvc, err := service.NewRuleService(ruleStore, 64, logger)
	require.NoError(t, err)
	condSvc := service.NewConditionService(condStore, ruleStore, logger)

	scope := detect.NewTimeScopeFilter(time.UTC, calendar.NewFrenchCalendar(), detect.DefaultClockWindows, logger)
	engine := detect.NewRuleEngine(
		detect.NewMatcher(100*time.Millisecond),
		scope,
		detect.NewFrequencyAggregator(0, logger),
		detect.NewSequenceDetector(logger),
		condStore,
		util.NewKeyedMutex(64),
		hitStore,
		nil,
		logger,
	)
	dryRun := detect.NewDryRunSimulator(engine, eventStore, cfg.Engine.DryRunResultLimit, logger)
	replay := detect.NewReplayCoordinator(engine, eventStore, ruleSvc, hitStore, jobStore, cfg.Engine.ReplayBatchSize, logger)

	return NewAPI(ruleSvc, condSvc, eventStore, hitStore, engine, dryRun, replay, cfg, logger)
}

func doJSON(t *testing.T, a *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func apiRule(name string) map[string]any {
	return map[string]any{
		"name": name,
		"mode": "simple",
		"simple": map[string]any{
			"match_keyword":   "intrusion",
			"frequency_count": 1,
		},
		"is_active": true,
	}
}

func TestHealthCheck(t *testing.T) {
	a := newTestAPI(t, testConfig())
	rec := doJSON(t, a, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRuleCRUDOverHTTP(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", apiRule("Intrusion"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created core.Rule
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, a, http.MethodGet, "/api/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []core.Rule `json:"rules"`
		Total int         `json:"total"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	rec = doJSON(t, a, http.MethodPatch, "/api/rules/"+created.ID, map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched core.Rule
	decodeBody(t, rec, &patched)
	assert.False(t, patched.IsActive)
	assert.Equal(t, "Intrusion", patched.Name, "unpatched fields survive")

	rec = doJSON(t, a, http.MethodDelete, "/api/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, a, http.MethodGet, "/api/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleValidationError(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", map[string]any{
		"name":       "Bad scope",
		"mode":       "simple",
		"simple":     map[string]any{"frequency_count": 1},
		"time_scope": "LUNCH",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var verr core.ValidationError
	decodeBody(t, rec, &verr)
	assert.Equal(t, "time_scope", verr.Field)
}

func TestConditionCRUDAndGuard(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/conditions", map[string]any{
		"code":      "intr",
		"type":      "SIMPLE",
		"is_active": true,
		"simple":    map[string]any{"match_keyword": "intrusion", "frequency_count": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// An active logic rule referencing the condition blocks deletion.
	rec = doJSON(t, a, http.MethodPost, "/api/rules", map[string]any{
		"name":      "Logic",
		"mode":      "logic",
		"is_active": true,
		"logic":     map[string]any{"logic_tree": map[string]any{"ref": "cond:intr"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, a, http.MethodDelete, "/api/conditions/intr", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, a, http.MethodGet, "/api/conditions/intr", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestEventTriggersHit(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", apiRule("Intrusion directe"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/api/events", map[string]any{
		"site_code":   "LYO",
		"raw_message": "ALARME INTRUSION zone 4",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ingest struct {
		EventID  string `json:"event_id"`
		HitCount int    `json:"hit_count"`
	}
	decodeBody(t, rec, &ingest)
	assert.Equal(t, 1, ingest.HitCount)

	rec = doJSON(t, a, http.MethodGet, "/api/hits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hits struct {
		Hits  []core.AlertHit `json:"hits"`
		Total int64           `json:"total"`
	}
	decodeBody(t, rec, &hits)
	require.Equal(t, int64(1), hits.Total)
	assert.Equal(t, ingest.EventID, hits.Hits[0].EventID)
}

func TestIngestEventRequiresSite(t *testing.T) {
	a := newTestAPI(t, testConfig())
	rec := doJSON(t, a, http.MethodPost, "/api/events", map[string]any{"raw_message": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDryRunEndpoint(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", apiRule("Dry"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule core.Rule
	decodeBody(t, rec, &rule)

	for i := 0; i < 3; i++ {
		rec = doJSON(t, a, http.MethodPost, "/api/events", map[string]any{
			"site_code":   "LYO",
			"raw_message": fmt.Sprintf("ALARME INTRUSION zone %d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = doJSON(t, a, http.MethodPost, "/api/rules/"+rule.ID+"/dry-run", map[string]any{"limit": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result detect.DryRunResult
	decodeBody(t, rec, &result)
	assert.Equal(t, 3, result.EvaluatedCount)
	assert.Equal(t, 3, result.MatchedCount)

	// Draft dry run, no saved rule involved.
	rec = doJSON(t, a, http.MethodPost, "/api/rules/dry-run", map[string]any{
		"rule":  apiRule("Draft"),
		"limit": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, a, http.MethodPost, "/api/rules/dry-run", map[string]any{"limit": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "draft dry run requires a rule")
}

func TestRuleTesterEndpoint(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", apiRule("Testeur"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule core.Rule
	decodeBody(t, rec, &rule)

	rec = doJSON(t, a, http.MethodPost, "/api/rules/"+rule.ID+"/test", map[string]any{
		"sample_text": `="ALARME INTRUSION"`,
		"site_code":   "LYO",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Matched        bool     `json:"matched"`
		RuleName       string   `json:"rule_name"`
		DetectedSite   string   `json:"detected_site"`
		SampleAnalyzed string   `json:"sample_analyzed"`
		Details        []string `json:"details"`
	}
	decodeBody(t, rec, &result)
	assert.True(t, result.Matched)
	assert.Equal(t, "Testeur", result.RuleName)
	assert.Equal(t, "alarme intrusion", result.SampleAnalyzed)

	rec = doJSON(t, a, http.MethodPost, "/api/rules/"+rule.ID+"/test", map[string]any{
		"sample_text": "rien a signaler",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &result)
	assert.False(t, result.Matched)

	// Draft variant carries the rule inline.
	rec = doJSON(t, a, http.MethodPost, "/api/rules/test", map[string]any{
		"rule":        apiRule("Brouillon"),
		"sample_text": "ALARME INTRUSION",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &result)
	assert.True(t, result.Matched)
	assert.Equal(t, "Brouillon", result.RuleName)
}

func TestReplayEndpoints(t *testing.T) {
	a := newTestAPI(t, testConfig())

	rec := doJSON(t, a, http.MethodPost, "/api/rules", apiRule("Replayed"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/api/events", map[string]any{
		"site_code":   "LYO",
		"raw_message": "ALARME INTRUSION",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, a, http.MethodPost, "/api/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &started)
	require.NotEmpty(t, started.JobID)

	deadline := time.Now().Add(5 * time.Second)
	var job core.ReplayJob
	for {
		rec = doJSON(t, a, http.MethodGet, "/api/replay/"+started.JobID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &job)
		if job.Finished() || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, core.ReplaySuccess, job.Status)
	assert.Equal(t, int64(1), job.EventsScanned)

	rec = doJSON(t, a, http.MethodPost, "/api/replay/"+started.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "finished jobs cannot be canceled")

	rec = doJSON(t, a, http.MethodGet, "/api/replay/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "ops"
	hashed, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Auth.HashedPassword = string(hashed)

	a := newTestAPI(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.SetBasicAuth("ops", "secret")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit.RequestsPerSecond = 1
	cfg.API.RateLimit.Burst = 2
	a := newTestAPI(t, cfg)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := doJSON(t, a, http.MethodGet, "/health", nil)
		codes = append(codes, rec.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
}
