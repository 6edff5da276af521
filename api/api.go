package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"sitewatch/config"
	"sitewatch/core"
	"sitewatch/detect"
	"sitewatch/service"
	"sitewatch/storage"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a per-IP limiter with its last-seen time.
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API is the HTTP server for the operator console.
type API struct {
	router *mux.Router
	server *http.Server

	rules      *service.RuleService
	conditions *service.ConditionService
	events     storage.EventStorer
	hits       storage.HitStorer
	engine     *detect.RuleEngine
	dryRun     *detect.DryRunSimulator
	replay     *detect.ReplayCoordinator

	config   *config.Config
	logger   *zap.SugaredLogger
	validate *validator.Validate

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates the API server and registers its routes.
func NewAPI(rules *service.RuleService, conditions *service.ConditionService, events storage.EventStorer, hits storage.HitStorer, engine *detect.RuleEngine, dryRun *detect.DryRunSimulator, replay *detect.ReplayCoordinator, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		rules:        rules,
		conditions:   conditions,
		events:       events,
		hits:         hits,
		engine:       engine,
		dryRun:       dryRun,
		replay:       replay,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)
	if a.config.Auth.Enabled {
		a.router.Use(a.basicAuthMiddleware)
	}

	a.router.HandleFunc("/api/rules", a.getRules).Methods("GET")
	a.router.HandleFunc("/api/rules", a.createRule).Methods("POST")
	a.router.HandleFunc("/api/rules/dry-run", a.dryRunDraft).Methods("POST")
	a.router.HandleFunc("/api/rules/test", a.testDraft).Methods("POST")
	a.router.HandleFunc("/api/rules/{id}", a.getRule).Methods("GET")
	a.router.HandleFunc("/api/rules/{id}", a.updateRule).Methods("PUT")
	a.router.HandleFunc("/api/rules/{id}", a.patchRule).Methods("PATCH")
	a.router.HandleFunc("/api/rules/{id}", a.deleteRule).Methods("DELETE")
	a.router.HandleFunc("/api/rules/{id}/dry-run", a.dryRunRule).Methods("POST")
	a.router.HandleFunc("/api/rules/{id}/test", a.testRule).Methods("POST")
	a.router.HandleFunc("/api/rules/{id}/hits", a.getRuleHits).Methods("GET")

	a.router.HandleFunc("/api/conditions", a.getConditions).Methods("GET")
	a.router.HandleFunc("/api/conditions", a.createCondition).Methods("POST")
	a.router.HandleFunc("/api/conditions/{code}", a.getCondition).Methods("GET")
	a.router.HandleFunc("/api/conditions/{code}", a.updateCondition).Methods("PUT")
	a.router.HandleFunc("/api/conditions/{code}", a.deleteCondition).Methods("DELETE")

	a.router.HandleFunc("/api/events", a.getEvents).Methods("GET")
	a.router.HandleFunc("/api/events", a.ingestEvent).Methods("POST")
	a.router.HandleFunc("/api/hits", a.getHits).Methods("GET")

	a.router.HandleFunc("/api/replay", a.startReplay).Methods("POST")
	a.router.HandleFunc("/api/replay/{id}", a.getReplayJob).Methods("GET")
	a.router.HandleFunc("/api/replay/{id}/cancel", a.cancelReplay).Methods("POST")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the HTTP server and blocks until it stops.
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.API.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server listening", "port", a.config.API.Port)
	return a.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	close(a.stopCh)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// respondJSON writes a JSON response with the given status.
func (a *API) respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

// writeServiceError maps service/storage errors onto HTTP statuses.
// Validation failures carry their field back as JSON so the console can
// highlight it.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		a.respondJSON(w, verr, http.StatusBadRequest)
	case errors.Is(err, storage.ErrRuleNotFound),
		errors.Is(err, storage.ErrConditionNotFound),
		errors.Is(err, storage.ErrEventNotFound),
		errors.Is(err, storage.ErrHitNotFound),
		errors.Is(err, storage.ErrReplayJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		a.logger.Errorw("Request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if allowed == "*" || origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter: rate.NewLimiter(
					rate.Limit(a.config.API.RateLimit.RequestsPerSecond),
					a.config.API.RateLimit.Burst),
				lastSeen: time.Now(),
			}
			a.rateLimiters[ip] = entry
		} else {
			entry.lastSeen = time.Now()
		}
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically drops limiters of IPs not seen for
// an hour.
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > time.Hour {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

func (a *API) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != a.config.Auth.Username ||
			bcrypt.CompareHashAndPassword([]byte(a.config.Auth.HashedPassword), []byte(password)) != nil {
			a.logger.Warnw("Failed authentication attempt", "ip", clientIP(r))
			w.Header().Set("WWW-Authenticate", `Basic realm="sitewatch"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
