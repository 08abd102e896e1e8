// Package api exposes the event intake HTTP surface: publish, store-only
// backfill, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/messaging"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxEventBodySize caps intake request bodies to protect against memory
// exhaustion.
const maxEventBodySize = 1 * 1024 * 1024 // 1MB

// API is the event intake HTTP server.
type API struct {
	router    *mux.Router
	publisher *messaging.Publisher
	logger    *zap.SugaredLogger
	server    *http.Server
}

// NewAPI creates the intake server over the given publisher.
func NewAPI(publisher *messaging.Publisher, logger *zap.SugaredLogger) *API {
	a := &API{
		router:    mux.NewRouter(),
		publisher: publisher,
		logger:    logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/api/events", a.publishEvent).Methods("POST")
	a.router.HandleFunc("/api/events/store", a.storeEvent).Methods("POST")
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Start starts the API server on addr and blocks until it stops.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.router,
	}
	return a.server.ListenAndServe()
}

// Shutdown stops the API server.
func (a *API) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Close()
}

// Handler returns the router, for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

type publishRequest struct {
	Event            *core.SecurityEvent `json:"event"`
	CustomProperties map[string]string   `json:"customProperties,omitempty"`
	Destination      string              `json:"destination,omitempty"`
}

type storeRequest struct {
	Event    *core.SecurityEvent `json:"event"`
	Database string              `json:"database,omitempty"`
	Table    string              `json:"table,omitempty"`
}

func (a *API) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodySize)).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.publisher.Publish(r.Context(), req.Event, req.CustomProperties, req.Destination)
	if err != nil {
		a.respondPublishError(w, result, err)
		return
	}

	a.respondJSON(w, result, http.StatusAccepted)
}

func (a *API) storeEvent(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodySize)).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := a.publisher.StoreOnly(r.Context(), req.Event, req.Database, req.Table)
	if err != nil {
		a.respondPublishError(w, &core.PublishResult{Store: outcome}, err)
		return
	}

	a.respondJSON(w, outcome, http.StatusAccepted)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// respondPublishError maps the publish error taxonomy onto HTTP statuses:
// validation problems are the caller's fault, sink failures are upstream.
func (a *API) respondPublishError(w http.ResponseWriter, result *core.PublishResult, err error) {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		a.respondJSON(w, map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		}, http.StatusBadRequest)
		return
	}

	var serr *core.SinkError
	if errors.As(err, &serr) {
		a.respondJSON(w, map[string]interface{}{
			"error":    serr.Error(),
			"sink":     serr.Sink,
			"attempts": serr.Attempts,
			"result":   result,
		}, http.StatusBadGateway)
		return
	}

	a.logger.Errorw("Publish request failed", "error", err)
	a.respondError(w, http.StatusInternalServerError, err.Error())
}

func (a *API) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, map[string]string{"error": message}, status)
}
