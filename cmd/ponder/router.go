package main

import (
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/d-mooers/ponder/buildinfo"
	"github.com/d-mooers/ponder/pkg/syncgateway"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// Router provides a nice api around mux.Router.
type Router struct {
	r *mux.Router
}

// NewRouter is a Mux HTTP router constructor.
func NewRouter() *Router {
	r := mux.NewRouter()
	return &Router{r: r}
}

// Get creates a subroute on the specified URI that only accepts GET. You can provide specific middlewares.
func (r *Router) Get(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodGet)
	sub.Use(mid...)
}

// Use adds middlewares to all routes.
func (r *Router) Use(mid ...mux.MiddlewareFunc) {
	r.r.Use(mid...)
}

// Handler returns the configured router http handler.
func (r *Router) Handler() http.Handler {
	return r.r
}

// otelHTTP wraps the handler with OTEL metrics.
func otelHTTP(operation string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return otelhttp.NewHandler(h, operation)
	}
}

// configuredRouter exposes the engine's operational surface: liveness,
// indexing progress and build information. The gateway is nil in serve mode.
func configuredRouter(store syncstore.SyncStore, gateway *syncgateway.Gateway) *Router {
	router := NewRouter()
	router.Get("/status", statusHandler(store, gateway), otelHTTP("Status"))
	router.Get("/version", versionHandler, otelHTTP("Version"))
	router.Get("/healthz", healthHandler)
	router.Get("/health", healthHandler)
	return router
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type functionStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FromCheckpoint string `json:"fromCheckpoint"`
	ToCheckpoint   string `json:"toCheckpoint"`
	EventCount     int64  `json:"eventCount"`
}

type statusResponse struct {
	Checkpoint         string           `json:"checkpoint,omitempty"`
	FinalityCheckpoint string           `json:"finalityCheckpoint,omitempty"`
	Functions          []functionStatus `json:"functions"`
}

func statusHandler(store syncstore.SyncStore, gateway *syncgateway.Gateway) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.GetFunctionMetadata(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("reading function metadata")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := statusResponse{Functions: make([]functionStatus, 0, len(rows))}
		if gateway != nil {
			resp.Checkpoint = gateway.Checkpoint().String()
			resp.FinalityCheckpoint = gateway.FinalityCheckpoint().String()
		}
		for _, row := range rows {
			resp.Functions = append(resp.Functions, functionStatus{
				ID:             row.FunctionID,
				Name:           row.FunctionName,
				FromCheckpoint: row.FromCheckpoint.String(),
				ToCheckpoint:   row.ToCheckpoint.String(),
				EventCount:     row.EventCount,
			})
		}
		writeJSON(w, resp)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.GetSummary())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}
