// Package api provides HTTP handlers and routing for the flowtest service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	tracing  bool
}

// NewServer creates a new API server with the given handlers. When tracing is
// set the router is wrapped with OpenTelemetry instrumentation.
func NewServer(h *Handlers, tracing bool) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		tracing:  tracing,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler for use with http.Server.
func (s *Server) Router() http.Handler {
	// CORS wraps the router so preflight requests never reach route matching
	h := s.handlers.CORSMiddleware(s.router)
	if !s.tracing {
		return h
	}
	return otelhttp.NewHandler(h, "flowtest",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
	)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Node catalog and compilation
	api.HandleFunc("/nodes", s.handlers.Catalog).Methods("GET")
	api.HandleFunc("/compile", s.handlers.Compile).Methods("POST")

	// Flows and test cases
	api.HandleFunc("/flows", s.handlers.CreateFlow).Methods("POST")
	api.HandleFunc("/flows", s.handlers.ListFlows).Methods("GET")
	api.HandleFunc("/flows/{id}", s.handlers.GetFlow).Methods("GET")
	api.HandleFunc("/flows/{id}", s.handlers.UpdateFlow).Methods("PUT")
	api.HandleFunc("/flows/{id}", s.handlers.DeleteFlow).Methods("DELETE")
	api.HandleFunc("/cases/{id}", s.handlers.PutCase).Methods("PUT")
	api.HandleFunc("/cases/{id}", s.handlers.GetCase).Methods("GET")

	// Tasks
	api.HandleFunc("/tasks", s.handlers.SubmitTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", s.handlers.CancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Criteria
	api.HandleFunc("/criteria/evaluate", s.handlers.EvaluateCriteria).Methods("POST")

	// Apply middleware
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
