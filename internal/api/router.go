package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"code-collab/internal/middleware"
)

// SetupRoutes builds the router: tracing and panic recovery everywhere,
// JWT auth and per-endpoint rate limits on the collaboration surface, and
// the WebSocket entry point. CORS is layered on top by the caller.
func SetupRoutes(h *Handler, ws http.HandlerFunc, secret string, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)

	auth := middleware.JWTAuth(secret)

	// Session management endpoints. Rate limits mirror the per-endpoint
	// budgets of the original deployment.
	api := r.PathPrefix("/api/v1/collaboration").Subrouter()
	api.Use(auth)

	api.Handle("/sessions",
		limiter.Limit("create_session", 10, time.Minute)(http.HandlerFunc(h.CreateSession))).
		Methods("POST")
	api.Handle("/sessions/{id}",
		limiter.Limit("get_session", 20, time.Minute)(http.HandlerFunc(h.GetSession))).
		Methods("GET")
	api.Handle("/sessions/{id}/join",
		limiter.Limit("join_session", 10, time.Minute)(http.HandlerFunc(h.JoinSession))).
		Methods("POST")
	api.Handle("/sessions/{id}/leave",
		limiter.Limit("leave_session", 20, time.Minute)(http.HandlerFunc(h.LeaveSession))).
		Methods("POST")

	// Health check endpoint
	r.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket route; authenticated, but not rate limited - a connection
	// is long-lived and its event stream is not an HTTP request pattern.
	r.Handle("/ws", auth(ws))

	return r
}
