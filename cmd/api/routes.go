package main

import (
	"log"
	"net/http"

	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/config"
	"finlink/internal/shared/middleware"
	"finlink/internal/shared/telemetry"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", httphandlers.HandleHealth)

	if cfg.Telemetry.Enabled {
		mux.Handle("GET /metrics", telemetry.MetricsHandler())
	}

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	sessions := deps.LinkSessionHandler
	protect("POST /api/link-sessions", sessions.HandleOpen)
	protect("GET /api/link-sessions/{id}", sessions.HandleGet)
	protect("DELETE /api/link-sessions/{id}", sessions.HandleClose)
	protect("POST /api/link-sessions/{id}/document", sessions.HandleDocument)
	protect("GET /api/link-sessions/{id}/connectors", sessions.HandleConnectors)
	protect("POST /api/link-sessions/{id}/connector", sessions.HandleSelectConnector)
	protect("POST /api/link-sessions/{id}/existing", sessions.HandleExisting)
	protect("POST /api/link-sessions/{id}/new-connection", sessions.HandleNewConnection)
	protect("POST /api/link-sessions/{id}/resync", sessions.HandleResync)
	protect("POST /api/link-sessions/{id}/start-over", sessions.HandleStartOver)
	protect("GET /api/link-sessions/{id}/events", sessions.HandleEvents)

	// Apply global middleware. Tracing sits right on the mux so it sees the
	// matched pattern.
	handler := middleware.Logging(middleware.CORS(cfg.Server.AllowedHosts)(middleware.Tracing(mux)))
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		log.Println("TLS security middleware enabled (HSTS)")
	}

	return handler
}
