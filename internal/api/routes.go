package api

import (
	"net/http"
	"time"

	"troupe/internal/bot"
	"troupe/internal/delegate"
	"troupe/internal/logging"
	"troupe/internal/metrics"
	"troupe/internal/session"
	"troupe/internal/terminal"
)

type RoutesOptions struct {
	Bots           *bot.Manager
	Sessions       *session.Manager
	Bridge         *delegate.Bridge
	Terminals      *terminal.Manager
	AuthToken      string
	AllowedOrigins []string
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Version        string
}

func RegisterRoutes(mux *http.ServeMux, opts RoutesOptions) {
	rest := &RestHandler{
		Bots:      opts.Bots,
		Sessions:  opts.Sessions,
		Bridge:    opts.Bridge,
		Terminals: opts.Terminals,
		Logger:    opts.Logger,
		StartedAt: time.Now().UTC(),
		Version:   opts.Version,
	}
	router := &ConnectionRouter{
		Bots:           opts.Bots,
		Terminals:      opts.Terminals,
		AuthToken:      opts.AuthToken,
		AllowedOrigins: opts.AllowedOrigins,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	}

	mux.Handle("/ws", loggingMiddleware(opts.Logger, securityHeadersMiddleware(cacheControlNoStore, router)))

	mux.HandleFunc("/api/trigger", restHandler(opts.AuthToken, rest.handleTrigger))
	mux.HandleFunc("/api/callback/", restHandler(opts.AuthToken, rest.handleCallback))
	mux.HandleFunc("/api/poll/", restHandler(opts.AuthToken, rest.handlePoll))
	mux.HandleFunc("/api/sessions", restHandler(opts.AuthToken, rest.handleSessions))
	mux.HandleFunc("/api/sessions/messages", restHandler(opts.AuthToken, rest.handleSessionMessages))
	mux.HandleFunc("/api/sessions/switch", restHandler(opts.AuthToken, rest.handleSessionSwitch))
	mux.HandleFunc("/api/sessions/new", restHandler(opts.AuthToken, rest.handleSessionNew))

	// Health stays unauthenticated so load balancers can probe it.
	mux.HandleFunc("/api/health", securityHeadersHandler(cacheControlNoStore, jsonErrorMiddleware(rest.handleHealth)))

	if opts.Metrics != nil {
		mux.Handle("/metrics", securityHeadersMiddleware(cacheControlNoStore, opts.Metrics.Handler()))
	}
}
