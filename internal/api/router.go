package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cronie/internal/core"
	"cronie/internal/eventbus"
	"cronie/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options wires the HTTP server to the rest of the daemon.
type Options struct {
	Addr      string
	AuthToken string
	Store     *store.Store
	Scheduler *core.Scheduler
	Relay     *core.Relay
	Bus       eventbus.Bus
	// MCP, when set, is mounted at /mcp behind the same token check.
	MCP      http.Handler
	Logger   *slog.Logger
	Location *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	relay      *core.Relay
	bus        eventbus.Bus
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	location := opts.Location
	if location == nil {
		location = time.Local
	}
	s := &Server{
		router:    router,
		store:     opts.Store,
		scheduler: opts.Scheduler,
		relay:     opts.Relay,
		bus:       opts.Bus,
		mcp:       opts.MCP,
		logger:    opts.Logger,
		location:  location,
		authToken: opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Terminal event streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcp != nil {
		var mcpHandler http.Handler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/reorder", s.handleReorderTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/toggle", s.handleToggleTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Delete("/", s.handleClearLogs)
			r.Get("/count", s.handleCountLogs)
			r.Get("/stats", s.handleLogStats)
			r.Get("/export", s.handleExportLogs)
			r.Get("/{logID}", s.handleGetLog)
			r.Delete("/{logID}", s.handleDeleteLog)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.handleSchedulerStatus)
			r.Post("/pause", s.handleSchedulerPause)
			r.Post("/resume", s.handleSchedulerResume)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleListSettings)
			r.Get("/{key}", s.handleGetSetting)
			r.Put("/{key}", s.handleSetSetting)
		})

		r.Route("/terminal", func(r chi.Router) {
			r.Get("/events", s.handleTerminalEvents)
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions/{sessionID}/kill", s.handleKillSession)
		})
	})
}
