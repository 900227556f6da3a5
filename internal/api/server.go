// Package api serves the HTTP endpoints the client relies on: media upload,
// invoice payment forwarding, uploaded files, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"relayreel/internal/metrics"
	"relayreel/internal/util"
)

const maxJSONBody = 32 * 1024

// Options configure the server.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	// PublicURL prefixes returned upload URLs. Empty yields relative URLs.
	PublicURL   string
	PayURL      string
	PayKey      string
	CORSOrigins []string
	HTTPClient  *http.Client
}

type Server struct {
	opts   Options
	client *http.Client
}

func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Server{opts: opts, client: client}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(securityHeaders)
		r.With(limitBody(s.opts.MaxUploadBytes)).Post("/api/upload", s.handleUpload)
		r.With(limitBody(maxJSONBody)).Post("/api/bolt11", s.handleBolt11)
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.opts.UploadDir))))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.RespondMethodNotAllowed(w, "method not allowed")
	})
	return r
}
