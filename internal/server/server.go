// Package server assembles the HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/xaitan80/X-Score/internal/live"
	"github.com/xaitan80/X-Score/internal/logging"
	"github.com/xaitan80/X-Score/internal/matches"
	"github.com/xaitan80/X-Score/internal/sessions"
)

type Options struct {
	Addr           string
	TrustedProxies []string
	CORSOrigins    []string
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(opts Options, ms *matches.Service, ss *sessions.Service, hub *live.Hub) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger())
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Connections()})
	})
	matches.RegisterRoutes(r, ms)
	sessions.RegisterRoutes(r, ss)
	live.RegisterRoutes(r, hub)
	return r, nil
}

// New wraps the router with CORS and returns the server to run.
func New(opts Options, ms *matches.Service, ss *sessions.Service, hub *live.Hub) (*http.Server, error) {
	r, err := NewRouter(opts, ms, ss, hub)
	if err != nil {
		return nil, err
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Admin-Key"},
	})
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}, nil
}
