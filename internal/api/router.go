// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/middleware"
)

// NewRouter assembles the chi router: global middleware, the versioned API
// surface, and the Prometheus scrape endpoint.
func NewRouter(h *Handler, sec config.SecurityConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   sec.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		if !sec.RateLimitDisabled {
			r.Use(httprate.Limit(
				sec.RateLimitReqs,
				sec.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
				httprate.WithLimitHandler(rateLimitExceeded),
			))
		}

		r.Get("/health", h.Health)

		r.Post("/location/update", h.UpdateLocation)
		r.Post("/music/playback", h.RecordPlayback)

		r.Route("/map", func(r chi.Router) {
			r.Get("/hexagons", h.MapHexagons)
			r.Get("/data", h.MapData)
			r.Get("/hex/{hexID}", h.HexDetail)
			r.Get("/hex/{hexID}/boundary", h.HexBoundary)
		})

		r.Get("/tracks/{trackID}", h.TrackDetail)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/cells/{hexID}/aggregate", h.AggregateCell)
			r.Post("/aggregate", h.AggregateAll)
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func rateLimitExceeded(w http.ResponseWriter, r *http.Request) {
	metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
	respondError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests")
}
