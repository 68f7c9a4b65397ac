// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/aggregator"
	"github.com/moodgrid/moodgrid/internal/hexgrid"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/query"
	"github.com/moodgrid/moodgrid/internal/recorder"
	"github.com/moodgrid/moodgrid/internal/scheduler"
	"github.com/moodgrid/moodgrid/internal/store"
	"github.com/moodgrid/moodgrid/internal/validation"
)

// Handler owns the HTTP endpoints and their service dependencies.
type Handler struct {
	recorder  *recorder.Recorder
	query     *query.Service
	agg       *aggregator.Aggregator
	scheduler *scheduler.Scheduler
	grid      *hexgrid.Grid
	startedAt time.Time
	version   string
}

// NewHandler creates the endpoint set.
func NewHandler(rec *recorder.Recorder, qs *query.Service, agg *aggregator.Aggregator, sched *scheduler.Scheduler, grid *hexgrid.Grid, version string) *Handler {
	return &Handler{
		recorder:  rec,
		query:     qs,
		agg:       agg,
		scheduler: sched,
		grid:      grid,
		startedAt: time.Now(),
		version:   version,
	}
}

// --- requests ---

type trackData struct {
	TrackID    string `json:"track_id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Artist     string `json:"artist" validate:"required"`
	Album      string `json:"album"`
	DurationMS int    `json:"duration_ms" validate:"omitempty,min=0"`
}

type locationData struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

type playbackRequest struct {
	TrackData  trackData     `json:"track_data" validate:"required"`
	Location   *locationData `json:"location"`
	ProgressMS int           `json:"progress_ms" validate:"omitempty,min=0"`
	IsPlaying  bool          `json:"is_playing"`
	PlayedAt   *time.Time    `json:"played_at"`
}

type locationUpdateRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// --- playback ---

// RecordPlayback handles POST /api/v1/music/playback.
func (h *Handler) RecordPlayback(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Missing access token")
		return
	}

	var req playbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if req.Location == nil {
		respondError(w, http.StatusBadRequest, ErrCodeMissingCoordinates, "Location coordinates are required")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidation(w, verr)
		return
	}

	rec := &recorder.Request{
		Token:      token,
		ExternalID: req.TrackData.TrackID,
		Name:       req.TrackData.Name,
		Artist:     req.TrackData.Artist,
		Album:      req.TrackData.Album,
		DurationMS: req.TrackData.DurationMS,
		Latitude:   req.Location.Latitude,
		Longitude:  req.Location.Longitude,
		ProgressMS: req.ProgressMS,
		IsPlaying:  req.IsPlaying,
	}
	if req.PlayedAt != nil {
		rec.PlayedAt = *req.PlayedAt
	}

	receipt, err := h.recorder.Record(r.Context(), rec)
	if err != nil {
		if errors.Is(err, recorder.ErrUnauthorized) {
			respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Unknown access token")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("playback record failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to record playback")
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	respondSuccess(w, status, receipt)
}

// UpdateLocation handles POST /api/v1/location/update. It resolves the
// coordinate to its grid cell without recording anything.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		respondError(w, http.StatusBadRequest, ErrCodeMissingCoordinates, "Latitude and longitude are required")
		return
	}
	if verr := validation.ValidateStruct(&locationData{Latitude: *req.Latitude, Longitude: *req.Longitude}); verr != nil {
		respondValidation(w, verr)
		return
	}

	cellID := h.grid.CellID(*req.Latitude, *req.Longitude)
	center, err := h.grid.Center(cellID)
	if err != nil {
		logging.CtxErr(r.Context(), err).Msg("cell center lookup failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to resolve grid cell")
		return
	}

	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"hex_id":     cellID,
		"center_lat": center.Lat,
		"center_lng": center.Lng,
		"resolution": h.grid.Resolution(),
	})
}

// HexBoundary handles GET /api/v1/map/hex/{hexID}/boundary, returning the
// cell outline polygon for map rendering.
func (h *Handler) HexBoundary(w http.ResponseWriter, r *http.Request) {
	cellID := chi.URLParam(r, "hexID")

	boundary, err := h.grid.Boundary(cellID)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidHexID, "Invalid hex ID provided")
		return
	}
	center, err := h.grid.Center(cellID)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidHexID, "Invalid hex ID provided")
		return
	}

	verts := make([]map[string]float64, 0, len(boundary))
	for _, v := range boundary {
		verts = append(verts, map[string]float64{"lat": v.Lat, "lng": v.Lng})
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"hex_id":   cellID,
		"boundary": verts,
		"center":   map[string]float64{"lat": center.Lat, "lng": center.Lng},
	})
}

// --- map ---

// MapHexagons handles GET /api/v1/map/hexagons?north&south&east&west.
func (h *Handler) MapHexagons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, p := range []string{"north", "south", "east", "west"} {
		if q.Get(p) == "" {
			respondError(w, http.StatusBadRequest, ErrCodeMissingBounds, "Map bounds are required")
			return
		}
	}
	north, err1 := strconv.ParseFloat(q.Get("north"), 64)
	south, err2 := strconv.ParseFloat(q.Get("south"), 64)
	east, err3 := strconv.ParseFloat(q.Get("east"), 64)
	west, err4 := strconv.ParseFloat(q.Get("west"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidBounds, "Map bounds must be numeric")
		return
	}

	result, err := h.query.ByBounds(r.Context(), north, south, east, west)
	if err != nil {
		if errors.Is(err, query.ErrInvalidBounds) {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidBounds, "Invalid map bounds")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("bounds query failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to query map")
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

// MapData handles GET /api/v1/map/data?lat&lng&zoom.
func (h *Handler) MapData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		respondError(w, http.StatusBadRequest, ErrCodeMissingCoordinates, "Latitude and longitude are required")
		return
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, ErrCodeMissingCoordinates, "Coordinates must be numeric")
		return
	}
	zoom := 12
	if z := q.Get("zoom"); z != "" {
		if parsed, err := strconv.Atoi(z); err == nil {
			zoom = parsed
		}
	}

	result, err := h.query.ByCenter(r.Context(), lat, lng, zoom)
	if err != nil {
		if errors.Is(err, query.ErrInvalidBounds) {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidBounds, "Coordinates out of range")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("center query failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to query map")
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

// HexDetail handles GET /api/v1/map/hex/{hexID}.
func (h *Handler) HexDetail(w http.ResponseWriter, r *http.Request) {
	hexID := chi.URLParam(r, "hexID")

	detail, err := h.query.CellDetail(r.Context(), hexID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeHexNotFound, "Hexagon not found")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("hex detail failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to load hexagon")
		return
	}
	respondSuccess(w, http.StatusOK, detail)
}

// --- tracks ---

// TrackDetail handles GET /api/v1/tracks/{trackID}.
func (h *Handler) TrackDetail(w http.ResponseWriter, r *http.Request) {
	trackID, err := uuid.Parse(chi.URLParam(r, "trackID"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeTrackNotFound, "Track not found")
		return
	}

	perf, err := h.query.TrackPerformance(r.Context(), trackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeTrackNotFound, "Track not found")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("track detail failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to load track")
		return
	}
	respondSuccess(w, http.StatusOK, perf)
}

// --- admin ---

// AggregateCell handles POST /api/v1/admin/cells/{hexID}/aggregate.
func (h *Handler) AggregateCell(w http.ResponseWriter, r *http.Request) {
	hexID := chi.URLParam(r, "hexID")

	cell, err := h.agg.Aggregate(r.Context(), hexID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeHexNotFound, "Hexagon not found")
			return
		}
		logging.CtxErr(r.Context(), err).Msg("cell aggregation failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Aggregation failed")
		return
	}
	h.query.InvalidateCell()
	respondSuccess(w, http.StatusOK, cell)
}

// AggregateAll handles POST /api/v1/admin/aggregate. Blocks until the full
// rebuild finishes and returns its report. An optional limit query parameter
// caps the rebuild to the busiest cells.
func (h *Handler) AggregateAll(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	report, err := h.scheduler.ForceFullAggregation(r.Context(), limit)
	if err != nil {
		logging.CtxErr(r.Context(), err).Msg("full aggregation failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "Full aggregation failed")
		return
	}
	h.query.InvalidateCell()
	respondSuccess(w, http.StatusOK, report)
}

// --- health ---

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// --- helpers ---

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func respondValidation(w http.ResponseWriter, verr *validation.RequestValidationError) {
	apiErr := verr.ToAPIError()
	respondAPIError(w, http.StatusBadRequest, &models.APIError{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}
