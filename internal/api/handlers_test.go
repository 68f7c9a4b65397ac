// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/aggregator"
	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/hexgrid"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/query"
	"github.com/moodgrid/moodgrid/internal/recorder"
	"github.com/moodgrid/moodgrid/internal/scheduler"
	"github.com/moodgrid/moodgrid/internal/store/memory"
)

type testStack struct {
	router http.Handler
	store  *memory.Store
	grid   *hexgrid.Grid
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	s := memory.New()
	grid := hexgrid.New(hexgrid.DefaultResolution)
	rec := recorder.New(s, grid, nil, recorder.Options{
		DedupeWindow: 30 * time.Second,
		PlayWeight:   0.7,
		UserWeight:   0.3,
	})
	// Zero cache TTL falls back to the default, so tests that want fresh
	// reads must avoid repeating identical map queries.
	qs := query.New(s, grid, query.Options{MaxCells: 100, TopTracksLimit: 10, CacheTTL: time.Minute})
	agg := aggregator.New(s, aggregator.Options{Window: 30 * 24 * time.Hour})
	sched := scheduler.New(s, agg, config.AggregationConfig{
		Interval:         time.Hour,
		BatchSize:        20,
		Staleness:        time.Hour,
		FullSubBatchSize: 10,
		FullPacing:       time.Millisecond,
	}, config.RetentionConfig{})

	h := NewHandler(rec, qs, agg, sched, grid, "test")
	router := NewRouter(h, config.SecurityConfig{
		RateLimitDisabled: true,
		CORSOrigins:       []string{"*"},
	})
	return &testStack{router: router, store: s, grid: grid}
}

func (ts *testStack) seedUser(t *testing.T, token string) *models.User {
	t.Helper()
	u := &models.User{ID: uuid.New(), Username: "listener"}
	ts.store.AddUser(u, token)
	return u
}

func (ts *testStack) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, *models.APIResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)

	var envelope models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not the standard envelope: %v\n%s", err, rr.Body.String())
	}
	return rr, &envelope
}

func playbackBody(lat, lng float64) map[string]interface{} {
	return map[string]interface{}{
		"track_data": map[string]interface{}{
			"track_id": "spotify-123",
			"name":     "Weightless",
			"artist":   "Marconi Union",
		},
		"location": map[string]interface{}{
			"latitude":  lat,
			"longitude": lng,
		},
		"is_playing": true,
	}
}

func TestRecordPlaybackEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, env := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(51.5, -0.12))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	if !env.Success {
		t.Fatalf("success = false: %+v", env.Error)
	}

	data := env.Data.(map[string]interface{})
	if data["hex_id"] == "" {
		t.Error("receipt missing hex_id")
	}
	if data["duplicate"] != false {
		t.Error("first play flagged duplicate")
	}

	// Repeat inside the dedupe window returns 200 with duplicate set.
	rr, env = ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(51.5, -0.12))
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rr.Code)
	}
	if data := env.Data.(map[string]interface{}); data["duplicate"] != true {
		t.Error("repeat not flagged duplicate")
	}
}

func TestRecordPlaybackAuthAndValidation(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	tests := []struct {
		name     string
		token    string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"missing token", "", playbackBody(51.5, -0.12), http.StatusUnauthorized, ErrCodeUnauthorized},
		{"unknown token", "nope", playbackBody(51.5, -0.12), http.StatusUnauthorized, ErrCodeUnauthorized},
		{"missing location", "tok", map[string]interface{}{
			"track_data": map[string]interface{}{"track_id": "x", "name": "n", "artist": "a"},
		}, http.StatusBadRequest, ErrCodeMissingCoordinates},
		{"latitude out of range", "tok", playbackBody(95.0, 0.0), http.StatusBadRequest, ErrCodeValidation},
		{"missing track name", "tok", map[string]interface{}{
			"track_data": map[string]interface{}{"track_id": "x", "artist": "a"},
			"location":   map[string]interface{}{"latitude": 1.0, "longitude": 2.0},
		}, http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := ts.do(t, http.MethodPost, "/api/v1/music/playback", tt.token, tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if env.Error == nil || env.Error.Code != tt.wantErr {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantErr)
			}
		})
	}
}

func TestUpdateLocationEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rr, env := ts.do(t, http.MethodPost, "/api/v1/location/update", "", map[string]interface{}{
		"latitude":  48.8566,
		"longitude": 2.3522,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	wantCell := ts.grid.CellID(48.8566, 2.3522)
	if data["hex_id"] != wantCell {
		t.Errorf("hex_id = %v, want %s", data["hex_id"], wantCell)
	}
	if data["resolution"].(float64) != float64(hexgrid.DefaultResolution) {
		t.Errorf("resolution = %v, want %d", data["resolution"], hexgrid.DefaultResolution)
	}

	rr, env = ts.do(t, http.MethodPost, "/api/v1/location/update", "", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest || env.Error.Code != ErrCodeMissingCoordinates {
		t.Errorf("empty body: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestMapHexagonsEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, _ := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(51.5, -0.12))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed playback failed: %s", rr.Body.String())
	}

	rr, env := ts.do(t, http.MethodGet, "/api/v1/map/hexagons?north=52&south=51&east=0.5&west=-1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	hexes := data["hexagons"].([]interface{})
	if len(hexes) != 1 {
		t.Fatalf("hexagons = %d, want 1", len(hexes))
	}
	hex := hexes[0].(map[string]interface{})
	if hex["total_plays"].(float64) != 1 {
		t.Errorf("total_plays = %v, want 1", hex["total_plays"])
	}
	if hex["activity_level"] != models.ActivityLow {
		t.Errorf("activity_level = %v, want %s", hex["activity_level"], models.ActivityLow)
	}

	// Missing and malformed bounds.
	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/hexagons?north=52", "", nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != ErrCodeMissingBounds {
		t.Errorf("missing bounds: status=%d error=%+v", rr.Code, env.Error)
	}
	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/hexagons?north=51&south=52&east=0.5&west=-1", "", nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != ErrCodeInvalidBounds {
		t.Errorf("inverted bounds: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestMapDataEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, _ := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(35.68, 139.69))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed playback failed: %s", rr.Body.String())
	}

	rr, env := ts.do(t, http.MethodGet, "/api/v1/map/data?lat=35.68&lng=139.69&zoom=9", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	area := data["search_area"].(map[string]interface{})
	if area["ring_radius"].(float64) != 3 {
		t.Errorf("ring_radius at zoom 9 = %v, want 3", area["ring_radius"])
	}
	if len(data["hexagons"].([]interface{})) != 1 {
		t.Errorf("hexagons = %v, want the played cell", data["hexagons"])
	}

	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/data?lat=35.68", "", nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != ErrCodeMissingCoordinates {
		t.Errorf("missing lng: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestHexDetailEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, env := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(-33.86, 151.2))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed playback failed: %s", rr.Body.String())
	}
	cellID := env.Data.(map[string]interface{})["hex_id"].(string)

	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/hex/"+cellID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	info := data["hex_info"].(map[string]interface{})
	if info["hex_id"] != cellID {
		t.Errorf("hex_id = %v, want %s", info["hex_id"], cellID)
	}
	if data["recent_activity"].(float64) != 1 {
		t.Errorf("recent_activity = %v, want 1", data["recent_activity"])
	}
	if len(data["top_tracks"].([]interface{})) != 1 {
		t.Errorf("top_tracks = %v, want one row", data["top_tracks"])
	}

	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/hex/not-a-cell", "", nil)
	if rr.Code != http.StatusNotFound || env.Error.Code != ErrCodeHexNotFound {
		t.Errorf("unknown hex: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestHexBoundaryEndpoint(t *testing.T) {
	ts := newTestStack(t)

	cellID := ts.grid.CellID(-33.86, 151.2)
	rr, env := ts.do(t, http.MethodGet, "/api/v1/map/hex/"+cellID+"/boundary", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	if data["hex_id"] != cellID {
		t.Errorf("hex_id = %v, want %s", data["hex_id"], cellID)
	}
	boundary := data["boundary"].([]interface{})
	if len(boundary) < 6 {
		t.Errorf("boundary has %d vertices, want at least 6", len(boundary))
	}
	vertex := boundary[0].(map[string]interface{})
	if _, ok := vertex["lat"].(float64); !ok {
		t.Errorf("vertex missing lat: %v", vertex)
	}
	center := data["center"].(map[string]interface{})
	if _, ok := center["lng"].(float64); !ok {
		t.Errorf("center missing lng: %v", center)
	}

	rr, env = ts.do(t, http.MethodGet, "/api/v1/map/hex/not-a-cell/boundary", "", nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != ErrCodeInvalidHexID {
		t.Errorf("invalid hex: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestTrackDetailEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, env := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(40.71, -74.0))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed playback failed: %s", rr.Body.String())
	}
	track := env.Data.(map[string]interface{})["track"].(map[string]interface{})
	trackID := track["id"].(string)

	rr, env = ts.do(t, http.MethodGet, "/api/v1/tracks/"+trackID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	data := env.Data.(map[string]interface{})
	if len(data["cells"].([]interface{})) != 1 {
		t.Errorf("cells = %v, want one row", data["cells"])
	}

	rr, env = ts.do(t, http.MethodGet, "/api/v1/tracks/"+uuid.NewString(), "", nil)
	if rr.Code != http.StatusNotFound || env.Error.Code != ErrCodeTrackNotFound {
		t.Errorf("unknown track: status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestAdminAggregateEndpoints(t *testing.T) {
	ts := newTestStack(t)
	ts.seedUser(t, "tok")

	rr, env := ts.do(t, http.MethodPost, "/api/v1/music/playback", "tok", playbackBody(55.75, 37.62))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed playback failed: %s", rr.Body.String())
	}
	cellID := env.Data.(map[string]interface{})["hex_id"].(string)

	rr, env = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/cells/%s/aggregate", cellID), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("single-cell status = %d: %s", rr.Code, rr.Body.String())
	}
	cell := env.Data.(map[string]interface{})
	if cell["total_plays"].(float64) != 1 {
		t.Errorf("total_plays = %v, want 1", cell["total_plays"])
	}

	rr, env = ts.do(t, http.MethodPost, "/api/v1/admin/aggregate", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("full status = %d: %s", rr.Code, rr.Body.String())
	}
	report := env.Data.(map[string]interface{})
	if report["processed"].(float64) != 1 {
		t.Errorf("processed = %v, want 1", report["processed"])
	}

	// The refreshed cell is visible on the map afterwards.
	cellCheck, err := ts.store.CellByID(context.Background(), cellID)
	if err != nil {
		t.Fatalf("CellByID failed: %v", err)
	}
	if cellCheck.LastAggregatedAt == nil {
		t.Error("admin aggregation did not stamp the cell")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestStack(t)

	rr, env := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rr.Code != http.StatusOK || !env.Success {
		t.Errorf("health: status=%d success=%v", rr.Code, env.Success)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrr := httptest.NewRecorder()
	ts.router.ServeHTTP(mrr, req)
	if mrr.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", mrr.Code)
	}
}

func TestRateLimitEnvelope(t *testing.T) {
	s := memory.New()
	grid := hexgrid.New(hexgrid.DefaultResolution)
	rec := recorder.New(s, grid, nil, recorder.Options{DedupeWindow: time.Second, PlayWeight: 0.7, UserWeight: 0.3})
	qs := query.New(s, grid, query.Options{})
	agg := aggregator.New(s, aggregator.Options{})
	sched := scheduler.New(s, agg, config.AggregationConfig{Interval: time.Hour, BatchSize: 1, Staleness: time.Hour}, config.RetentionConfig{})
	h := NewHandler(rec, qs, agg, sched, grid, "test")
	router := NewRouter(h, config.SecurityConfig{
		RateLimitReqs:   1,
		RateLimitWindow: time.Minute,
		CORSOrigins:     []string{"*"},
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	var env models.APIResponse
	if err := json.Unmarshal(last.Body.Bytes(), &env); err != nil {
		t.Fatalf("envelope decode failed: %v", err)
	}
	if env.Error == nil || env.Error.Code != ErrCodeRateLimited {
		t.Errorf("error = %+v, want %s", env.Error, ErrCodeRateLimited)
	}
}
