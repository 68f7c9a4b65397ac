// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package spotify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/models"
)

func testClient(serverURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: time.Second},
		baseURL:    serverURL,
		cb: gobreaker.NewCircuitBreaker[*models.AudioFeatures](gobreaker.Settings{
			Name: "spotify-test",
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrTrackNotFound)
			},
		}),
	}
}

func TestNewValidatesConfig(t *testing.T) {
	valid := config.SpotifyConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      "https://api.spotify.com/v1",
		TokenURL:     "https://accounts.spotify.com/api/token",
		Timeout:      time.Second,
	}

	if c, err := New(valid); err != nil || c == nil {
		t.Fatalf("New(valid) = %v, %v, want client", c, err)
	}

	tests := []struct {
		name   string
		mutate func(*config.SpotifyConfig)
	}{
		{"missing client id", func(c *config.SpotifyConfig) { c.ClientID = "" }},
		{"missing client secret", func(c *config.SpotifyConfig) { c.ClientSecret = "" }},
		{"missing base url", func(c *config.SpotifyConfig) { c.BaseURL = "" }},
		{"missing token url", func(c *config.SpotifyConfig) { c.TokenURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New accepted invalid config")
			}
		})
	}
}

func TestAudioFeaturesNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio-features/track123":
			w.Write([]byte(`{"energy":0.8,"valence":0.6,"danceability":0.7,
				"acousticness":0.1,"instrumentalness":0.05,"speechiness":0.04,
				"liveness":0.12,"loudness":-6,"tempo":130}`))
		case "/tracks/track123":
			w.Write([]byte(`{"popularity":75}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := testClient(server.URL)
	features, err := c.AudioFeatures(context.Background(), "track123")
	if err != nil {
		t.Fatalf("AudioFeatures failed: %v", err)
	}

	if features.Energy != 0.8 {
		t.Errorf("Energy = %v, want 0.8", features.Energy)
	}
	wantLoudness := (-6.0 + 60) / 60
	if diff := features.Loudness - wantLoudness; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Loudness = %v, want %v (normalized from -6dB)", features.Loudness, wantLoudness)
	}
	wantTempo := (130.0 - 60) / 140
	if diff := features.Tempo - wantTempo; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Tempo = %v, want %v (normalized from 130bpm)", features.Tempo, wantTempo)
	}
	if features.Popularity != 0.75 {
		t.Errorf("Popularity = %v, want 0.75", features.Popularity)
	}
}

func TestAudioFeaturesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.AudioFeatures(context.Background(), "missing")
	if !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("err = %v, want ErrTrackNotFound", err)
	}
}

func TestAudioFeaturesPopularityFailureNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/audio-features/track123" {
			w.Write([]byte(`{"energy":0.5,"tempo":100,"loudness":-10}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testClient(server.URL)
	features, err := c.AudioFeatures(context.Background(), "track123")
	if err != nil {
		t.Fatalf("AudioFeatures failed: %v", err)
	}
	if features.Popularity != 0 {
		t.Errorf("Popularity = %v, want 0 when track fetch fails", features.Popularity)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := &Client{
		httpClient: &http.Client{Timeout: time.Second},
		baseURL:    server.URL,
		cb: gobreaker.NewCircuitBreaker[*models.AudioFeatures](gobreaker.Settings{
			Name: "spotify-test",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		}),
	}

	for i := 0; i < 2; i++ {
		if _, err := c.AudioFeatures(context.Background(), "x"); err == nil {
			t.Fatal("expected server error")
		}
	}
	_, err := c.AudioFeatures(context.Background(), "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState after consecutive failures", err)
	}
}
