// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package spotify fetches track audio features from the Spotify Web API.
//
// Requests authenticate with the client-credentials flow and pass through a
// circuit breaker so a Spotify outage degrades Moodgrid to colorless cells
// instead of piling up blocked workers.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/goccy/go-json"

	"github.com/moodgrid/moodgrid/internal/colormap"
	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/models"
)

// ErrTrackNotFound means Spotify has no audio features for the track ID.
var ErrTrackNotFound = errors.New("spotify: track not found")

// Client calls the Spotify Web API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker[*models.AudioFeatures]
}

// audioFeaturesResponse is the raw wire shape. Loudness is in dB and tempo
// in BPM; both are normalized into [0,1] before leaving this package.
type audioFeaturesResponse struct {
	Energy           float64 `json:"energy"`
	Valence          float64 `json:"valence"`
	Danceability     float64 `json:"danceability"`
	Acousticness     float64 `json:"acousticness"`
	Instrumentalness float64 `json:"instrumentalness"`
	Speechiness      float64 `json:"speechiness"`
	Liveness         float64 `json:"liveness"`
	Loudness         float64 `json:"loudness"`
	Tempo            float64 `json:"tempo"`
}

type trackResponse struct {
	Popularity int `json:"popularity"`
}

// New builds a client from configuration. The returned client is safe for
// concurrent use.
func New(cfg config.SpotifyConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("spotify client requires client_id and client_secret")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid spotify base_url %q", cfg.BaseURL)
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil || cfg.TokenURL == "" {
		return nil, fmt.Errorf("invalid spotify token_url %q", cfg.TokenURL)
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	httpClient := creds.Client(context.Background())
	httpClient.Timeout = cfg.Timeout

	cbName := "spotify-api"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*models.AudioFeatures](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			// A missing track is a definitive answer, not a Spotify failure.
			return err == nil || errors.Is(err, ErrTrackNotFound)
		},
	})

	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		cb:         cb,
	}, nil
}

// AudioFeatures fetches the feature vector for a Spotify track ID, with
// loudness, tempo, and popularity normalized into [0,1].
func (c *Client) AudioFeatures(ctx context.Context, externalID string) (*models.AudioFeatures, error) {
	start := time.Now()
	features, err := c.cb.Execute(func() (*models.AudioFeatures, error) {
		return c.fetch(ctx, externalID)
	})

	switch {
	case err == nil:
		metrics.RecordFeatureFetch("success", time.Since(start))
	case errors.Is(err, ErrTrackNotFound):
		metrics.RecordFeatureFetch("not_found", time.Since(start))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordFeatureFetch("rejected", time.Since(start))
	default:
		metrics.RecordFeatureFetch("error", time.Since(start))
	}
	return features, err
}

func (c *Client) fetch(ctx context.Context, externalID string) (*models.AudioFeatures, error) {
	var raw audioFeaturesResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/audio-features/%s", c.baseURL, externalID), &raw); err != nil {
		return nil, err
	}

	features := &models.AudioFeatures{
		Energy:           raw.Energy,
		Valence:          raw.Valence,
		Danceability:     raw.Danceability,
		Acousticness:     raw.Acousticness,
		Instrumentalness: raw.Instrumentalness,
		Speechiness:      raw.Speechiness,
		Liveness:         raw.Liveness,
		Loudness:         colormap.NormalizeLoudness(raw.Loudness),
		Tempo:            colormap.NormalizeTempo(raw.Tempo),
	}

	// Popularity lives on the track resource. Losing it only weakens the
	// color's brightness component, so a failure here is not fatal.
	var track trackResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/tracks/%s", c.baseURL, externalID), &track); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("track", externalID).
			Msg("popularity fetch failed, defaulting to 0")
	} else {
		features.Popularity = float64(track.Popularity) / 100
	}

	return features, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrTrackNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("spotify returned %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
