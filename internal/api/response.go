// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package api provides the HTTP surface: chi routing, request decoding, and
// the standard response envelope shared by every endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/models"
)

// Error codes returned in the response envelope.
const (
	ErrCodeMissingBounds      = "MISSING_BOUNDS"
	ErrCodeInvalidBounds      = "INVALID_BOUNDS"
	ErrCodeMissingCoordinates = "MISSING_COORDINATES"
	ErrCodeHexNotFound        = "HEX_NOT_FOUND"
	ErrCodeInvalidHexID       = "INVALID_HEX_ID"
	ErrCodeTrackNotFound      = "TRACK_NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// respondSuccess writes the success envelope with the given payload.
func respondSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, &models.APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// respondError writes the error envelope with a stable code.
func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &models.APIResponse{
		Success:   false,
		Error:     &models.APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

// respondAPIError writes a prebuilt error, used for validation failures that
// carry field details.
func respondAPIError(w http.ResponseWriter, status int, apiErr *models.APIError) {
	writeJSON(w, status, &models.APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// decodeJSON decodes the request body into dst with unknown fields rejected.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
