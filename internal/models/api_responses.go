// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package models

import (
	"time"
)

// APIResponse is the envelope returned by every HTTP endpoint.
//
// Successful responses carry Success=true and the payload in Data; failures
// carry Success=false and a structured Error with a stable machine-readable
// code. Timestamp is the server time the response was generated.
//
// Example error:
//
//	{
//	  "success": false,
//	  "error": {"code": "MISSING_BOUNDS", "message": "Map bounds are required"},
//	  "timestamp": "2026-08-31T12:00:00Z"
//	}
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries a stable error code plus a human-readable message.
//
// Codes used by the API surface:
//   - VALIDATION_ERROR: invalid request parameters
//   - MISSING_BOUNDS / INVALID_BOUNDS: bad map bounds
//   - MISSING_COORDINATES: lat/lng absent
//   - HEX_NOT_FOUND / TRACK_NOT_FOUND: unknown resource
//   - UNAUTHORIZED: missing or unresolvable access token
//   - RATE_LIMIT_EXCEEDED: per-IP request budget exhausted
//   - INTERNAL_ERROR: unexpected failure
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
