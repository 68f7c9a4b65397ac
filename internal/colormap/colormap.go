// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package colormap converts audio-feature vectors into perceptual colors and
// mood tags.
//
// Every function here is pure and deterministic: identical inputs always
// yield identical outputs, there is no I/O and no state. The mapping is
// tiered by energy: energetic music lands in the red-orange band, moderate
// energy in yellow-green, low energy in blue-violet. Valence drives
// saturation, danceability and popularity drive brightness.
package colormap

import (
	"fmt"
	"math"

	"github.com/moodgrid/moodgrid/internal/models"
)

// HSV is a color in hue/saturation/value space. H is in degrees [0,360),
// S and V are percentages [0,100].
type HSV struct {
	H int `json:"h"`
	S int `json:"s"`
	V int `json:"v"`
}

// sanitize clamps v into [0,1], substituting def for non-finite values.
// Missing feature fields arrive as zero values and are used as-is; NaN and
// infinities would otherwise poison every downstream formula.
func sanitize(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return math.Max(0, math.Min(1, v))
}

// FeaturesToHSV maps a feature vector to an HSV color. It never fails:
// out-of-range fields are clamped and non-finite fields default to 0.5.
//
// Hue selection is tiered by energy:
//   - energy > 0.7: red to orange, hue = tempo*30 (0-30 degrees)
//   - 0.3 < energy <= 0.7: yellow to green, hue = 60 + danceability*120
//   - energy <= 0.3: blue to violet, hue = 240 + acousticness*60
//
// Saturation follows valence (30-90%), value follows danceability blended
// with popularity (40-80%). Both are additionally clamped to [0,100] as a
// hard bound regardless of input.
func FeaturesToHSV(f models.AudioFeatures) HSV {
	energy := sanitize(f.Energy, 0.5)
	valence := sanitize(f.Valence, 0.5)
	danceability := sanitize(f.Danceability, 0.5)
	acousticness := sanitize(f.Acousticness, 0.5)
	tempo := sanitize(f.Tempo, 0.5)
	popularity := sanitize(f.Popularity, 0.5)

	var hue float64
	switch {
	case energy > 0.7:
		hue = tempo * 30
	case energy > 0.3:
		hue = 60 + danceability*120
	default:
		hue = 240 + acousticness*60
	}

	saturation := 30 + valence*60
	value := 40 + (danceability*0.7+popularity*0.3)*40

	return HSV{
		H: int(math.Round(hue)) % 360,
		S: int(math.Round(math.Max(0, math.Min(100, saturation)))),
		V: int(math.Round(math.Max(0, math.Min(100, value)))),
	}
}

// HSVToHex converts an HSV color to a lowercase "#rrggbb" string using the
// standard six-sector conversion. h is in degrees, s and v in [0,100].
func HSVToHex(h, s, v float64) string {
	sf := s / 100
	vf := v / 100

	c := vf * sf
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := vf - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return fmt.Sprintf("#%02x%02x%02x",
		uint8(math.Round((r+m)*255)),
		uint8(math.Round((g+m)*255)),
		uint8(math.Round((b+m)*255)))
}

// FeaturesToColor is the full pipeline: feature vector to hex color string.
func FeaturesToColor(f models.AudioFeatures) string {
	hsv := FeaturesToHSV(f)
	return HSVToHex(float64(hsv.H), float64(hsv.S), float64(hsv.V))
}

// MoodTags derives discrete mood labels from thresholded feature values.
// The energy and valence ladders are mutually exclusive bands; compound tags
// require two thresholds simultaneously. The result is deduplicated and
// preserves emission order.
func MoodTags(f models.AudioFeatures) []string {
	var tags []string

	switch {
	case f.Energy > 0.8:
		tags = append(tags, "High Energy")
	case f.Energy > 0.6:
		tags = append(tags, "Energetic")
	case f.Energy < 0.3:
		tags = append(tags, "Chill")
	case f.Energy < 0.4:
		tags = append(tags, "Mellow")
	}

	switch {
	case f.Valence > 0.75:
		tags = append(tags, "Happy")
	case f.Valence > 0.55:
		tags = append(tags, "Upbeat")
	case f.Valence < 0.35:
		tags = append(tags, "Sad")
	case f.Valence < 0.45:
		tags = append(tags, "Melancholic")
	}

	if f.Danceability > 0.8 {
		tags = append(tags, "Danceable")
	} else if f.Danceability > 0.6 {
		tags = append(tags, "Groovy")
	}

	if f.Acousticness > 0.7 {
		tags = append(tags, "Acoustic")
	} else if f.Acousticness < 0.2 {
		tags = append(tags, "Electronic")
	}

	if f.Energy > 0.7 && f.Valence > 0.7 {
		tags = append(tags, "Euphoric")
	}
	if f.Energy < 0.4 && f.Valence < 0.4 {
		tags = append(tags, "Contemplative")
	}
	if f.Danceability > 0.7 && f.Energy > 0.6 {
		tags = append(tags, "Party")
	}

	return dedupe(tags)
}

// dedupe removes repeated tags while keeping first-seen order.
func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// NormalizeLoudness maps Spotify's -60..0 dB loudness to [0,1].
func NormalizeLoudness(db float64) float64 {
	return math.Max(0, math.Min(1, (db+60)/60))
}

// NormalizeTempo maps 60..200 BPM to [0,1].
func NormalizeTempo(bpm float64) float64 {
	return math.Max(0, math.Min(1, (bpm-60)/140))
}
