// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package colormap

import (
	"math"
	"testing"

	"github.com/moodgrid/moodgrid/internal/models"
)

func TestHSVToHex_KnownColors(t *testing.T) {
	tests := []struct {
		name    string
		h, s, v float64
		want    string
	}{
		{"red", 0, 100, 100, "#ff0000"},
		{"green", 120, 100, 100, "#00ff00"},
		{"blue", 240, 100, 100, "#0000ff"},
		{"black", 0, 0, 0, "#000000"},
		{"white", 0, 0, 100, "#ffffff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HSVToHex(tt.h, tt.s, tt.v); got != tt.want {
				t.Errorf("HSVToHex(%v, %v, %v) = %q, want %q", tt.h, tt.s, tt.v, got, tt.want)
			}
		})
	}
}

func TestFeaturesToHSV_EnergyTiers(t *testing.T) {
	tests := []struct {
		name     string
		features models.AudioFeatures
		minHue   int
		maxHue   int
	}{
		{
			name:     "high energy lands in red-orange band",
			features: models.AudioFeatures{Energy: 0.9, Tempo: 0.5},
			minHue:   0,
			maxHue:   30,
		},
		{
			name:     "mid energy lands in yellow-green band",
			features: models.AudioFeatures{Energy: 0.5, Danceability: 0.5},
			minHue:   60,
			maxHue:   180,
		},
		{
			name:     "low energy lands in blue-violet band",
			features: models.AudioFeatures{Energy: 0.1, Acousticness: 0.5},
			minHue:   240,
			maxHue:   300,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hsv := FeaturesToHSV(tt.features)
			if hsv.H < tt.minHue || hsv.H > tt.maxHue {
				t.Errorf("hue %d outside [%d,%d]", hsv.H, tt.minHue, tt.maxHue)
			}
		})
	}
}

func TestFeaturesToHSV_RangeInvariants(t *testing.T) {
	// Includes deliberately hostile inputs: the mapper must clamp or default,
	// never panic, and always stay inside the hard bounds.
	inputs := []models.AudioFeatures{
		{},
		{Energy: 1, Valence: 1, Danceability: 1, Acousticness: 1, Tempo: 1, Popularity: 1},
		{Energy: -5, Valence: 17, Danceability: -0.2, Tempo: 99},
		{Energy: math.NaN(), Valence: math.Inf(1), Danceability: math.Inf(-1)},
		{Energy: 0.3, Valence: 0.5, Danceability: 0.5},
		{Energy: 0.7, Tempo: math.NaN()},
	}

	for _, f := range inputs {
		hsv := FeaturesToHSV(f)
		if hsv.H < 0 || hsv.H >= 360 {
			t.Errorf("hue %d out of [0,360) for %+v", hsv.H, f)
		}
		if hsv.S < 0 || hsv.S > 100 {
			t.Errorf("saturation %d out of [0,100] for %+v", hsv.S, f)
		}
		if hsv.V < 0 || hsv.V > 100 {
			t.Errorf("value %d out of [0,100] for %+v", hsv.V, f)
		}
	}
}

func TestFeaturesToHSV_SaturationValueBands(t *testing.T) {
	// For in-range inputs saturation stays in [30,90] and value in [40,80].
	for _, f := range []models.AudioFeatures{
		{Energy: 0.5, Valence: 0, Danceability: 0, Popularity: 0},
		{Energy: 0.5, Valence: 1, Danceability: 1, Popularity: 1},
		{Energy: 0.9, Valence: 0.4, Danceability: 0.6, Popularity: 0.3, Tempo: 0.7},
	} {
		hsv := FeaturesToHSV(f)
		if hsv.S < 30 || hsv.S > 90 {
			t.Errorf("saturation %d out of [30,90] for %+v", hsv.S, f)
		}
		if hsv.V < 40 || hsv.V > 80 {
			t.Errorf("value %d out of [40,80] for %+v", hsv.V, f)
		}
	}
}

func TestFeaturesToColor_Deterministic(t *testing.T) {
	f := models.AudioFeatures{
		Energy:       0.82,
		Valence:      0.61,
		Danceability: 0.74,
		Acousticness: 0.12,
		Tempo:        0.55,
		Popularity:   0.43,
	}

	first := FeaturesToColor(f)
	for i := 0; i < 100; i++ {
		if got := FeaturesToColor(f); got != first {
			t.Fatalf("run %d: FeaturesToColor changed from %q to %q", i, first, got)
		}
	}

	if len(first) != 7 || first[0] != '#' {
		t.Errorf("unexpected hex format %q", first)
	}
}

func TestMoodTags_ThresholdEmission(t *testing.T) {
	f := models.AudioFeatures{
		Energy:       0.9,
		Valence:      0.8,
		Danceability: 0.85,
		Acousticness: 0.1,
	}

	tags := MoodTags(f)
	for _, want := range []string{"High Energy", "Happy", "Danceable", "Party"} {
		if !contains(tags, want) {
			t.Errorf("tags %v missing %q", tags, want)
		}
	}
	// Euphoric and Electronic also trip for this vector.
	if !contains(tags, "Euphoric") {
		t.Errorf("tags %v missing Euphoric", tags)
	}
}

func TestMoodTags_LowEnergyLowValence(t *testing.T) {
	tags := MoodTags(models.AudioFeatures{Energy: 0.2, Valence: 0.2, Acousticness: 0.8})
	for _, want := range []string{"Chill", "Sad", "Acoustic", "Contemplative"} {
		if !contains(tags, want) {
			t.Errorf("tags %v missing %q", tags, want)
		}
	}
	for _, reject := range []string{"High Energy", "Party", "Electronic"} {
		if contains(tags, reject) {
			t.Errorf("tags %v must not contain %q", tags, reject)
		}
	}
}

func TestMoodTags_NoDuplicates(t *testing.T) {
	inputs := []models.AudioFeatures{
		{Energy: 0.9, Valence: 0.8, Danceability: 0.85, Acousticness: 0.1},
		{Energy: 0.2, Valence: 0.2, Acousticness: 0.9},
		{Energy: 0.5, Valence: 0.5, Danceability: 0.5, Acousticness: 0.5},
		{},
	}

	for _, f := range inputs {
		tags := MoodTags(f)
		seen := make(map[string]int)
		for _, tag := range tags {
			seen[tag]++
		}
		for tag, n := range seen {
			if n > 1 {
				t.Errorf("tag %q emitted %d times for %+v", tag, n, f)
			}
		}
	}
}

func TestNormalizeLoudness(t *testing.T) {
	tests := []struct {
		db   float64
		want float64
	}{
		{-60, 0},
		{0, 1},
		{-30, 0.5},
		{-120, 0}, // clamped
		{10, 1},   // clamped
	}
	for _, tt := range tests {
		if got := NormalizeLoudness(tt.db); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeLoudness(%v) = %v, want %v", tt.db, got, tt.want)
		}
	}
}

func TestNormalizeTempo(t *testing.T) {
	tests := []struct {
		bpm  float64
		want float64
	}{
		{60, 0},
		{200, 1},
		{130, 0.5},
		{20, 0},
		{500, 1},
	}
	for _, tt := range tests {
		if got := NormalizeTempo(tt.bpm); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeTempo(%v) = %v, want %v", tt.bpm, got, tt.want)
		}
	}
}

func contains(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
