// Package risk turns the fused and per-modality scores of a finished analysis into a
// categorical level and a short narrative. It holds no state.
package risk

import (
	"fmt"
	"math"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Lower bounds, inclusive.
const (
	MediumThreshold   = 25.0
	HighThreshold     = 50.0
	CriticalThreshold = 75.0
)

type Scores struct {
	FusedScore    float64 `json:"fused_score"`
	VoiceScore    float64 `json:"voice_score"`
	VideoScore    float64 `json:"video_score"`
	DocumentScore float64 `json:"document_score"`
	LivenessScore float64 `json:"liveness_score"`
	ScamScore     float64 `json:"scam_score"`
}

type View struct {
	FusedScore    float64 `json:"fused_score"`
	Level         Level   `json:"level"`
	VoiceScore    float64 `json:"voice_score"`
	VideoScore    float64 `json:"video_score"`
	DocumentScore float64 `json:"document_score"`
	LivenessScore float64 `json:"liveness_score"`
	ScamScore     float64 `json:"scam_score"`
	Narrative     string  `json:"narrative"`
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Classify maps a fused score to its level after clamping it to [0,100].
func Classify(fused float64) Level {
	fused = clamp(fused)
	switch {
	case fused >= CriticalThreshold:
		return LevelCritical
	case fused >= HighThreshold:
		return LevelHigh
	case fused >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func Present(s Scores) View {
	v := View{
		FusedScore:    clamp(s.FusedScore),
		VoiceScore:    clamp(s.VoiceScore),
		VideoScore:    clamp(s.VideoScore),
		DocumentScore: clamp(s.DocumentScore),
		LivenessScore: clamp(s.LivenessScore),
		ScamScore:     clamp(s.ScamScore),
	}
	v.Level = Classify(v.FusedScore)
	v.Narrative = narrative(v)
	return v
}

var headlines = map[Level]string{
	LevelLow:      "No significant signs of manipulation were found.",
	LevelMedium:   "Some signals warrant a manual review.",
	LevelHigh:     "Strong indicators of manipulation were detected.",
	LevelCritical: "The submission is very likely manipulated or fraudulent.",
}

func narrative(v View) string {
	modalities := []struct {
		name  string
		score float64
	}{
		{"voice", v.VoiceScore},
		{"video", v.VideoScore},
		{"document", v.DocumentScore},
		{"liveness", v.LivenessScore},
		{"scam", v.ScamScore},
	}
	top := modalities[0]
	for _, m := range modalities[1:] {
		if m.score > top.score {
			top = m
		}
	}

	text := fmt.Sprintf("Risk is %s (fused score %.1f). %s", v.Level, v.FusedScore, headlines[v.Level])
	if top.score > 0 {
		text += fmt.Sprintf(" Highest contributing signal: %s analysis (%.1f).", top.name, top.score)
	}
	return text
}
