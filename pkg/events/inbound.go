package events

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags an inbound frame from the analysis service.
type Kind string

const (
	KindAnalysisProgress Kind = "analysis_progress"
	KindResultReady      Kind = "result_ready"
	KindError            Kind = "error"
)

// Stage is one of the four analysis modalities.
type Stage string

const (
	StageVoice    Stage = "voice"
	StageVideo    Stage = "video"
	StageDocument Stage = "document"
	StageLiveness Stage = "liveness"
)

// Stages lists every stage in display order.
var Stages = []Stage{StageVoice, StageVideo, StageDocument, StageLiveness}

func (s Stage) Valid() bool {
	switch s {
	case StageVoice, StageVideo, StageDocument, StageLiveness:
		return true
	}
	return false
}

// StageStatus is the per-stage status reported by the analysis service.
type StageStatus string

const (
	StatusRunning   StageStatus = "running"
	StatusFailed    StageStatus = "failed"
	StatusCompleted StageStatus = "completed"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// Frame is the wire envelope: {"type": "...", "data": {...}}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressPayload is the data of an analysis_progress frame.
type ProgressPayload struct {
	Stage           Stage       `json:"stage"`
	ProgressPercent float64     `json:"progress_percent"`
	Status          StageStatus `json:"status"`
}

// ResultPayload carries the final scores of a result_ready frame.
type ResultPayload struct {
	FusedScore    float64 `json:"fused_score"`
	VoiceScore    float64 `json:"voice_score"`
	VideoScore    float64 `json:"video_score"`
	DocumentScore float64 `json:"document_score"`
	LivenessScore float64 `json:"liveness_score"`
	ScamScore     float64 `json:"scam_score"`
}

// ErrorPayload is the data of a job-level error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Inbound is a decoded frame. At most one of the payload pointers is set, matching Kind.
// A result_ready frame without data decodes with a nil Result: the job is over but
// there are no scores to present.
type Inbound struct {
	Kind     Kind
	Progress *ProgressPayload
	Result   *ResultPayload
	Error    *ErrorPayload
}

// MalformedEventError reports a frame that could not be decoded. Such frames are
// dropped by the caller; they never affect the connection.
type MalformedEventError struct {
	Raw    []byte
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func malformed(raw []byte, format string, args ...interface{}) error {
	return &MalformedEventError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// Decode parses one raw frame into an Inbound event.
func Decode(raw []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Inbound{}, malformed(raw, "invalid envelope: %v", err)
	}

	switch Kind(frame.Type) {
	case KindAnalysisProgress:
		var p ProgressPayload
		if err := decodeData(frame.Data, &p); err != nil {
			return Inbound{}, malformed(raw, "invalid analysis_progress data: %v", err)
		}
		if !p.Stage.Valid() {
			return Inbound{}, malformed(raw, "unknown stage %q", p.Stage)
		}
		if !p.Status.Valid() {
			return Inbound{}, malformed(raw, "unknown status %q", p.Status)
		}
		if math.IsNaN(p.ProgressPercent) {
			return Inbound{}, malformed(raw, "progress_percent is NaN")
		}
		return Inbound{Kind: KindAnalysisProgress, Progress: &p}, nil

	case KindResultReady:
		if isEmpty(frame.Data) {
			return Inbound{Kind: KindResultReady}, nil
		}
		var r ResultPayload
		if err := json.Unmarshal(frame.Data, &r); err != nil {
			return Inbound{}, malformed(raw, "invalid result_ready data: %v", err)
		}
		return Inbound{Kind: KindResultReady, Result: &r}, nil

	case KindError:
		var e ErrorPayload
		if !isEmpty(frame.Data) {
			// Some producers send the message as a bare string.
			if err := json.Unmarshal(frame.Data, &e); err != nil {
				var msg string
				if err2 := json.Unmarshal(frame.Data, &msg); err2 != nil {
					return Inbound{}, malformed(raw, "invalid error data: %v", err)
				}
				e.Message = msg
			}
		}
		if e.Message == "" {
			e.Message = "analysis failed"
		}
		return Inbound{Kind: KindError, Error: &e}, nil
	}

	return Inbound{}, malformed(raw, "unknown event type %q", frame.Type)
}

func isEmpty(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

func decodeData(data json.RawMessage, v interface{}) error {
	if isEmpty(data) {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}
