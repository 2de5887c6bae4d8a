package dto

type OpenSessionRequest struct {
	SessionID        string `json:"session_id" validate:"required,max=128"`
	MaxNotifications int    `json:"max_notifications" validate:"omitempty,min=1,max=100"`
	// AutoCloseMs of 0 keeps the default; -1 keeps notifications until dismissed.
	AutoCloseMs int `json:"auto_close_ms" validate:"omitempty,min=-1,max=600000"`
}

type PresentRiskRequest struct {
	FusedScore    float64 `json:"fused_score"`
	VoiceScore    float64 `json:"voice_score"`
	VideoScore    float64 `json:"video_score"`
	DocumentScore float64 `json:"document_score"`
	LivenessScore float64 `json:"liveness_score"`
	ScamScore     float64 `json:"scam_score"`
}

// SessionUpdateMessage is the frame pushed to dashboard sockets.
const SessionUpdateMessage = "session_update"
