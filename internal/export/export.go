// Package export defines the payload handed to downstream consumers
// (scoring, feedback) when a session reaches a terminal state.
package export

import "context"

const TranscriptSchemaVersion = "1.0"

type TranscriptUtterance struct {
	Speaker     string   `json:"speaker"`
	Content     string   `json:"content"`
	Timestamp   string   `json:"timestamp"`
	StartMs     *int64   `json:"start_ms,omitempty"`
	EndMs       *int64   `json:"end_ms,omitempty"`
	Confidence  *float32 `json:"confidence,omitempty"`
	SpeechRate  *float64 `json:"speech_rate,omitempty"`
	DurationMs  *int64   `json:"duration_ms,omitempty"`
}

type TranscriptPayload struct {
	SchemaVersion       string                `json:"schema_version"`
	SessionToken        string                `json:"session_token"`
	UserID              int64                 `json:"user_id"`
	ScenarioID          int64                 `json:"scenario_id"`
	Status              string                `json:"status"`
	StartAt             string                `json:"start_at"`
	EndAt               string                `json:"end_at"`
	DurationSeconds     float64               `json:"duration_seconds"`
	UtteranceCount      int                   `json:"utterance_count"`
	UserUtteranceCount  int                   `json:"user_utterance_count"`
	AIUtteranceCount    int                   `json:"ai_utterance_count"`
	TotalSpeakingTimeMs int64                 `json:"total_speaking_time_ms"`
	Utterances          []TranscriptUtterance `json:"utterances"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptPayload) error
}
