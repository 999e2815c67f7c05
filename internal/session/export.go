package session

import (
	"time"

	"github.com/aidtrain/train-backend/internal/export"
)

// buildTranscriptPayload flattens a terminated session and its ledger into
// the downstream export shape. Derived values that are undefined for an
// utterance are omitted rather than zeroed.
func buildTranscriptPayload(s *Session, ledger *Ledger) export.TranscriptPayload {
	endAt := s.StartedAt
	if s.EndedAt != nil {
		endAt = *s.EndedAt
	}
	duration, _ := s.DurationSeconds()

	var utterances []export.TranscriptUtterance
	for u := range ledger.ByOrder() {
		eu := export.TranscriptUtterance{
			Speaker:    string(u.Speaker),
			Content:    u.Content,
			Timestamp:  u.Timestamp.Format(time.RFC3339),
			StartMs:    u.StartMs,
			EndMs:      u.EndMs,
			Confidence: u.Confidence,
		}
		if ms, ok := u.DurationMs(); ok {
			eu.DurationMs = &ms
		}
		if rate, ok := u.SpeechRate(); ok {
			eu.SpeechRate = &rate
		}
		utterances = append(utterances, eu)
	}

	return export.TranscriptPayload{
		SchemaVersion:       export.TranscriptSchemaVersion,
		SessionToken:        s.Token,
		UserID:              s.UserID,
		ScenarioID:          s.ScenarioID,
		Status:              string(s.Status),
		StartAt:             s.StartedAt.Format(time.RFC3339),
		EndAt:               endAt.Format(time.RFC3339),
		DurationSeconds:     duration,
		UtteranceCount:      ledger.Count(),
		UserUtteranceCount:  ledger.CountBySpeaker(SpeakerUser),
		AIUtteranceCount:    ledger.CountBySpeaker(SpeakerAI),
		TotalSpeakingTimeMs: ledger.TotalSpeakingTimeMs(),
		Utterances:          utterances,
	}
}
