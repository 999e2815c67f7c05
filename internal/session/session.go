// Package session holds the dialogue-session core: the session entity and
// its lifecycle state machine, the per-session transcript ledger, and the
// process-wide manager coordinating live sessions with durable storage.
package session

import (
	"encoding/json"
	"time"

	"github.com/aidtrain/train-backend/internal/fault"
)

type Status string

const (
	StatusOngoing   Status = "ONGOING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Ongoing() bool { return s == StatusOngoing }

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusOngoing:
		return false
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// MediaLink identifies the external media room carrying a session's audio.
// The triple is all-or-nothing: a session either has all three ids or none.
type MediaLink struct {
	RoomID     int64
	UserFeedID int64
	BotFeedID  int64
}

func (l MediaLink) complete() bool {
	return l.RoomID != 0 && l.UserFeedID != 0 && l.BotFeedID != 0
}

// Session is one dialogue run against a scenario persona. ID is the internal
// storage key; Token is the opaque identifier used on the wire and is never
// reused across sessions.
//
// Methods are not self-locking. The Manager serializes all mutation per
// session; the entity only enforces the transition rules.
type Session struct {
	ID                   int64
	Token                string
	UserID               int64
	ScenarioID           int64
	Status               Status
	StartedAt            time.Time
	EndedAt              *time.Time
	AudioURL             string
	AudioDurationSeconds int
	RealtimeMetrics      json.RawMessage
	Media                *MediaLink
	AIHandle             string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func New(userID, scenarioID int64, token string, now time.Time) *Session {
	return &Session{
		Token:      token,
		UserID:     userID,
		ScenarioID: scenarioID,
		Status:     StatusOngoing,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Complete moves the session to its successful terminal state. Termination
// is one-way: terminal sessions reject further transitions.
func (s *Session) Complete(now time.Time) error {
	if err := s.guardOngoing("complete"); err != nil {
		return err
	}
	s.Status = StatusCompleted
	s.EndedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail moves the session to its failed terminal state.
func (s *Session) Fail(now time.Time) error {
	if err := s.guardOngoing("fail"); err != nil {
		return err
	}
	s.Status = StatusFailed
	s.EndedAt = &now
	s.UpdatedAt = now
	return nil
}

// AttachMedia binds the media-room triple. All three ids must be present;
// a zero id counts as absent.
func (s *Session) AttachMedia(link MediaLink, now time.Time) error {
	if err := s.guardOngoing("attach media"); err != nil {
		return err
	}
	if !link.complete() {
		return fault.New(fault.KindInvalidArgument,
			"media linkage requires room, user-feed and bot-feed ids, got %+v", link)
	}
	s.Media = &link
	s.UpdatedAt = now
	return nil
}

// AttachAIHandle records the external AI-realtime handle. Re-attaching the
// same handle is a no-op; a different handle while one is set is rejected.
func (s *Session) AttachAIHandle(handle string, now time.Time) error {
	if err := s.guardOngoing("attach ai handle"); err != nil {
		return err
	}
	if handle == "" {
		return fault.New(fault.KindInvalidArgument, "ai handle must not be empty")
	}
	if s.AIHandle == handle {
		return nil
	}
	if s.AIHandle != "" {
		return fault.New(fault.KindInvalidState,
			"session %s already has ai handle %s", s.Token, s.AIHandle)
	}
	s.AIHandle = handle
	s.UpdatedAt = now
	return nil
}

// RecordAudio stores the audio artifact location. Uploads may finish after
// the session ended, so this is legal in any state and overwrites.
func (s *Session) RecordAudio(url string, durationSeconds int, now time.Time) error {
	if url == "" {
		return fault.New(fault.KindInvalidArgument, "audio url must not be empty")
	}
	if durationSeconds < 0 {
		return fault.New(fault.KindInvalidArgument, "audio duration must not be negative, got %d", durationSeconds)
	}
	s.AudioURL = url
	s.AudioDurationSeconds = durationSeconds
	s.UpdatedAt = now
	return nil
}

func (s *Session) RecordMetrics(raw json.RawMessage, now time.Time) error {
	if err := s.guardOngoing("record metrics"); err != nil {
		return err
	}
	s.RealtimeMetrics = raw
	s.UpdatedAt = now
	return nil
}

func (s *Session) DurationSeconds() (float64, bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt).Seconds(), true
}

func (s *Session) guardOngoing(op string) error {
	switch s.Status {
	case StatusOngoing:
		return nil
	case StatusCompleted, StatusFailed:
		return fault.New(fault.KindInvalidState,
			"cannot %s: session %s is already %s", op, s.Token, s.Status)
	default:
		return fault.New(fault.KindInvalidState,
			"cannot %s: session %s has unknown status %q", op, s.Token, s.Status)
	}
}
