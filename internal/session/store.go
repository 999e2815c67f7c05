package session

import (
	"context"
	"encoding/json"
	"time"
)

// User and Scenario are the referenced collaborator records, carried only as
// far as the session core needs them.
type User struct {
	ID        int64
	Email     string
	Nickname  string
	CreatedAt time.Time
}

type Scenario struct {
	ID          int64
	Title       string
	Description string
	CreatedAt   time.Time
}

type EndSessionInput struct {
	SessionID int64
	Status    Status
	EndedAt   time.Time
}

type UpdateSessionInput struct {
	SessionID            int64
	AudioURL             *string
	AudioDurationSeconds *int
	RealtimeMetrics      json.RawMessage
	Media                *MediaLink
	AIHandle             *string
	UpdatedAt            time.Time
}

// SessionQuery selects sessions for listing. Results are ordered by start
// time descending; Limit 0 means no limit.
type SessionQuery struct {
	UserID     int64
	ScenarioID int64
	Status     *Status
	Limit      int
	Offset     int
}

type UserStore interface {
	FindUser(ctx context.Context, id int64) (*User, error)
}

type ScenarioStore interface {
	FindScenario(ctx context.Context, id int64) (*Scenario, error)
}

// SessionStore persists sessions. CreateSession assigns the internal key and
// enforces token uniqueness. EndSession must apply the terminal update only
// while the stored status is still ONGOING and report whether a row changed,
// so concurrent terminal transitions resolve to exactly one winner.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) (*Session, error)
	EndSession(ctx context.Context, input EndSessionInput) (bool, error)
	UpdateSession(ctx context.Context, input UpdateSessionInput) error
	FindSessionByToken(ctx context.Context, token string) (*Session, error)
	FindSessionByRoomID(ctx context.Context, roomID int64) (*Session, error)
	FindSessionByAIHandle(ctx context.Context, handle string) (*Session, error)
	QuerySessions(ctx context.Context, q SessionQuery) ([]*Session, error)
	CountSessions(ctx context.Context, userID int64, status Status) (int64, error)
	AverageCompletedDurationSeconds(ctx context.Context, userID int64) (*float64, error)
}

type TranscriptStore interface {
	InsertUtterance(ctx context.Context, u *Utterance) (*Utterance, error)
	ListUtterances(ctx context.Context, sessionID int64) ([]*Utterance, error)
}

type Store interface {
	UserStore
	ScenarioStore
	SessionStore
	TranscriptStore
}
