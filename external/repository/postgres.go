package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidtrain/train-backend/internal/fault"
	"github.com/aidtrain/train-backend/internal/session"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) session.Store {
	return &PostgresStore{pool: pool}
}

func (r *PostgresStore) FindUser(ctx context.Context, id int64) (*session.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, nickname, created_at FROM users WHERE id = $1`, id)
	var u session.User
	if err := row.Scan(&u.ID, &u.Email, &u.Nickname, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "user %d not found", id)
		}
		return nil, storeErr(err, "find user")
	}
	return &u, nil
}

func (r *PostgresStore) FindScenario(ctx context.Context, id int64) (*session.Scenario, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, description, created_at FROM scenarios WHERE id = $1`, id)
	var s session.Scenario
	if err := row.Scan(&s.ID, &s.Title, &s.Description, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "scenario %d not found", id)
		}
		return nil, storeErr(err, "find scenario")
	}
	return &s, nil
}

func (r *PostgresStore) CreateSession(ctx context.Context, s *session.Session) (*session.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO dialogue_sessions (session_token, user_id, scenario_id, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING id`,
		s.Token, s.UserID, s.ScenarioID, string(s.Status), s.StartedAt, s.CreatedAt)
	out := *s
	if err := row.Scan(&out.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, fault.Wrap(fault.KindConflict, err, "session token %s already exists", s.Token)
		}
		return nil, storeErr(err, "create session")
	}
	return &out, nil
}

func (r *PostgresStore) EndSession(ctx context.Context, input session.EndSessionInput) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE dialogue_sessions
		 SET status = $2, ended_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'ONGOING'`,
		input.SessionID, string(input.Status), input.EndedAt)
	if err != nil {
		return false, storeErr(err, "end session")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStore) UpdateSession(ctx context.Context, input session.UpdateSessionInput) error {
	sets := []string{"updated_at = $2"}
	args := []any{input.SessionID, input.UpdatedAt}

	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if input.AudioURL != nil {
		add("audio_url = $%d", *input.AudioURL)
	}
	if input.AudioDurationSeconds != nil {
		add("audio_duration_seconds = $%d", *input.AudioDurationSeconds)
	}
	if input.RealtimeMetrics != nil {
		add("realtime_metrics = $%d", []byte(input.RealtimeMetrics))
	}
	if input.Media != nil {
		add("media_room_id = $%d", input.Media.RoomID)
		add("media_user_feed_id = $%d", input.Media.UserFeedID)
		add("media_bot_feed_id = $%d", input.Media.BotFeedID)
	}
	if input.AIHandle != nil {
		add("ai_realtime_session_id = $%d", *input.AIHandle)
	}

	query := fmt.Sprintf(`UPDATE dialogue_sessions SET %s WHERE id = $1`, strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Wrap(fault.KindConflict, err, "update session %d", input.SessionID)
		}
		return storeErr(err, "update session")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "session %d not found", input.SessionID)
	}
	return nil
}

const sessionColumns = `id, session_token, user_id, scenario_id, status, started_at, ended_at,
	audio_url, audio_duration_seconds, realtime_metrics,
	media_room_id, media_user_feed_id, media_bot_feed_id,
	ai_realtime_session_id, created_at, updated_at`

func (r *PostgresStore) FindSessionByToken(ctx context.Context, token string) (*session.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialogue_sessions WHERE session_token = $1`, token)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "session %s not found", token)
		}
		return nil, storeErr(err, "find session by token")
	}
	return s, nil
}

func (r *PostgresStore) FindSessionByRoomID(ctx context.Context, roomID int64) (*session.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialogue_sessions WHERE media_room_id = $1
		 ORDER BY started_at DESC LIMIT 1`, roomID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "no session for media room %d", roomID)
		}
		return nil, storeErr(err, "find session by room")
	}
	return s, nil
}

func (r *PostgresStore) FindSessionByAIHandle(ctx context.Context, handle string) (*session.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialogue_sessions WHERE ai_realtime_session_id = $1
		 ORDER BY started_at DESC LIMIT 1`, handle)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "no session for ai handle %s", handle)
		}
		return nil, storeErr(err, "find session by ai handle")
	}
	return s, nil
}

func (r *PostgresStore) QuerySessions(ctx context.Context, q session.SessionQuery) ([]*session.Session, error) {
	where := []string{"TRUE"}
	var args []any

	cond := func(expr string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if q.UserID != 0 {
		cond("user_id = $%d", q.UserID)
	}
	if q.ScenarioID != 0 {
		cond("scenario_id = $%d", q.ScenarioID)
	}
	if q.Status != nil {
		cond("status = $%d", string(*q.Status))
	}

	query := `SELECT ` + sessionColumns + ` FROM dialogue_sessions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY started_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "query sessions")
	}
	defer rows.Close()
	var list []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(err, "scan session")
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "query sessions")
	}
	return list, nil
}

func (r *PostgresStore) CountSessions(ctx context.Context, userID int64, status session.Status) (int64, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dialogue_sessions WHERE user_id = $1 AND status = $2`,
		userID, string(status))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, storeErr(err, "count sessions")
	}
	return n, nil
}

func (r *PostgresStore) AverageCompletedDurationSeconds(ctx context.Context, userID int64) (*float64, error) {
	query := `SELECT AVG(EXTRACT(EPOCH FROM (ended_at - started_at)))
		 FROM dialogue_sessions
		 WHERE status = 'COMPLETED' AND ended_at IS NOT NULL`
	args := []any{}
	if userID != 0 {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	row := r.pool.QueryRow(ctx, query, args...)
	var avg *float64
	if err := row.Scan(&avg); err != nil {
		return nil, storeErr(err, "average session duration")
	}
	return avg, nil
}

func (r *PostgresStore) InsertUtterance(ctx context.Context, u *session.Utterance) (*session.Utterance, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO transcripts (session_id, speaker, content, spoken_at, start_time_ms, end_time_ms, confidence_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		u.SessionID, string(u.Speaker), u.Content, u.Timestamp, u.StartMs, u.EndMs, u.Confidence)
	out := *u
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, storeErr(err, "insert utterance")
	}
	return &out, nil
}

func (r *PostgresStore) ListUtterances(ctx context.Context, sessionID int64) ([]*session.Utterance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, speaker, content, spoken_at, start_time_ms, end_time_ms, confidence_score, created_at
		 FROM transcripts WHERE session_id = $1 ORDER BY spoken_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, storeErr(err, "list utterances")
	}
	defer rows.Close()
	var list []*session.Utterance
	for rows.Next() {
		var u session.Utterance
		var speaker string
		if err := rows.Scan(&u.ID, &u.SessionID, &speaker, &u.Content, &u.Timestamp,
			&u.StartMs, &u.EndMs, &u.Confidence, &u.CreatedAt); err != nil {
			return nil, storeErr(err, "scan utterance")
		}
		u.Speaker = session.Speaker(speaker)
		list = append(list, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "list utterances")
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		s             session.Session
		status        string
		endedAt       *time.Time
		audioURL      *string
		audioDuration *int
		metrics       []byte
		roomID        *int64
		userFeedID    *int64
		botFeedID     *int64
		aiHandle      *string
	)
	if err := row.Scan(&s.ID, &s.Token, &s.UserID, &s.ScenarioID, &status, &s.StartedAt, &endedAt,
		&audioURL, &audioDuration, &metrics,
		&roomID, &userFeedID, &botFeedID,
		&aiHandle, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	s.EndedAt = endedAt
	if audioURL != nil {
		s.AudioURL = *audioURL
	}
	if audioDuration != nil {
		s.AudioDurationSeconds = *audioDuration
	}
	if metrics != nil {
		s.RealtimeMetrics = json.RawMessage(metrics)
	}
	if roomID != nil && userFeedID != nil && botFeedID != nil {
		s.Media = &session.MediaLink{RoomID: *roomID, UserFeedID: *userFeedID, BotFeedID: *botFeedID}
	}
	if aiHandle != nil {
		s.AIHandle = *aiHandle
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func storeErr(err error, op string) error {
	return fault.Wrap(fault.KindUpstreamUnavailable, err, "%s", op)
}
