package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE dialogue_session_status AS ENUM ('ONGOING', 'COMPLETED', 'FAILED'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE transcript_speaker AS ENUM ('USER', 'AI'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS scenarios (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dialogue_sessions (
		id BIGSERIAL PRIMARY KEY,
		session_token TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		scenario_id BIGINT NOT NULL REFERENCES scenarios(id),
		status dialogue_session_status NOT NULL DEFAULT 'ONGOING',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		audio_url TEXT,
		audio_duration_seconds INTEGER,
		realtime_metrics JSONB,
		media_room_id BIGINT,
		media_user_feed_id BIGINT,
		media_bot_feed_id BIGINT,
		ai_realtime_session_id VARCHAR(128),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT chk_terminal_ended_at CHECK ((status = 'ONGOING') = (ended_at IS NULL)),
		CONSTRAINT chk_media_all_or_nothing CHECK (
			((media_room_id IS NULL) = (media_user_feed_id IS NULL)) AND
			((media_room_id IS NULL) = (media_bot_feed_id IS NULL))
		)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dialogue_sessions_user_started ON dialogue_sessions (user_id, started_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_dialogue_sessions_live_room ON dialogue_sessions (media_room_id) WHERE media_room_id IS NOT NULL AND status = 'ONGOING'`,
	`CREATE INDEX IF NOT EXISTS idx_dialogue_sessions_ai_handle ON dialogue_sessions (ai_realtime_session_id) WHERE ai_realtime_session_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES dialogue_sessions(id) ON DELETE CASCADE,
		speaker transcript_speaker NOT NULL,
		content TEXT NOT NULL,
		spoken_at TIMESTAMPTZ NOT NULL,
		start_time_ms BIGINT,
		end_time_ms BIGINT,
		confidence_score REAL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT chk_offsets_ordered CHECK (start_time_ms IS NULL OR end_time_ms IS NULL OR end_time_ms >= start_time_ms),
		CONSTRAINT chk_confidence_range CHECK (confidence_score IS NULL OR (confidence_score >= 0 AND confidence_score <= 1))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_session_spoken ON transcripts (session_id, spoken_at)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
