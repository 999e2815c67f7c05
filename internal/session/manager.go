package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/export"
	"github.com/aidtrain/train-backend/internal/fault"
)

// Manager is the process-wide session directory. It owns every live session's
// state machine and transcript ledger, keeps the secondary indexes (token,
// media room, AI handle) and drives the persistence collaborators.
type Manager struct {
	cfg      *config.Config
	store    Store
	exporter export.Sender

	mu              sync.Mutex
	byToken         map[string]*liveSession
	tokenByRoom     map[int64]string
	tokenByAIHandle map[string]string
}

// liveSession pairs one session with its ledger. mu serializes all mutation
// for this session; terminal mirrors the status so terminal misuse can be
// rejected without taking the lock (a lost race inside the lock is the
// Conflict case, a pre-check hit is the InvalidState case).
type liveSession struct {
	mu       sync.Mutex
	terminal atomic.Bool
	sess     *Session
	ledger   *Ledger
}

func (ls *liveSession) snapshot() *Session {
	c := *ls.sess
	return &c
}

func NewManager(cfg *config.Config, store Store, exporter export.Sender) *Manager {
	return &Manager{
		cfg:             cfg,
		store:           store,
		exporter:        exporter,
		byToken:         make(map[string]*liveSession),
		tokenByRoom:     make(map[int64]string),
		tokenByAIHandle: make(map[string]string),
	}
}

// Start creates a session in ONGOING for the given user and scenario, mints
// a fresh token and registers the live entry.
func (m *Manager) Start(ctx context.Context, userID, scenarioID int64) (*Session, error) {
	user, err := m.store.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	scenario, err := m.store.FindScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	created, err := m.store.CreateSession(ctx, New(user.ID, scenario.ID, uuid.NewString(), now))
	if err != nil {
		return nil, err
	}

	ls := &liveSession{sess: created, ledger: NewLedger(created.ID)}
	m.mu.Lock()
	m.byToken[created.Token] = ls
	m.mu.Unlock()

	slog.Info("session started",
		"session_token", created.Token, "session_id", created.ID,
		"user_id", user.ID, "scenario_id", scenario.ID)
	return ls.snapshot(), nil
}

func (m *Manager) Complete(ctx context.Context, token string) (*Session, error) {
	return m.end(ctx, token, StatusCompleted)
}

func (m *Manager) Fail(ctx context.Context, token string) (*Session, error) {
	return m.end(ctx, token, StatusFailed)
}

func (m *Manager) end(ctx context.Context, token string, terminal Status) (*Session, error) {
	ls := m.lookupLive(token)
	if ls == nil {
		return m.endStored(ctx, token, terminal)
	}
	if ls.terminal.Load() {
		return nil, fault.New(fault.KindInvalidState,
			"session %s is already terminal", token)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.sess.Status.Terminal() {
		// Passed the pre-check while ongoing, lost the race inside the lock.
		return nil, fault.New(fault.KindConflict,
			"session %s was terminated concurrently, now %s", token, ls.sess.Status)
	}

	now := time.Now()
	updated, err := m.store.EndSession(ctx, EndSessionInput{
		SessionID: ls.sess.ID,
		Status:    terminal,
		EndedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fault.New(fault.KindConflict,
			"session %s was terminated by another writer", token)
	}

	if err := m.applyTerminal(ls.sess, terminal, now); err != nil {
		return nil, err
	}
	ls.terminal.Store(true)
	slog.Info("session ended", "session_token", token, "status", terminal)

	snap := ls.snapshot()
	if m.exporter != nil {
		go m.exportTranscript(snap, ls.ledger)
	}
	return snap, nil
}

func (m *Manager) exportTranscript(s *Session, ledger *Ledger) {
	payload := buildTranscriptPayload(s, ledger)
	if err := m.exporter.SendTranscript(context.Background(), payload); err != nil {
		slog.Error("failed to deliver transcript export",
			"error", err, "session_token", s.Token)
	}
}

// endStored handles sessions that are no longer (or never were) live in this
// process, e.g. after a restart. The conditional update in the store is the
// only arbiter then.
func (m *Manager) endStored(ctx context.Context, token string, terminal Status) (*Session, error) {
	s, err := m.store.FindSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, fault.New(fault.KindInvalidState,
			"session %s is already %s", token, s.Status)
	}
	now := time.Now()
	updated, err := m.store.EndSession(ctx, EndSessionInput{
		SessionID: s.ID,
		Status:    terminal,
		EndedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fault.New(fault.KindConflict,
			"session %s was terminated by another writer", token)
	}
	if err := m.applyTerminal(s, terminal, now); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) applyTerminal(s *Session, terminal Status, now time.Time) error {
	switch terminal {
	case StatusCompleted:
		return s.Complete(now)
	case StatusFailed:
		return s.Fail(now)
	case StatusOngoing:
		return fault.New(fault.KindInvalidArgument, "ONGOING is not a terminal status")
	default:
		return fault.New(fault.KindInvalidArgument, "unknown terminal status %q", terminal)
	}
}

// UtteranceInput carries one recognized unit of speech to append.
type UtteranceInput struct {
	Speaker    Speaker
	Content    string
	Timestamp  time.Time
	StartMs    *int64
	EndMs      *int64
	Confidence *float32
}

func (in *UtteranceInput) validate() error {
	if !in.Speaker.Valid() {
		return fault.New(fault.KindInvalidArgument, "unknown speaker %q", in.Speaker)
	}
	if in.Content == "" {
		return fault.New(fault.KindInvalidArgument, "utterance content must not be empty")
	}
	if in.StartMs != nil && in.EndMs != nil && *in.EndMs < *in.StartMs {
		return fault.New(fault.KindInvalidArgument,
			"utterance end offset %d precedes start offset %d", *in.EndMs, *in.StartMs)
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return fault.New(fault.KindInvalidArgument,
			"confidence must be within [0,1], got %v", *in.Confidence)
	}
	return nil
}

// AppendUtterance appends to the session's transcript and persists the
// entry. Appends are serialized per session; sessions never share a lock.
func (m *Manager) AppendUtterance(ctx context.Context, token string, in UtteranceInput) (*Utterance, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	ls := m.lookupLive(token)
	if ls == nil {
		s, err := m.store.FindSessionByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return m.store.InsertUtterance(ctx, in.toUtterance(s.ID))
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	persisted, err := m.store.InsertUtterance(ctx, in.toUtterance(ls.sess.ID))
	if err != nil {
		return nil, err
	}
	if err := ls.ledger.Append(persisted); err != nil {
		return nil, err
	}
	ls.sess.UpdatedAt = time.Now()
	return persisted, nil
}

func (in *UtteranceInput) toUtterance(sessionID int64) *Utterance {
	return &Utterance{
		SessionID:  sessionID,
		Speaker:    in.Speaker,
		Content:    in.Content,
		Timestamp:  in.Timestamp,
		StartMs:    in.StartMs,
		EndMs:      in.EndMs,
		Confidence: in.Confidence,
	}
}

// AttachMedia binds the media-room triple to an ongoing session. A room can
// back at most one live session at a time.
func (m *Manager) AttachMedia(ctx context.Context, token string, link MediaLink) error {
	ls := m.lookupLive(token)
	if ls == nil {
		return fault.New(fault.KindNotFound, "no live session for token %s", token)
	}
	if link.RoomID != 0 {
		if err := m.claimRoom(link.RoomID, token); err != nil {
			return err
		}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	now := time.Now()
	prev := ls.sess.Media
	// Only a genuinely new claim may be released on rollback; re-attaching
	// the same room must keep its existing claim either way.
	newClaim := prev == nil || prev.RoomID != link.RoomID
	if err := ls.sess.AttachMedia(link, now); err != nil {
		if newClaim {
			m.releaseRoom(link.RoomID, token)
		}
		return err
	}
	if err := m.store.UpdateSession(ctx, UpdateSessionInput{
		SessionID: ls.sess.ID,
		Media:     &link,
		UpdatedAt: now,
	}); err != nil {
		ls.sess.Media = prev
		if newClaim {
			m.releaseRoom(link.RoomID, token)
		}
		return err
	}
	if prev != nil && prev.RoomID != link.RoomID {
		m.releaseRoom(prev.RoomID, token)
	}
	return nil
}

// AttachAIHandle records the external AI-realtime handle for an ongoing
// session and indexes it. Idempotent for the same handle.
func (m *Manager) AttachAIHandle(ctx context.Context, token, handle string) error {
	ls := m.lookupLive(token)
	if ls == nil {
		return fault.New(fault.KindNotFound, "no live session for token %s", token)
	}
	if handle != "" {
		if err := m.claimAIHandle(handle, token); err != nil {
			return err
		}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	prev := ls.sess.AIHandle
	now := time.Now()
	if err := ls.sess.AttachAIHandle(handle, now); err != nil {
		if prev != handle {
			m.releaseAIHandle(handle, token)
		}
		return err
	}
	if prev == handle {
		// Re-attach of the same handle, nothing to persist.
		return nil
	}
	if err := m.store.UpdateSession(ctx, UpdateSessionInput{
		SessionID: ls.sess.ID,
		AIHandle:  &handle,
		UpdatedAt: now,
	}); err != nil {
		ls.sess.AIHandle = prev
		m.releaseAIHandle(handle, token)
		return err
	}
	return nil
}

// RecordAudio stores the audio artifact. Legal in any state: the upload may
// land after the session ended and its live entry is gone.
func (m *Manager) RecordAudio(ctx context.Context, token, url string, durationSeconds int) error {
	now := time.Now()
	if ls := m.lookupLive(token); ls != nil {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		if err := ls.sess.RecordAudio(url, durationSeconds, now); err != nil {
			return err
		}
		return m.store.UpdateSession(ctx, UpdateSessionInput{
			SessionID:            ls.sess.ID,
			AudioURL:             &url,
			AudioDurationSeconds: &durationSeconds,
			UpdatedAt:            now,
		})
	}

	s, err := m.store.FindSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.RecordAudio(url, durationSeconds, now); err != nil {
		return err
	}
	return m.store.UpdateSession(ctx, UpdateSessionInput{
		SessionID:            s.ID,
		AudioURL:             &url,
		AudioDurationSeconds: &durationSeconds,
		UpdatedAt:            now,
	})
}

func (m *Manager) RecordRealtimeMetrics(ctx context.Context, token string, raw json.RawMessage) error {
	ls := m.lookupLive(token)
	if ls == nil {
		return fault.New(fault.KindNotFound, "no live session for token %s", token)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	now := time.Now()
	if err := ls.sess.RecordMetrics(raw, now); err != nil {
		return err
	}
	return m.store.UpdateSession(ctx, UpdateSessionInput{
		SessionID:       ls.sess.ID,
		RealtimeMetrics: raw,
		UpdatedAt:       now,
	})
}

// FindByToken resolves a session, preferring the live entry.
func (m *Manager) FindByToken(ctx context.Context, token string) (*Session, error) {
	if ls := m.lookupLive(token); ls != nil {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return ls.snapshot(), nil
	}
	return m.store.FindSessionByToken(ctx, token)
}

func (m *Manager) FindByRoom(ctx context.Context, roomID int64) (*Session, error) {
	m.mu.Lock()
	token, ok := m.tokenByRoom[roomID]
	m.mu.Unlock()
	if ok {
		return m.FindByToken(ctx, token)
	}
	return m.store.FindSessionByRoomID(ctx, roomID)
}

func (m *Manager) FindByAIHandle(ctx context.Context, handle string) (*Session, error) {
	m.mu.Lock()
	token, ok := m.tokenByAIHandle[handle]
	m.mu.Unlock()
	if ok {
		return m.FindByToken(ctx, token)
	}
	return m.store.FindSessionByAIHandle(ctx, handle)
}

// ListByUser returns the user's sessions newest-first, optionally filtered
// by status.
func (m *Manager) ListByUser(ctx context.Context, userID int64, status *Status, limit, offset int) ([]*Session, error) {
	return m.store.QuerySessions(ctx, SessionQuery{
		UserID: userID,
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
}

// ListByScenario returns a scenario's sessions newest-first, optionally
// filtered by status.
func (m *Manager) ListByScenario(ctx context.Context, scenarioID int64, status *Status, limit, offset int) ([]*Session, error) {
	return m.store.QuerySessions(ctx, SessionQuery{
		ScenarioID: scenarioID,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
}

func (m *Manager) CompletedCount(ctx context.Context, userID int64) (int64, error) {
	return m.store.CountSessions(ctx, userID, StatusCompleted)
}

func (m *Manager) AverageCompletedDurationSeconds(ctx context.Context, userID int64) (*float64, error) {
	return m.store.AverageCompletedDurationSeconds(ctx, userID)
}

// Transcript returns the live ledger for a session.
func (m *Manager) Transcript(token string) (*Ledger, error) {
	ls := m.lookupLive(token)
	if ls == nil {
		return nil, fault.New(fault.KindNotFound, "no live session for token %s", token)
	}
	return ls.ledger, nil
}

// Release drops the live entry and its index slots. Called once the
// signaling channel is torn down and nothing realtime references the
// session anymore; the durable record remains.
func (m *Manager) Release(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[token]; !ok {
		return
	}
	delete(m.byToken, token)
	for room, t := range m.tokenByRoom {
		if t == token {
			delete(m.tokenByRoom, room)
		}
	}
	for handle, t := range m.tokenByAIHandle {
		if t == token {
			delete(m.tokenByAIHandle, handle)
		}
	}
	slog.Info("session released", "session_token", token)
}

func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

func (m *Manager) lookupLive(token string) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byToken[token]
}

func (m *Manager) claimRoom(roomID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokenByRoom[roomID]; ok && t != token {
		return fault.New(fault.KindConflict,
			"media room %d is already bound to another live session", roomID)
	}
	m.tokenByRoom[roomID] = token
	return nil
}

func (m *Manager) releaseRoom(roomID int64, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenByRoom[roomID] == token {
		delete(m.tokenByRoom, roomID)
	}
}

func (m *Manager) claimAIHandle(handle, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokenByAIHandle[handle]; ok && t != token {
		return fault.New(fault.KindConflict,
			"ai handle %s is already bound to another live session", handle)
	}
	m.tokenByAIHandle[handle] = token
	return nil
}

func (m *Manager) releaseAIHandle(handle, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenByAIHandle[handle] == token {
		delete(m.tokenByAIHandle, handle)
	}
}
