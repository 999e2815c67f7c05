package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/export"
	"github.com/aidtrain/train-backend/internal/fault"
)

type mockStore struct {
	mu            sync.Mutex
	nextSessionID int64
	nextEntryID   int64
	users         map[int64]*User
	scenarios     map[int64]*Scenario
	sessions      map[int64]*Session
	utterances    []*Utterance

	updateErr    error
	endNoRows    bool
	endEntered   chan struct{}
	endRelease   chan struct{}
	endCallCount int
	updateInputs []UpdateSessionInput
}

func newMockStore() *mockStore {
	return &mockStore{
		users:     map[int64]*User{1: {ID: 1, Email: "trainee@example.com", Nickname: "trainee"}},
		scenarios: map[int64]*Scenario{1: {ID: 1, Title: "cold call"}},
		sessions:  make(map[int64]*Session),
	}
}

func (m *mockStore) FindUser(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "user %d not found", id)
	}
	return u, nil
}

func (m *mockStore) FindScenario(_ context.Context, id int64) (*Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenarios[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "scenario %d not found", id)
	}
	return s, nil
}

func (m *mockStore) CreateSession(_ context.Context, s *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSessionID++
	c := *s
	c.ID = m.nextSessionID
	m.sessions[c.ID] = &c
	out := c
	return &out, nil
}

func (m *mockStore) EndSession(_ context.Context, input EndSessionInput) (bool, error) {
	if m.endEntered != nil {
		m.endEntered <- struct{}{}
	}
	if m.endRelease != nil {
		<-m.endRelease
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCallCount++
	if m.endNoRows {
		return false, nil
	}
	s, ok := m.sessions[input.SessionID]
	if !ok || !s.Status.Ongoing() {
		return false, nil
	}
	s.Status = input.Status
	ended := input.EndedAt
	s.EndedAt = &ended
	return true, nil
}

func (m *mockStore) UpdateSession(_ context.Context, input UpdateSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updateInputs = append(m.updateInputs, input)
	s, ok := m.sessions[input.SessionID]
	if !ok {
		return fault.New(fault.KindNotFound, "session %d not found", input.SessionID)
	}
	if input.Media != nil {
		link := *input.Media
		s.Media = &link
	}
	if input.AIHandle != nil {
		s.AIHandle = *input.AIHandle
	}
	if input.AudioURL != nil {
		s.AudioURL = *input.AudioURL
	}
	if input.AudioDurationSeconds != nil {
		s.AudioDurationSeconds = *input.AudioDurationSeconds
	}
	return nil
}

func (m *mockStore) FindSessionByToken(_ context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Token == token {
			c := *s
			return &c, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "session with token %s not found", token)
}

func (m *mockStore) FindSessionByRoomID(_ context.Context, roomID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Media != nil && s.Media.RoomID == roomID && s.Status.Ongoing() {
			c := *s
			return &c, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "no live session for room %d", roomID)
}

func (m *mockStore) FindSessionByAIHandle(_ context.Context, handle string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AIHandle == handle {
			c := *s
			return &c, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "no session for ai handle %s", handle)
}

func (m *mockStore) QuerySessions(_ context.Context, q SessionQuery) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if q.UserID != 0 && s.UserID != q.UserID {
			continue
		}
		if q.ScenarioID != 0 && s.ScenarioID != q.ScenarioID {
			continue
		}
		if q.Status != nil && s.Status != *q.Status {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockStore) CountSessions(_ context.Context, userID int64, status Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) AverageCompletedDurationSeconds(_ context.Context, userID int64) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, count := 0.0, 0
	for _, s := range m.sessions {
		if s.UserID != userID || s.Status != StatusCompleted {
			continue
		}
		if secs, ok := s.DurationSeconds(); ok {
			total += secs
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}
	avg := total / float64(count)
	return &avg, nil
}

func (m *mockStore) InsertUtterance(_ context.Context, u *Utterance) (*Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEntryID++
	c := *u
	c.ID = m.nextEntryID
	c.CreatedAt = time.Now()
	m.utterances = append(m.utterances, &c)
	out := c
	return &out, nil
}

func (m *mockStore) ListUtterances(_ context.Context, sessionID int64) ([]*Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Utterance
	for _, u := range m.utterances {
		if u.SessionID == sessionID {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

type mockExporter struct {
	mu       sync.Mutex
	payloads []export.TranscriptPayload
}

func (m *mockExporter) SendTranscript(_ context.Context, payload export.TranscriptPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockExporter) sent() []export.TranscriptPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]export.TranscriptPayload(nil), m.payloads...)
}

func newTestManager(store Store, exporter export.Sender) *Manager {
	return NewManager(&config.Config{MaxSessionDurationMin: 120}, store, exporter)
}

func TestStartCreatesOngoingSessionWithFreshToken(t *testing.T) {
	m := newTestManager(newMockStore(), nil)

	first, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusOngoing {
		t.Errorf("got status %s, want %s", first.Status, StatusOngoing)
	}
	if first.Token == "" {
		t.Error("started session has no token")
	}

	second, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Token == first.Token {
		t.Errorf("token %q was reused across sessions", first.Token)
	}
	if m.LiveCount() != 2 {
		t.Errorf("got %d live sessions, want 2", m.LiveCount())
	}
}

func TestStartRejectsUnknownReferences(t *testing.T) {
	m := newTestManager(newMockStore(), nil)

	if _, err := m.Start(context.Background(), 99, 1); !fault.IsNotFound(err) {
		t.Errorf("unknown user: got %v, want not-found", err)
	}
	if _, err := m.Start(context.Background(), 1, 99); !fault.IsNotFound(err) {
		t.Errorf("unknown scenario: got %v, want not-found", err)
	}
	if m.LiveCount() != 0 {
		t.Errorf("failed start left %d live sessions", m.LiveCount())
	}
}

func TestCompleteThenFailIsInvalidState(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done, err := m.Complete(context.Background(), s.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted || done.EndedAt == nil {
		t.Errorf("got (%s, %v), want (COMPLETED, non-nil EndedAt)", done.Status, done.EndedAt)
	}

	if _, err := m.Fail(context.Background(), s.Token); !fault.IsInvalidState(err) {
		t.Errorf("got %v, want invalid-state", err)
	}
}

func TestConcurrentTerminationHasOneWinner(t *testing.T) {
	store := newMockStore()
	store.endEntered = make(chan struct{}, 2)
	store.endRelease = make(chan struct{})
	m := newTestManager(store, nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results := make(chan error, 2)
	go func() {
		_, err := m.Complete(context.Background(), s.Token)
		results <- err
	}()
	go func() {
		_, err := m.Fail(context.Background(), s.Token)
		results <- err
	}()

	// First writer is parked inside the store holding the session lock; give
	// the second long enough to pass the terminal pre-check and queue on the
	// lock, then let the store proceed.
	<-store.endEntered
	time.Sleep(50 * time.Millisecond)
	close(store.endRelease)

	errA, errB := <-results, <-results
	winners, conflicts := 0, 0
	for _, err := range []error{errA, errB} {
		switch {
		case err == nil:
			winners++
		case fault.IsConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 || conflicts != 1 {
		t.Errorf("got %d winners and %d conflicts, want 1 and 1", winners, conflicts)
	}
	if store.endCallCount != 1 {
		t.Errorf("store saw %d terminal updates, want 1", store.endCallCount)
	}
}

func TestEndWithoutRowUpdateIsConflict(t *testing.T) {
	store := newMockStore()
	store.endNoRows = true
	m := newTestManager(store, nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.Complete(context.Background(), s.Token); !fault.IsConflict(err) {
		t.Errorf("got %v, want conflict", err)
	}
}

func TestEndFallsBackToStoreForReleasedSession(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Release(s.Token)

	done, err := m.Complete(context.Background(), s.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("got status %s, want %s", done.Status, StatusCompleted)
	}

	if _, err := m.Complete(context.Background(), s.Token); !fault.IsInvalidState(err) {
		t.Errorf("second stored complete: got %v, want invalid-state", err)
	}
}

func TestAppendUtteranceValidatesInput(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []UtteranceInput{
		{Speaker: Speaker("NARRATOR"), Content: "hi"},
		{Speaker: SpeakerUser, Content: ""},
		{Speaker: SpeakerUser, Content: "hi", StartMs: i64(2000), EndMs: i64(1000)},
		{Speaker: SpeakerUser, Content: "hi", Confidence: f32(1.5)},
		{Speaker: SpeakerUser, Content: "hi", Confidence: f32(-0.1)},
	}
	for _, in := range cases {
		if _, err := m.AppendUtterance(context.Background(), s.Token, in); !fault.IsInvalidArgument(err) {
			t.Errorf("input %+v: got %v, want invalid-argument", in, err)
		}
	}
}

func TestAppendUtteranceLandsInLedgerAndStore(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, err := m.AppendUtterance(context.Background(), s.Token, UtteranceInput{
		Speaker: SpeakerUser, Content: "hello there", Confidence: f32(0.9),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID == 0 {
		t.Error("appended utterance has no id")
	}

	ledger, err := m.Transcript(s.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.Count() != 1 {
		t.Errorf("got ledger count %d, want 1", ledger.Count())
	}
	if len(store.utterances) != 1 {
		t.Errorf("got %d persisted utterances, want 1", len(store.utterances))
	}
}

func TestAppendUtteranceUnknownTokenIsNotFound(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	_, err := m.AppendUtterance(context.Background(), "nope", UtteranceInput{
		Speaker: SpeakerUser, Content: "hi",
	})
	if !fault.IsNotFound(err) {
		t.Errorf("got %v, want not-found", err)
	}
}

func TestAttachMediaClaimsRoomExclusively(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	a, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	link := MediaLink{RoomID: 100, UserFeedID: 200, BotFeedID: 300}
	if err := m.AttachMedia(context.Background(), a.Token, link); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachMedia(context.Background(), b.Token, link); !fault.IsConflict(err) {
		t.Errorf("second claim of room 100: got %v, want conflict", err)
	}

	found, err := m.FindByRoom(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.Token != a.Token {
		t.Errorf("room 100 resolved to %q, want %q", found.Token, a.Token)
	}
}

func TestAttachMediaRollsBackOnPersistFailure(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, nil)
	a, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	store.updateErr = fault.New(fault.KindUpstreamUnavailable, "store down")
	store.mu.Unlock()

	link := MediaLink{RoomID: 100, UserFeedID: 200, BotFeedID: 300}
	if err := m.AttachMedia(context.Background(), a.Token, link); !fault.IsUpstream(err) {
		t.Fatalf("got %v, want upstream-unavailable", err)
	}

	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()

	// The failed attach must not leave the room claimed or the link set.
	if err := m.AttachMedia(context.Background(), b.Token, link); err != nil {
		t.Errorf("room stayed claimed after rollback: %v", err)
	}
	got, err := m.FindByToken(context.Background(), a.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Media != nil {
		t.Errorf("rolled-back session still carries media %+v", got.Media)
	}
}

func TestAttachMediaReattachReleasesOldRoom(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	a, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AttachMedia(context.Background(), a.Token, MediaLink{RoomID: 100, UserFeedID: 200, BotFeedID: 300}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachMedia(context.Background(), a.Token, MediaLink{RoomID: 200, UserFeedID: 201, BotFeedID: 301}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The move to room 200 must free room 100 for other live sessions.
	if err := m.AttachMedia(context.Background(), b.Token, MediaLink{RoomID: 100, UserFeedID: 202, BotFeedID: 302}); err != nil {
		t.Errorf("old room stayed claimed after re-attach: %v", err)
	}

	byOld, err := m.FindByRoom(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byOld.Token != b.Token {
		t.Errorf("room 100 resolved to %q, want %q", byOld.Token, b.Token)
	}
	byNew, err := m.FindByRoom(context.Background(), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byNew.Token != a.Token {
		t.Errorf("room 200 resolved to %q, want %q", byNew.Token, a.Token)
	}
}

func TestAttachMediaSameRoomRollbackKeepsClaim(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, nil)
	a, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AttachMedia(context.Background(), a.Token, MediaLink{RoomID: 100, UserFeedID: 200, BotFeedID: 300}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	store.updateErr = fault.New(fault.KindUpstreamUnavailable, "store down")
	store.mu.Unlock()

	// A failed feed-id update within the same room must not drop the claim.
	if err := m.AttachMedia(context.Background(), a.Token, MediaLink{RoomID: 100, UserFeedID: 999, BotFeedID: 998}); !fault.IsUpstream(err) {
		t.Fatalf("got %v, want upstream-unavailable", err)
	}

	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()

	if err := m.AttachMedia(context.Background(), b.Token, MediaLink{RoomID: 100, UserFeedID: 202, BotFeedID: 302}); !fault.IsConflict(err) {
		t.Errorf("got %v, want conflict for a room still held by the first session", err)
	}
}

func TestAttachAIHandleIndexesAndStaysIdempotent(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AttachAIHandle(context.Background(), s.Token, "rt-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachAIHandle(context.Background(), s.Token, "rt-1"); err != nil {
		t.Errorf("re-attach: got %v, want nil", err)
	}
	if err := m.AttachAIHandle(context.Background(), s.Token, "rt-2"); !fault.IsInvalidState(err) {
		t.Errorf("different handle: got %v, want invalid-state", err)
	}

	found, err := m.FindByAIHandle(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.Token != s.Token {
		t.Errorf("handle resolved to %q, want %q", found.Token, s.Token)
	}
}

func TestCompleteExportsTranscript(t *testing.T) {
	exporter := &mockExporter{}
	m := newTestManager(newMockStore(), exporter)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inputs := []UtteranceInput{
		{Speaker: SpeakerUser, Content: "hello", StartMs: i64(0), EndMs: i64(1500)},
		{Speaker: SpeakerAI, Content: "hi, how can I help", StartMs: i64(2000), EndMs: i64(4000)},
	}
	for _, in := range inputs {
		if _, err := m.AppendUtterance(context.Background(), s.Token, in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := m.Complete(context.Background(), s.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(exporter.sent()) == 1 },
		"transcript export was not delivered")
	payload := exporter.sent()[0]
	if payload.SessionToken != s.Token {
		t.Errorf("got token %q, want %q", payload.SessionToken, s.Token)
	}
	if payload.Status != string(StatusCompleted) {
		t.Errorf("got status %q, want %q", payload.Status, StatusCompleted)
	}
	if payload.UtteranceCount != 2 || payload.UserUtteranceCount != 1 || payload.AIUtteranceCount != 1 {
		t.Errorf("got counts (%d, %d, %d), want (2, 1, 1)",
			payload.UtteranceCount, payload.UserUtteranceCount, payload.AIUtteranceCount)
	}
	if payload.TotalSpeakingTimeMs != 3500 {
		t.Errorf("got speaking time %d, want 3500", payload.TotalSpeakingTimeMs)
	}
}

func TestReleaseDropsLiveEntryAndIndexes(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	s, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachMedia(context.Background(), s.Token, MediaLink{RoomID: 100, UserFeedID: 200, BotFeedID: 300}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachAIHandle(context.Background(), s.Token, "rt-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Release(s.Token)
	if m.LiveCount() != 0 {
		t.Errorf("got %d live sessions, want 0", m.LiveCount())
	}
	if _, err := m.Transcript(s.Token); !fault.IsNotFound(err) {
		t.Errorf("live ledger after release: got %v, want not-found", err)
	}

	// A fresh session can claim the room again.
	next, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AttachMedia(context.Background(), next.Token, MediaLink{RoomID: 100, UserFeedID: 201, BotFeedID: 301}); err != nil {
		t.Errorf("room stayed claimed after release: %v", err)
	}
}

func TestListByUserFiltersByStatus(t *testing.T) {
	m := newTestManager(newMockStore(), nil)
	a, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Start(context.Background(), 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Complete(context.Background(), a.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := StatusCompleted
	completed, err := m.ListByUser(context.Background(), 1, &status, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("got %d completed sessions, want 1", len(completed))
	}

	count, err := m.CompletedCount(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("got completed count %d, want 1", count)
	}
}

func TestListByScenarioFiltersByScenario(t *testing.T) {
	store := newMockStore()
	store.scenarios[2] = &Scenario{ID: 2, Title: "complaint handling"}
	m := newTestManager(store, nil)

	first, err := m.Start(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Start(context.Background(), 1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions, err := m.ListByScenario(context.Background(), 1, nil, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions for scenario 1, want 1", len(sessions))
	}
	if sessions[0].Token != first.Token {
		t.Errorf("got token %q, want %q", sessions[0].Token, first.Token)
	}

	status := StatusCompleted
	completed, err := m.ListByScenario(context.Background(), 1, &status, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("got %d completed sessions, want 0", len(completed))
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
