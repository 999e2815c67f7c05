package session

import (
	"iter"
	"sort"
	"sync"
	"time"
	"unicode"

	"github.com/aidtrain/train-backend/internal/fault"
)

type Speaker string

const (
	SpeakerUser Speaker = "USER"
	SpeakerAI   Speaker = "AI"
)

func (s Speaker) Valid() bool {
	switch s {
	case SpeakerUser, SpeakerAI:
		return true
	default:
		return false
	}
}

// Utterance is one attributed unit of speech within a session. Offsets are
// milliseconds relative to the session's audio stream; either both or
// neither are meaningful for duration-derived values. Entries are immutable
// once appended to a ledger.
type Utterance struct {
	ID         int64
	SessionID  int64
	Speaker    Speaker
	Content    string
	Timestamp  time.Time
	StartMs    *int64
	EndMs      *int64
	Confidence *float32
	CreatedAt  time.Time
}

// DurationMs reports end-start, or false when either offset is missing.
func (u *Utterance) DurationMs() (int64, bool) {
	if u.StartMs == nil || u.EndMs == nil {
		return 0, false
	}
	return *u.EndMs - *u.StartMs, true
}

func (u *Utterance) DurationSeconds() (float64, bool) {
	ms, ok := u.DurationMs()
	if !ok {
		return 0, false
	}
	return float64(ms) / 1000.0, true
}

// SpeechRate is non-whitespace characters per minute. Undefined when the
// duration is unavailable or not positive.
func (u *Utterance) SpeechRate() (float64, bool) {
	secs, ok := u.DurationSeconds()
	if !ok || secs <= 0 {
		return 0, false
	}
	return float64(contentLength(u.Content)) / secs * 60, true
}

func contentLength(content string) int {
	n := 0
	for _, r := range content {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Ledger is the append-only utterance history of one session. It preserves
// arrival order and does not re-sort; non-decreasing timestamps are a caller
// contract. The internal lock only makes queries safe while the owning
// manager serializes appends.
type Ledger struct {
	sessionID int64

	mu      sync.RWMutex
	entries []*Utterance
}

func NewLedger(sessionID int64) *Ledger {
	return &Ledger{sessionID: sessionID}
}

func (l *Ledger) SessionID() int64 { return l.sessionID }

// Append inserts the utterance at the tail. An utterance belonging to a
// different session is a caller bug.
func (l *Ledger) Append(u *Utterance) error {
	if u.SessionID != l.sessionID {
		return fault.New(fault.KindInvalidArgument,
			"utterance belongs to session %d, ledger owns session %d", u.SessionID, l.sessionID)
	}
	l.mu.Lock()
	l.entries = append(l.entries, u)
	l.mu.Unlock()
	return nil
}

// ByOrder yields utterances in append order. The sequence is restartable;
// it iterates over a snapshot taken when first pulled.
func (l *Ledger) ByOrder() iter.Seq[*Utterance] {
	return func(yield func(*Utterance) bool) {
		for _, u := range l.snapshot() {
			if !yield(u) {
				return
			}
		}
	}
}

// BySpeaker yields only the given speaker's utterances, order preserved.
func (l *Ledger) BySpeaker(speaker Speaker) iter.Seq[*Utterance] {
	return func(yield func(*Utterance) bool) {
		for _, u := range l.snapshot() {
			if u.Speaker != speaker {
				continue
			}
			if !yield(u) {
				return
			}
		}
	}
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) CountBySpeaker(speaker Speaker) int {
	n := 0
	for range l.BySpeaker(speaker) {
		n++
	}
	return n
}

// AverageContentLength is the mean non-whitespace character count of the
// speaker's utterances. The second return is false when the speaker has no
// utterances; an empty set is absence of data, not zero.
func (l *Ledger) AverageContentLength(speaker Speaker) (float64, bool) {
	total, count := 0, 0
	for u := range l.BySpeaker(speaker) {
		total += contentLength(u.Content)
		count++
	}
	if count == 0 {
		return 0, false
	}
	return float64(total) / float64(count), true
}

// LowConfidence returns utterances scored strictly below threshold, lowest
// score first rather than arrival order. Unscored utterances are excluded.
func (l *Ledger) LowConfidence(threshold float32) []*Utterance {
	var out []*Utterance
	for u := range l.ByOrder() {
		if u.Confidence != nil && *u.Confidence < threshold {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].Confidence < *out[j].Confidence
	})
	return out
}

// TotalSpeakingTimeMs sums end-start over utterances carrying both offsets.
// Entries missing either offset are left out of the sum entirely.
func (l *Ledger) TotalSpeakingTimeMs() int64 {
	var total int64
	for u := range l.ByOrder() {
		if ms, ok := u.DurationMs(); ok {
			total += ms
		}
	}
	return total
}

func (l *Ledger) snapshot() []*Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Utterance, len(l.entries))
	copy(out, l.entries)
	return out
}
