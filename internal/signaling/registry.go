// Package signaling maps external session tokens to live transport
// connections and relays bootstrap messages for the media session.
package signaling

import (
	"log/slog"
	"sync"
	"time"
)

// Transport is one open bidirectional connection. Implementations must
// tolerate Close being called more than once.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

const (
	MessageTypeConnected = "connected"
	MessageTypeEcho      = "echo"
)

// Message is the wire shape for registry-originated frames. Every outbound
// frame is tagged with the session token it belongs to.
type Message struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_token"`
	Payload      string `json:"payload,omitempty"`
}

type channel struct {
	token       string
	transport   Transport
	connectedAt time.Time

	// writeMu serializes outbound frames for this token.
	writeMu sync.Mutex
}

func (c *channel) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(msg)
}

// Registry owns every open signaling channel, keyed by session token. At
// most one channel is registered per token; a second connect for the same
// token replaces the first (reconnect, not a fork).
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel)}
}

// Connect registers the transport for token, replacing any previous
// registration, and acknowledges the connection. The replaced transport is
// not closed here; its own close/error callback retires it, which keeps
// registry state and transport teardown from needing a shared lock order.
func (r *Registry) Connect(token string, t Transport) {
	ch := &channel{token: token, transport: t, connectedAt: time.Now()}

	r.mu.Lock()
	_, replaced := r.channels[token]
	r.channels[token] = ch
	r.mu.Unlock()

	slog.Info("signaling channel connected", "session_token", token, "replaced", replaced)
	if err := ch.send(Message{Type: MessageTypeConnected, SessionToken: token}); err != nil {
		slog.Warn("failed to send connect ack", "error", err, "session_token", token)
	}
}

// Relay answers one inbound payload with one tagged echo frame. A missing
// channel means the transport already went away; the message is dropped with
// a warning and the caller is not failed.
func (r *Registry) Relay(token, payload string) bool {
	r.mu.Lock()
	ch := r.channels[token]
	r.mu.Unlock()

	if ch == nil {
		slog.Warn("dropping signaling message, no live channel", "session_token", token)
		return false
	}
	if err := ch.send(Message{Type: MessageTypeEcho, SessionToken: token, Payload: payload}); err != nil {
		slog.Warn("failed to relay signaling message", "error", err, "session_token", token)
		return false
	}
	return true
}

// Disconnect removes the registration for token, but only when the stored
// transport is the one that closed. A late close event from a transport that
// was already replaced by a reconnect must not evict the newer registration.
func (r *Registry) Disconnect(token string, t Transport) {
	r.mu.Lock()
	ch := r.channels[token]
	removed := ch != nil && ch.transport == t
	if removed {
		delete(r.channels, token)
	}
	r.mu.Unlock()

	if removed {
		slog.Info("signaling channel closed", "session_token", token)
	} else {
		slog.Info("ignoring stale signaling close", "session_token", token)
	}
}

// FailTransport handles a transport error with the same identity-guarded
// removal as Disconnect.
func (r *Registry) FailTransport(token string, t Transport, cause error) {
	slog.Error("signaling transport error", "error", cause, "session_token", token)
	r.Disconnect(token, t)
}

// ForceClose tears down whatever channel is registered for token, closing
// its transport. Used by idle reaping and shutdown paths.
func (r *Registry) ForceClose(token string) {
	r.mu.Lock()
	ch := r.channels[token]
	delete(r.channels, token)
	r.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.transport.Close(); err != nil {
		slog.Warn("failed to close signaling transport", "error", err, "session_token", token)
	}
	slog.Info("signaling channel force-closed", "session_token", token)
}

// CloseAll force-closes every open channel. Shutdown only.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]*channel)
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.transport.Close()
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// ConnectedAt reports when the current channel for token was established.
func (r *Registry) ConnectedAt(token string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[token]
	if !ok {
		return time.Time{}, false
	}
	return ch.connectedAt, true
}
