package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/fault"
	"github.com/aidtrain/train-backend/internal/session"
	"github.com/aidtrain/train-backend/internal/signaling"
	"github.com/aidtrain/train-backend/internal/transcriber"
)

const writeTimeout = 5 * time.Second

// SessionDirectory is the slice of the session manager the transport needs.
type SessionDirectory interface {
	FindByToken(ctx context.Context, token string) (*session.Session, error)
	AppendUtterance(ctx context.Context, token string, in session.UtteranceInput) (*session.Utterance, error)
	Release(token string)
}

// Server upgrades HTTP requests at {SignalingPath}/{token} to WebSocket
// channels and feeds the transport events into the registry. Binary frames
// carry the client's PCM audio and are forwarded to speech recognition;
// text frames go through the signaling relay.
type Server struct {
	cfg         *config.Config
	registry    *signaling.Registry
	sessions    SessionDirectory
	transcriber transcriber.Transcriber
	upgrader    websocket.Upgrader
}

func NewServer(cfg *config.Config, registry *signaling.Registry, sessions SessionDirectory, stt transcriber.Transcriber) *Server {
	return &Server{
		cfg:         cfg,
		registry:    registry,
		sessions:    sessions,
		transcriber: stt,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, ok := s.tokenFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "missing session token", http.StatusNotFound)
		return
	}
	if _, err := s.sessions.FindByToken(r.Context(), token); err != nil {
		slog.Warn("rejecting signaling connect", "error", err, "session_token", token)
		http.Error(w, "unknown session", fault.KindOf(err).HTTPStatus())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := &wsTransport{conn: conn}
	s.registry.Connect(token, t)

	writer := s.startRecognition(token)
	s.readLoop(token, t, conn, writer)
}

func (s *Server) tokenFromPath(path string) (string, bool) {
	token := strings.TrimPrefix(path, s.cfg.SignalingPath+"/")
	if token == path || token == "" || strings.Contains(token, "/") {
		return "", false
	}
	return token, true
}

// startRecognition opens the speech stream for this channel. Recognition is
// best-effort: the signaling channel stays useful without it.
func (s *Server) startRecognition(token string) transcriber.StreamWriter {
	if s.transcriber == nil {
		return nil
	}
	receiver := &utteranceReceiver{sessions: s.sessions, token: token}
	writer, err := s.transcriber.StartStreaming(context.Background(), token, s.cfg.DefaultTranscribeLanguage, receiver)
	if err != nil {
		slog.Error("failed to start recognition stream", "error", err, "session_token", token)
		return nil
	}
	return writer
}

func (s *Server) readLoop(token string, t *wsTransport, conn *websocket.Conn, writer transcriber.StreamWriter) {
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
		// A transport drop does not fail the session: the client may be
		// reconnecting. The live entry is only released once the session
		// has reached a terminal state.
		if sess, err := s.sessions.FindByToken(context.Background(), token); err == nil && sess.Status.Terminal() {
			s.sessions.Release(token)
		}
	}()

	idle := time.Duration(s.cfg.SignalingIdleTimeoutSec) * time.Second
	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				s.registry.Disconnect(token, t)
			} else {
				s.registry.FailTransport(token, t, err)
			}
			return
		}
		resetDeadline()

		switch messageType {
		case websocket.TextMessage:
			s.registry.Relay(token, string(data))
		case websocket.BinaryMessage:
			if writer == nil {
				continue
			}
			if err := writer.Write(data); err != nil {
				slog.Warn("failed to forward audio frame", "error", err, "session_token", token)
			}
		}
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Idle deadline expired; treat as an implicit close.
		return true
	}
	return false
}

// wsTransport adapts a gorilla connection to the registry's Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// utteranceReceiver turns final recognition results into USER utterances on
// the session transcript.
type utteranceReceiver struct {
	sessions SessionDirectory
	token    string
}

func (r *utteranceReceiver) OnResult(result transcriber.Result) {
	if !result.Final || strings.TrimSpace(result.Text) == "" {
		return
	}
	_, err := r.sessions.AppendUtterance(context.Background(), r.token, session.UtteranceInput{
		Speaker:    session.SpeakerUser,
		Content:    result.Text,
		Timestamp:  time.Now(),
		StartMs:    result.StartMs,
		EndMs:      result.EndMs,
		Confidence: result.Confidence,
	})
	if err != nil {
		slog.Error("failed to append recognized utterance", "error", err, "session_token", r.token)
	}
}

func (r *utteranceReceiver) OnError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	slog.Error("recognition stream error", "error", err, "session_token", r.token)
}
