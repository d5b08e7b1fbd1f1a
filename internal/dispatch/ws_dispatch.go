package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// PushMessage is the frame written to agent sessions. It carries the same data
// map an FCM data message would.
type PushMessage struct {
	Data map[string]string `json:"data"`
}

// Conn is the part of *websocket.Conn a session writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession represents a connected agent.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg PushMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds agent sessions keyed by push token. A newer session for the
// same token replaces the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logging.Component(logger, "ws")}
}

func (r *WSRegistry) Add(token string, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[token]
	r.sessions[token] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else {
		observability.WSSessions.Inc()
	}
	return s
}

// Remove drops the session for token if it is still s.
func (r *WSRegistry) Remove(token string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[token]; ok && cur == s {
		delete(r.sessions, token)
		observability.WSSessions.Dec()
	}
}

func (r *WSRegistry) Has(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[token]
	return ok
}

func (r *WSRegistry) Send(token string, data map[string]string) error {
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(PushMessage{Data: data}); err != nil {
		r.logger.Warn("ws send error", "error", err)
		r.Remove(token, s)
		return err
	}
	return nil
}

// SendMulticast writes to every connected token. Tokens without a session
// count as failures with ErrNoSession.
func (r *WSRegistry) SendMulticast(_ context.Context, tokens []string, data map[string]string) (BatchResult, error) {
	var res BatchResult
	for _, t := range tokens {
		if err := r.Send(t, data); err != nil {
			res.FailureCount++
			res.Failures = append(res.Failures, Failure{Token: t, Err: err})
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

// Serve registers conn under token and blocks reading until the peer goes
// away. Inbound frames are ignored apart from keeping the connection alive.
func (r *WSRegistry) Serve(token string, conn *websocket.Conn) {
	s := r.Add(token, conn)
	defer func() {
		r.Remove(token, s)
		_ = conn.Close()
	}()

	const pongWait = 60 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Agents ping on their own schedule; either direction keeps the session.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("ws read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
