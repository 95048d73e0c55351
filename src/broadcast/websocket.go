// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"forensicworker/src/logging"
	"forensicworker/src/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var errSessionClosed = errors.New("session closed")

// clientMessage is what a live client may send.
type clientMessage struct {
	Type    string `json:"type"` // subscribe | unsubscribe | ping
	TaskID  string `json:"task_id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// WSSession adapts a websocket connection to Session.
type WSSession struct {
	id      string
	userID  string
	channel string
	conn    *websocket.Conn
	subs    Subscriptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSession labels the session with the channel it connected on. The
// label does not filter; a fresh session receives all of its user's events
// until it subscribes.
func NewWSSession(conn *websocket.Conn, id, userID, channel string) *WSSession {
	return &WSSession{id: id, userID: userID, channel: channel, conn: conn, done: make(chan struct{})}
}

func (s *WSSession) ID() string                { return s.id }
func (s *WSSession) Channel() string           { return s.channel }
func (s *WSSession) UserID() string            { return s.userID }
func (s *WSSession) Wants(ev model.Event) bool { return s.subs.Wants(ev) }

func (s *WSSession) Send(ev model.Event) error {
	return s.write(func() error { return s.conn.WriteJSON(ev) })
}

func (s *WSSession) write(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fn()
}

func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		close(s.done)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// serve runs the keep-alive and read loops until the connection ends.
func (s *WSSession) serve() {
	go s.pingLoop()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(msg)
	}
}

func (s *WSSession) handle(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.TaskID != "" {
			s.subs.SubscribeTask(msg.TaskID)
		}
		if msg.Channel != "" {
			s.subs.SubscribeChannel(msg.Channel)
		}
	case "unsubscribe":
		if msg.TaskID != "" {
			s.subs.UnsubscribeTask(msg.TaskID)
		}
		if msg.Channel != "" {
			s.subs.UnsubscribeChannel(msg.Channel)
		}
	case "ping":
		_ = s.write(func() error { return s.conn.WriteJSON(map[string]string{"type": "pong"}) })
	default:
		logging.Log(fmt.Sprintf("Session %s sent unknown message type %q", s.id, msg.Type), slog.LevelDebug)
	}
}

func (s *WSSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.write(func() error {
				return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			})
			if err != nil {
				return
			}
		}
	}
}

// Authenticator resolves a bearer token to a user id.
type Authenticator func(token string) (string, error)

// Handler upgrades live-session requests and attaches them to a Broadcaster.
type Handler struct {
	Broadcaster  *Broadcaster
	Authenticate Authenticator
	upgrader     websocket.Upgrader
}

func NewHandler(b *Broadcaster, auth Authenticator) *Handler {
	return &Handler{
		Broadcaster:  b,
		Authenticate: auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP expects ?token=…&session_id=… and the channel as the last path
// element. Authentication failures close the socket with 1008.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log(fmt.Sprintf("ws upgrade failed: %v", err), slog.LevelWarn)
		return
	}

	userID, err := h.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s := NewWSSession(conn, sessionID, userID, channel)
	h.Broadcaster.Connect(s)
	logging.Log(fmt.Sprintf("Session %s attached on channel %q", sessionID, channel), slog.LevelDebug)
	defer func() {
		h.Broadcaster.Disconnect(s)
		_ = s.Close()
	}()
	s.serve()
}
