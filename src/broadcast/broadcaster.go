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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forensicworker/src/logging"
	"forensicworker/src/model"
)

// AllChannel subscribes a session to every analysis type.
const AllChannel = "analysis"

// Session is one live connection of a user.
type Session interface {
	ID() string
	UserID() string
	// Wants reports whether the session's subscriptions cover ev.
	Wants(ev model.Event) bool
	Send(ev model.Event) error
	Close() error
}

// Broadcaster fans task events out to the sessions of the owning user.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session // user -> session id -> session
}

func New() *Broadcaster {
	return &Broadcaster{sessions: map[string]map[string]Session{}}
}

// Connect registers s. A previous session with the same id is closed.
func (b *Broadcaster) Connect(s Session) {
	b.mu.Lock()
	userSessions := b.sessions[s.UserID()]
	if userSessions == nil {
		userSessions = map[string]Session{}
		b.sessions[s.UserID()] = userSessions
	}
	old := userSessions[s.ID()]
	userSessions[s.ID()] = s
	b.mu.Unlock()

	if old != nil && old != s {
		_ = old.Close()
	}
	logging.Log(fmt.Sprintf("Session %s connected for user %s", s.ID(), s.UserID()), slog.LevelInfo)
}

// Disconnect removes s. Calling it for an unknown or already removed
// session is a no-op.
func (b *Broadcaster) Disconnect(s Session) {
	if b.remove(s) {
		logging.Log(fmt.Sprintf("Session %s disconnected for user %s", s.ID(), s.UserID()), slog.LevelInfo)
	}
}

func (b *Broadcaster) remove(s Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	userSessions := b.sessions[s.UserID()]
	if current, ok := userSessions[s.ID()]; !ok || current != s {
		return false
	}
	delete(userSessions, s.ID())
	if len(userSessions) == 0 {
		delete(b.sessions, s.UserID())
	}
	return true
}

// Notify delivers ev to every interested session of userID. A session whose
// send fails is dropped and closed; the others still receive the event.
func (b *Broadcaster) Notify(userID string, ev model.Event) {
	b.mu.RLock()
	targets := make([]Session, 0, len(b.sessions[userID]))
	for _, s := range b.sessions[userID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	ev.Timestamp = time.Now().UTC()
	for _, s := range targets {
		if !s.Wants(ev) {
			continue
		}
		if err := s.Send(ev); err != nil {
			logging.Log(fmt.Sprintf("Dropping session %s: %v", s.ID(), err), slog.LevelWarn)
			if b.remove(s) {
				_ = s.Close()
			}
		}
	}
}

// SessionCount returns the number of live sessions of userID.
func (b *Broadcaster) SessionCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[userID])
}

// Subscriptions is the filter a session applies to events. The zero value
// matches everything. Once anything has been subscribed the filter is
// explicit and only the current subscriptions match, so unsubscribing back
// to empty matches nothing.
type Subscriptions struct {
	mu       sync.RWMutex
	explicit bool
	tasks    map[string]struct{}
	channels map[string]struct{}
}

func (s *Subscriptions) SubscribeTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = map[string]struct{}{}
	}
	s.explicit = true
	s.tasks[id] = struct{}{}
}

func (s *Subscriptions) UnsubscribeTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *Subscriptions) SubscribeChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = map[string]struct{}{}
	}
	s.explicit = true
	s.channels[name] = struct{}{}
}

func (s *Subscriptions) UnsubscribeChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, name)
}

func (s *Subscriptions) Wants(ev model.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.explicit {
		return true
	}
	if _, ok := s.tasks[ev.TaskID]; ok {
		return true
	}
	if _, ok := s.channels[AllChannel]; ok {
		return true
	}
	_, ok := s.channels[string(ev.AnalysisType)]
	return ok
}
