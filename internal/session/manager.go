package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrResponseActive = errors.New("session already has an active response")
)

// Session is the per-connection conversation state. The manager hands out
// deep copies; callers never see the live struct.
type Session struct {
	ID                string            `json:"session_id"`
	Status            Status            `json:"status"`
	Voice             string            `json:"voice"`
	ActiveTurnID      string            `json:"active_turn_id"`
	InterruptionCount int               `json:"interruption_count"`
	History           []Message         `json:"history"`
	CollectedFields   map[string]string `json:"collected_fields"`
	StartedAt         time.Time         `json:"started_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
}

// Manager owns every live session and serializes all access to history and
// collected fields so the arbiter and pipeline never race on them.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(voice string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:              uuid.NewString(),
		Voice:           voice,
		Status:          StatusActive,
		CollectedFields: make(map[string]string),
		StartedAt:       now,
		LastActivityAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetUserInfo merges caller identity into the collected fields. Repeat calls
// are idempotent; the last write wins per key. Empty values do not clobber
// previously collected ones.
func (m *Manager) SetUserInfo(sessionID, name, email, context string) error {
	fields := map[string]string{}
	if name != "" {
		fields["name"] = name
	}
	if email != "" {
		fields["email"] = email
	}
	if context != "" {
		fields["context"] = context
	}
	return m.MergeFields(sessionID, fields)
}

// MergeFields folds slot values gathered during conversation into the
// session's collected fields.
func (m *Manager) MergeFields(sessionID string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		s.CollectedFields[k] = v
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Fields returns a copy of the session's collected fields.
func (m *Manager) Fields(sessionID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(s.CollectedFields), nil
}

// RecordMessage appends one message to the conversation history. Append-only.
func (m *Manager) RecordMessage(sessionID string, role Role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.History = append(s.History, Message{Role: role, Text: text, Timestamp: time.Now().UTC()})
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// History returns a copy of the session's conversation history.
func (m *Manager) History(sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), s.History...), nil
}

// BeginResponse claims the session's single response slot for turnID.
// A second claim while one is active fails; the caller must interrupt first.
func (m *Manager) BeginResponse(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.ActiveTurnID != "" {
		return ErrResponseActive
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// EndResponse releases the response slot if turnID still holds it. An
// empty turnID releases unconditionally.
func (m *Manager) EndResponse(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if turnID == "" || s.ActiveTurnID == turnID {
		s.ActiveTurnID = ""
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Interrupt records a barge-in and releases the response slot.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Reset clears history and collected fields and releases the response slot.
// The session itself stays active.
func (m *Manager) Reset(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.History = nil
	s.CollectedFields = make(map[string]string)
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.History = append([]Message(nil), s.History...)
	c.CollectedFields = copyFields(s.CollectedFields)
	return &c
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
