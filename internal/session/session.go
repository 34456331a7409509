// Package session holds short-lived conversation state for callers that ask
// several questions in a row. Sessions expire; nothing here is long-term history.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// DefaultTTL applies when a store is created without one.
const DefaultTTL = time.Hour

// maxMessages bounds the history kept per session; older messages are dropped first.
const maxMessages = 50

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is a conversation's working state.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists sessions. Every successful write extends the session's expiry.
type Store interface {
	Create(ctx context.Context, userID string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, msg Message) (*Session, error)
	Expire(ctx context.Context, id string) error
}

func newSession(userID string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:        uuid.New().String(),
		UserID:    strings.TrimSpace(userID),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// appendMessage adds msg, trims the history and bumps the timestamps.
func (s *Session) appendMessage(msg Message, now time.Time, ttl time.Duration) {
	if msg.At.IsZero() {
		msg.At = now
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	s.Messages = append(s.Messages, msg)
	if len(s.Messages) > maxMessages {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-maxMessages:]...)
	}
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// LastUserMessages returns up to n of the most recent user messages, oldest first.
func (s *Session) LastUserMessages(n int) []string {
	var out []string
	for i := len(s.Messages) - 1; i >= 0 && len(out) < n; i-- {
		if s.Messages[i].Role == RoleUser {
			out = append(out, s.Messages[i].Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	return &c
}
