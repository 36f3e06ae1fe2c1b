package models

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultHistoryLimit is the number of history entries a session retains.
const DefaultHistoryLimit = 50

// Role identifies who authored a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one message in a conversation.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Variables holds named values collected during a conversation.
type Variables map[string]any

// Clone returns a shallow copy. A nil map clones to an empty one.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge copies every entry of other into v.
func (v Variables) Merge(other Variables) {
	for k, val := range other {
		v[k] = val
	}
}

// String returns the value for key rendered as a string.
func (v Variables) String(key string) (string, bool) {
	val, ok := v[key]
	if !ok || val == nil {
		return "", false
	}
	if s, ok := val.(string); ok {
		return s, true
	}
	return fmt.Sprint(val), true
}

// Bool returns the value for key as a bool. Strings "true" and "false" are
// accepted since variables may come from text columns or form input.
func (v Variables) Bool(key string) (value, ok bool) {
	switch b := v[key].(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// Session is the durable record of one conversation with one address.
type Session struct {
	ID             string         `json:"id"`
	Address        string         `json:"address"`
	Channel        string         `json:"channel"`
	State          State          `json:"state"`
	Language       string         `json:"language"`
	History        []HistoryEntry `json:"history"`
	Variables      Variables      `json:"variables"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Active         bool           `json:"active"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AppendHistory adds an entry and evicts the oldest entries beyond limit.
func (s *Session) AppendHistory(role Role, text string, at time.Time, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.History = append(s.History, HistoryEntry{Role: role, Text: text, Timestamp: at})
	if over := len(s.History) - limit; over > 0 {
		s.History = append([]HistoryEntry(nil), s.History[over:]...)
	}
}

// SetLastReply makes text the latest assistant entry. It rewrites that entry
// when the history already ends with one and appends otherwise.
func (s *Session) SetLastReply(text string, at time.Time, limit int) {
	if n := len(s.History); n > 0 && s.History[n-1].Role == RoleAssistant {
		s.History[n-1].Text = text
		return
	}
	s.AppendHistory(RoleAssistant, text, at, limit)
}

// RecentHistory returns up to n of the most recent entries.
func (s *Session) RecentHistory(n int) []HistoryEntry {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Expired reports whether the session has passed its expiry time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Touch records activity at now and pushes the expiry out by ttl.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.LastActivityAt = now
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]HistoryEntry(nil), s.History...)
	c.Variables = s.Variables.Clone()
	return &c
}
