package claw

import (
	"context"
	"encoding/json"
	"time"
)

// SpawnParams names the arguments of the sessions_spawn tool.
type SpawnParams struct {
	Task              string `json:"task"`
	Model             string `json:"model,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
	Label             string `json:"label,omitempty"`
}

type spawnResult struct {
	ChildSessionKey string `json:"childSessionKey"`
}

// Session is one entry of a sessions_list response. Idle is seconds since
// the session last produced output.
type Session struct {
	Key            string    `json:"key"`
	Idle           float64   `json:"idle"`
	AbortedLastRun bool      `json:"abortedLastRun"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TotalTokens    int       `json:"totalTokens"`
}

// SessionList is a sessions_list response.
type SessionList struct {
	Count    int       `json:"count"`
	Sessions []Session `json:"sessions"`
}

// Find returns the session with the given key, or false.
func (l SessionList) Find(key string) (Session, bool) {
	for _, s := range l.Sessions {
		if s.Key == key {
			return s, true
		}
	}
	return Session{}, false
}

// Message is one entry of a sessions_history response. Content is either
// a plain string or a list of typed parts; Text flattens it.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text flattens the message content, keeping only text-typed parts.
func (m Message) Text() string {
	return FlattenContent(m.Content)
}

// FlattenContent extracts readable text from a string-or-parts content value.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// SpawnSession spawns a sub-agent for the given task prompt and returns the
// child session key. The context should carry the spawn budget, which is
// longer than the default RPC timeout.
func (c *Client) SpawnSession(ctx context.Context, params SpawnParams) (string, error) {
	var res spawnResult
	if err := c.Invoke(ctx, "sessions_spawn", params, &res); err != nil {
		return "", err
	}
	return res.ChildSessionKey, nil
}

// ListSessions fetches the gateway's current session table.
func (c *Client) ListSessions(ctx context.Context, limit, messageLimit int) (SessionList, error) {
	var res SessionList
	err := c.InvokeTimed(ctx, "sessions_list", map[string]int{
		"limit":        limit,
		"messageLimit": messageLimit,
	}, &res)
	return res, err
}

// SessionHistory fetches recent messages of one session.
func (c *Client) SessionHistory(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	var res struct {
		Messages []Message `json:"messages"`
	}
	err := c.InvokeTimed(ctx, "sessions_history", map[string]any{
		"sessionKey": sessionKey,
		"limit":      limit,
	}, &res)
	return res.Messages, err
}

// LastAssistantText returns the newest assistant-authored text in the
// given history slice, or "" when none exists.
func LastAssistantText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}
