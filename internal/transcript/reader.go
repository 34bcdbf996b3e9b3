// Package transcript reads the durable, append-only per-session event logs
// written by the agent daemon. It is the last-resort source of truth for a
// sub-agent's output: it works even when the gateway has restarted and
// forgotten the live session.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound means no transcript file exists for the session.
	ErrNotFound = errors.New("transcript not found")
	// ErrNoAssistantMessage means the transcript holds no assistant text.
	ErrNoAssistantMessage = errors.New("no assistant message in transcript")
)

// maxLineBytes bounds a single transcript line. Assistant messages with
// large tool output can run long; 1 MiB is far beyond anything observed.
const maxLineBytes = 1 << 20

type event struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reader reads transcripts below one tenant's transcript directory.
type Reader struct {
	dir string
}

// NewReader creates a Reader rooted at dir.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Path returns the transcript file path for a session key. Keys may carry
// separators (e.g. "agent:sub:1"); they are flattened into the file name.
func (r *Reader) Path(sessionKey string) string {
	name := strings.NewReplacer(":", "-", "/", "-", string(os.PathSeparator), "-").Replace(sessionKey)
	return filepath.Join(r.dir, name+".jsonl")
}

// LastAssistantMessage returns the newest assistant-authored text in the
// session's transcript. Malformed lines are skipped; only text-typed parts
// are extracted from structured content.
func (r *Reader) LastAssistantMessage(sessionKey string) (string, error) {
	f, err := os.Open(r.Path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, sessionKey)
		}
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type != "message" || ev.Message.Role != "assistant" {
			continue
		}
		if text := flatten(ev.Message.Content); text != "" {
			last = text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	if last == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAssistantMessage, sessionKey)
	}
	return last, nil
}

func flatten(raw json.RawMessage) string {
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
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
