// Package tokens estimates prompt sizes for the input token ceiling.
package tokens

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Message is the part of a chat message that counts toward the prompt.
type Message struct {
	Role    string
	Content string
}

var (
	// Encodings are cached; loading one parses a large BPE table.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens with a tiktoken encoding, or with Estimate when no
// encoding could be loaded.
type Counter struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewCounter loads the named encoding (for example cl100k_base).
func NewCounter(encodingName string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[encodingName]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, name: encodingName}, nil
	}

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", encodingName, err)
	}

	cacheMu.Lock()
	encodingCache[encodingName] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, name: encodingName}, nil
}

// NewCounterOrFallback is NewCounter, but returns a heuristic counter instead
// of failing.
func NewCounterOrFallback(encodingName string) *Counter {
	c, err := NewCounter(encodingName)
	if err != nil {
		slog.Warn("Token encoding unavailable, using heuristic estimate", "encoding", encodingName, "error", err)
		return &Counter{name: "heuristic"}
	}
	return c
}

// Name returns the encoding name, or "heuristic".
func (c *Counter) Name() string {
	return c.name
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts a chat prompt including per-message framing
// (3 tokens each, plus 3 for the reply primer).
func (c *Counter) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 3
		total += c.Count(m.Role)
		total += c.Count(m.Content)
	}
	return total + 3
}

// Estimate approximates a token count without an encoding: four ASCII
// characters per token, one token per non-ASCII rune.
func Estimate(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
