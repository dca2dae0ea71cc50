package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"日本語", 3},
		{"hi 日本", 3},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

func TestCounter_HeuristicFallback(t *testing.T) {
	var c *Counter
	assert.Equal(t, Estimate("hello world"), c.Count("hello world"))

	h := &Counter{name: "heuristic"}
	got := h.CountMessages([]Message{{Role: "user", Content: "abcdefgh"}})
	// 3 framing + 1 role + 2 content + 3 primer
	assert.Equal(t, 9, got)
}

func TestNewCounter_UnknownEncoding(t *testing.T) {
	_, err := NewCounter("no_such_encoding")
	assert.Error(t, err)

	c := NewCounterOrFallback("no_such_encoding")
	assert.Equal(t, "heuristic", c.Name())
	assert.Equal(t, 1, c.Count("abcd"))
}
