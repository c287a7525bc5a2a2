package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"colour codes", "\x1b[1;31merror\x1b[0m", "error"},
		{"cursor movement", "\x1b[2Kprompt$ ", "prompt$ "},
		{"keeps whitespace", "a\tb\r\nc", "a\tb\r\nc"},
		{"drops bell and backspace", "ding\x07\x08!", "ding!"},
		{"drops C1 controls", "x\u0085y", "xy"},
		{"unicode survives", "héllo ✓", "héllo ✓"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeOutput(tt.in))
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "hello\tworld\n", SanitizeInput("hel\x00lo\tworld\r\n", 0))
	assert.Equal(t, "abc", SanitizeInput("abcdef", 3))
	assert.Equal(t, "ñañ", SanitizeInput("ñañaña", 3))

	long := strings.Repeat("x", 1500)
	assert.Len(t, SanitizeInput(long, 1000), 1000)
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", TruncateMessage("short", 10))

	got := TruncateMessage(strings.Repeat("a", 20), 10)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 10)))
	assert.True(t, strings.HasSuffix(got, "[Output truncated...]\n"))
}
