package internal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		max     int
		message string
	}{
		{"plain program", "import os\nos.system('ls')\n", 100, ""},
		{"no limit", strings.Repeat("x", 500), 0, ""},
		{"empty", " \n\t", 100, "Code is required"},
		{"too long", strings.Repeat("x", 11), 10, "Code length exceeds maximum limit"},
		{"invalid utf8", "print('\xff')", 100, "Code is not valid text"},
		{"nul byte", "print(1)\x00", 100, "Code contains a NUL byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SanitizeCode(tt.code, tt.max)
			if tt.message == "" {
				assert.NoError(t, err)
				return
			}
			var se *SanitizationError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.message, se.Message)
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.NoError(t, SanitizeInput("", 10))
	assert.NoError(t, SanitizeInput("5\n1 2 3 4 5\n", 0))
	assert.Error(t, SanitizeInput(strings.Repeat("9", 11), 10))
	assert.EqualError(t, SanitizeInput("a\x00", 10), "Input contains a NUL byte: binary payloads are not accepted")
}
