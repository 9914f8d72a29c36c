package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanFeedback_Limit(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		limit   int
		wantErr bool
	}{
		{"default under", MaxFeedbackBytes - 1, 0, false},
		{"default at", MaxFeedbackBytes, 0, false},
		{"default over", MaxFeedbackBytes + 1, 0, true},
		{"custom at", 10, 10, false},
		{"custom over", 11, 10, true},
		{"negative means default", MaxFeedbackBytes, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CleanFeedback(strings.Repeat("a", tt.size), tt.limit)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFeedbackTooLong)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCleanFeedback_StripsControls(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"plain", "looks good", "looks good"},
		{"line breaks and tabs", "line1\r\nline2\ttab", "line1\r\nline2\ttab"},
		{"ansi", "\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"null", "a\x00b", "ab"},
		{"bell", "ding\x07", "ding"},
		{"unicode", "ok 👍", "ok 👍"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanFeedback(tt.input, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanFeedback_InvalidUTF8(t *testing.T) {
	_, err := CleanFeedback("bad\xff", 0)
	assert.ErrorIs(t, err, ErrFeedbackEncoding)
}
