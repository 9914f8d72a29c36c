package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFeedbackBytes is the default bound on one human feedback message.
const MaxFeedbackBytes = 4096

var (
	ErrFeedbackTooLong  = errors.New("feedback too long")
	ErrFeedbackEncoding = errors.New("feedback is not valid UTF-8")
)

// CleanFeedback checks human feedback before it joins the transcript.
// Feedback over limit bytes is refused whole. Control characters other than
// line breaks and tabs are removed, so terminal escapes never reach logs or
// prompts. A limit <= 0 means MaxFeedbackBytes.
func CleanFeedback(feedback string, limit int) (string, error) {
	if limit <= 0 {
		limit = MaxFeedbackBytes
	}
	if n := len(feedback); n > limit {
		return "", fmt.Errorf("%w: %d bytes, at most %d allowed", ErrFeedbackTooLong, n, limit)
	}
	if !utf8.ValidString(feedback) {
		return "", ErrFeedbackEncoding
	}
	return strings.Map(keepPrintable, feedback), nil
}

func keepPrintable(r rune) rune {
	switch {
	case r == '\n', r == '\r', r == '\t':
		return r
	case unicode.IsControl(r):
		return -1
	}
	return r
}
