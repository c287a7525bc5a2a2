package internal

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type SanitizationError struct {
	Message string
	Details string
}

func (e *SanitizationError) Error() string {
	return e.Message + ": " + e.Details
}

// SanitizeCode rejects source the engine will not write into a container.
// It never inspects what the code does.
func SanitizeCode(code string, maxCodeLength int) error {
	if strings.TrimSpace(code) == "" {
		return &SanitizationError{
			Message: "Code is required",
			Details: "the submitted source is empty",
		}
	}
	if maxCodeLength > 0 && len(code) > maxCodeLength {
		return &SanitizationError{
			Message: "Code length exceeds maximum limit",
			Details: fmt.Sprintf("Max length allowed is %d", maxCodeLength),
		}
	}
	if !utf8.ValidString(code) {
		return &SanitizationError{
			Message: "Code is not valid text",
			Details: "source must be UTF-8 encoded",
		}
	}
	if strings.ContainsRune(code, 0) {
		return &SanitizationError{
			Message: "Code contains a NUL byte",
			Details: "binary payloads are not accepted",
		}
	}
	return nil
}

// SanitizeInput caps program stdin and rejects NUL bytes.
func SanitizeInput(input string, maxLength int) error {
	if maxLength > 0 && len(input) > maxLength {
		return &SanitizationError{
			Message: "Input length exceeds maximum limit",
			Details: fmt.Sprintf("Max length allowed is %d", maxLength),
		}
	}
	if strings.ContainsRune(input, 0) {
		return &SanitizationError{
			Message: "Input contains a NUL byte",
			Details: "binary payloads are not accepted",
		}
	}
	return nil
}
