package resolver

import (
	"context"
	"fmt"
	"strings"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// Scanner finds element ids by prefix. *board.Client implements it.
type Scanner interface {
	ScanElementIDs(ctx context.Context, prefix string) ([]string, error)
}

// ResolveElementID resolves a short ID prefix to a full element UUID.
// A full UUID is returned unchanged without a lookup; whether it exists is
// left to the operation that uses it.
func ResolveElementID(ctx context.Context, scanner Scanner, shortID string) (string, error) {
	shortID = strings.ToLower(shortID)

	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}
	// The prefix becomes part of a SCAN pattern
	if strings.Trim(shortID, "0123456789abcdef-") != "" {
		return "", fmt.Errorf("invalid short ID '%s': only hex digits and '-' are allowed", shortID)
	}

	matches, err := scanner.ScanElementIDs(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for element: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no elements matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no elements found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple elements matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d elements", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching ids.
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Short ID '%s' matches %d elements:\n", err.ShortID, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the element."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
