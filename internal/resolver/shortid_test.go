package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	ids      []string
	err      error
	prefixes []string
}

func (f *fakeScanner) ScanElementIDs(ctx context.Context, prefix string) ([]string, error) {
	f.prefixes = append(f.prefixes, prefix)
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for _, id := range f.ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestResolveElementID(t *testing.T) {
	ctx := context.Background()
	scanner := &fakeScanner{ids: []string{
		"3f2c9a10-0000-4000-8000-000000000001",
		"3f2c9b20-0000-4000-8000-000000000002",
		"7e11aa00-0000-4000-8000-000000000003",
	}}

	t.Run("unique prefix", func(t *testing.T) {
		id, err := ResolveElementID(ctx, scanner, "3F2C9A")
		require.NoError(t, err)
		assert.Equal(t, "3f2c9a10-0000-4000-8000-000000000001", id)
	})

	t.Run("full uuid skips the scan", func(t *testing.T) {
		before := len(scanner.prefixes)
		id, err := ResolveElementID(ctx, scanner, "aaaaaaaa-0000-4000-8000-000000000009")
		require.NoError(t, err)
		assert.Equal(t, "aaaaaaaa-0000-4000-8000-000000000009", id)
		assert.Len(t, scanner.prefixes, before)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveElementID(ctx, scanner, "3f2c")
		assert.ErrorContains(t, err, "at least 6")
	})

	t.Run("glob characters are rejected", func(t *testing.T) {
		_, err := ResolveElementID(ctx, scanner, "3f2c9*")
		assert.ErrorContains(t, err, "only hex digits")
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveElementID(ctx, scanner, "000000")
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := ResolveElementID(ctx, scanner, "3f2c9")
		require.Error(t, err)
		_, err = ResolveElementID(ctx, scanner, "3f2c9a")
		require.NoError(t, err)

		scanner.ids = append(scanner.ids, "3f2c9a99-0000-4000-8000-000000000004")
		_, err = ResolveElementID(ctx, scanner, "3f2c9a")
		require.True(t, IsAmbiguousError(err))

		var ambiguous *AmbiguousError
		require.True(t, errors.As(err, &ambiguous))
		assert.Len(t, ambiguous.Matches, 2)
		assert.Contains(t, FormatAmbiguousError(ambiguous), "longer prefix")
	})

	t.Run("scan failure", func(t *testing.T) {
		_, err := ResolveElementID(ctx, &fakeScanner{err: errors.New("boom")}, "abcdef")
		assert.ErrorContains(t, err, "boom")
	})
}

func TestFormatAmbiguousError_Truncates(t *testing.T) {
	matches := make([]string, 12)
	for i := range matches {
		matches[i] = fmt.Sprintf("abcdef%02d", i)
	}
	msg := FormatAmbiguousError(&AmbiguousError{ShortID: "abcdef", Matches: matches})
	assert.Contains(t, msg, "...and 2 more")
	assert.NotContains(t, msg, "abcdef11")
}
