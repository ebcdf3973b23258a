package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

func TestParseAt(t *testing.T) {
	t.Run("duration is relative to now", func(t *testing.T) {
		ms, err := ParseAt("30s", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-30*time.Second).UnixMilli(), ms)
	})

	t.Run("RFC3339 is absolute", func(t *testing.T) {
		ms, err := ParseAt("2025-10-29T13:00:00Z", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC).UnixMilli(), ms)
	})

	t.Run("rejects garbage, empty and negative specs", func(t *testing.T) {
		for _, spec := range []string{"", "yesterday", "-5m"} {
			_, err := ParseAt(spec, now)
			assert.Error(t, err, spec)
		}
	})
}

func TestParseRange(t *testing.T) {
	since, until, err := ParseRange("1h", "10m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), since)
	assert.Equal(t, now.Add(-10*time.Minute).UnixMilli(), until)

	since, until, err = ParseRange("", "", now)
	require.NoError(t, err)
	assert.Zero(t, since)
	assert.Zero(t, until)

	_, _, err = ParseRange("10m", "1h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, _, err = ParseRange("nope", "", now)
	assert.ErrorContains(t, err, "invalid --since")
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(5, 0, 0))
	assert.True(t, InRange(5, 5, 10))
	assert.False(t, InRange(4, 5, 10))
	assert.False(t, InRange(11, 5, 0))
}
