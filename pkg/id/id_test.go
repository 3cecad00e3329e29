package id

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	t.Parallel()

	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	t.Parallel()

	got := Prefixed(" demo ")
	assert.True(t, strings.HasPrefix(got, "DEMO-"), got)
	assert.Len(t, got, len("DEMO-")+26)

	assert.Len(t, Prefixed(""), 26)
}

func TestTime(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	got, ok := Time("DEMO-" + At(at))
	require.True(t, ok)
	assert.True(t, got.Equal(at), "got %v", got)

	_, ok = Time("not-a-ulid")
	assert.False(t, ok)
}
