package id_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/treasury/internal/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SortsByCreation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := id.New(now)
	b := id.New(now)
	c := id.New(now.Add(time.Second))

	assert.Less(t, a, b, "same millisecond must stay monotonic")
	assert.Less(t, b, c)
}

func TestTime_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := id.Time(id.New(now))
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}
