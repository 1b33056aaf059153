package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizedEvent_Timestamp(t *testing.T) {
	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	e := NormalizedEvent{Metadata: map[string]any{"timestamp": ts.Format(time.RFC3339)}}

	got := e.Timestamp()
	assert.True(t, ts.Equal(got))
}

func TestNormalizedEvent_Timestamp_Missing(t *testing.T) {
	e := NormalizedEvent{}
	assert.True(t, e.Timestamp().IsZero())
}

func TestNormalizedEvent_Polled(t *testing.T) {
	assert.False(t, NormalizedEvent{}.Polled())
	assert.True(t, NormalizedEvent{Metadata: map[string]any{"polled": true}}.Polled())
	assert.False(t, NormalizedEvent{Metadata: map[string]any{"polled": false}}.Polled())
}

func TestNormalizedEvent_Valid(t *testing.T) {
	valid := NormalizedEvent{
		ID:       "github:o/r:opened:1",
		Provider: "github",
		Resource: Resource{Repository: "o/r"},
	}
	require.NoError(t, valid.Valid())

	cases := []NormalizedEvent{
		{Provider: "github", Resource: Resource{Repository: "o/r"}},
		{ID: "x", Resource: Resource{Repository: "o/r"}},
		{ID: "x", Provider: "github"},
	}
	for _, c := range cases {
		assert.Error(t, c.Valid())
	}
}
