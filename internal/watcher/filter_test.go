package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess(t *testing.T) {
	cases := []struct {
		name        string
		event       NormalizedEvent
		hasActivity bool
		want        bool
	}{
		{
			name:  "opened action always filtered",
			event: NormalizedEvent{Action: "opened", Type: "issue"},
			want:  false,
		},
		{
			name:  "automated pull request action filtered",
			event: NormalizedEvent{Action: "synchronize", Type: "pull_request"},
			want:  false,
		},
		{
			name:        "polled pull request without recent activity filtered",
			event:       NormalizedEvent{Action: "poll", Type: "pull_request"},
			hasActivity: false,
			want:        false,
		},
		{
			name:        "polled pull request with recent activity passes",
			event:       NormalizedEvent{Action: "poll", Type: "pull_request"},
			hasActivity: true,
			want:        true,
		},
		{
			name:  "closed state filtered unless reopened",
			event: NormalizedEvent{Action: "edited", Type: "issue", Resource: Resource{State: "closed"}},
			want:  false,
		},
		{
			name:  "reopened action passes despite closed state",
			event: NormalizedEvent{Action: "reopened", Type: "issue", Resource: Resource{State: "closed"}},
			want:  true,
		},
		{
			name:  "terminal state filtered",
			event: NormalizedEvent{Action: "commented", Type: "issue", Resource: Resource{State: "done"}},
			want:  false,
		},
		{
			name:        "linear completed workflow state filtered",
			event:       NormalizedEvent{Action: "poll", Type: "issue", Resource: Resource{State: "completed"}},
			hasActivity: true,
			want:        false,
		},
		{
			name:  "terminal state lookup is case-insensitive",
			event: NormalizedEvent{Action: "commented", Type: "issue", Resource: Resource{State: "Done"}},
			want:  false,
		},
		{
			name:  "message without app_mention filtered",
			event: NormalizedEvent{Action: "posted", Type: "message", Metadata: map[string]any{"inner_event_type": "message"}},
			want:  false,
		},
		{
			name:  "message with app_mention passes",
			event: NormalizedEvent{Action: "posted", Type: "message", Metadata: map[string]any{"inner_event_type": "app_mention"}},
			want:  true,
		},
		{
			name:  "plain commented issue passes",
			event: NormalizedEvent{Action: "commented", Type: "issue"},
			want:  true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, shouldProcess(c.event, c.hasActivity))
		})
	}
}
