package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantOK   bool
		want     Directive
		stripped string
	}{
		{
			name:     "plain",
			input:    "Sure, passing you along. [[handoff:math_agent]]",
			wantOK:   true,
			want:     Directive{TargetAgentID: "math_agent"},
			stripped: "Sure, passing you along.",
		},
		{
			name:   "with payload",
			input:  `[[handoff:history_agent {"reason":"dates","priority":2,"capabilities":["History"],"fallback":"general_agent"}]] Over to history.`,
			wantOK: true,
			want: Directive{
				TargetAgentID:   "history_agent",
				Reason:          "dates",
				Priority:        2,
				Capabilities:    []string{"history"},
				FallbackAgentID: "general_agent",
			},
			stripped: "Over to history.",
		},
		{
			name:     "nested braces in payload",
			input:    `[[handoff:a {"reason":"x {y}"}]]`,
			wantOK:   true,
			want:     Directive{TargetAgentID: "a", Reason: "x {y}", Capabilities: []string{}},
			stripped: "",
		},
		{
			name:     "malformed payload keeps target",
			input:    "[[handoff:math_agent {oops}]]",
			wantOK:   true,
			want:     Directive{TargetAgentID: "math_agent"},
			stripped: "",
		},
		{
			name:     "first directive wins, all stripped",
			input:    "a [[handoff:one]] b [[handoff:two]]",
			wantOK:   true,
			want:     Directive{TargetAgentID: "one"},
			stripped: "a  b",
		},
		{
			name:     "none",
			input:    "just an answer [handoff:x]",
			wantOK:   false,
			stripped: "just an answer [handoff:x]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, text, ok := ParseDirective(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.stripped, text)
			if !tt.wantOK {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.want, *d)
		})
	}
}

func TestDirective_Request(t *testing.T) {
	d := &Directive{TargetAgentID: "math_agent", Priority: 3, Capabilities: []string{"mathematics"}, FallbackAgentID: "general_agent"}
	hc := Context{Metadata: map[string]any{"lang": "en"}}

	req := d.Request("general_agent", "conv-9", hc)

	assert.Equal(t, "general_agent", req.SourceAgentID)
	assert.Equal(t, "math_agent", req.TargetAgentID)
	assert.Equal(t, "conv-9", req.ConversationID)
	assert.Equal(t, "explicit handoff directive", req.Reason)
	assert.Equal(t, 3, req.Priority)
	assert.Equal(t, []string{"mathematics"}, req.RequiredCapabilities)
	assert.Equal(t, "general_agent", req.FallbackAgentID)
	assert.Equal(t, hc, req.Context)
}
