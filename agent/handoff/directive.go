package handoff

import (
	"encoding/json"
	"regexp"
	"strings"
)

var directivePattern = regexp.MustCompile(`(?s)\[\[handoff:\s*([A-Za-z0-9_.\-]+)\s*(\{.*?\})?\s*\]\]`)

// Directive is an explicit handoff instruction embedded in an agent's
// response, written as [[handoff:<agent_id>]] or
// [[handoff:<agent_id> {"reason": "...", "priority": 1,
// "capabilities": ["..."], "fallback": "<agent_id>"}]].
type Directive struct {
	TargetAgentID   string   `json:"target_agent_id"`
	Reason          string   `json:"reason,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	FallbackAgentID string   `json:"fallback,omitempty"`
}

type directivePayload struct {
	Reason       string   `json:"reason"`
	Priority     int      `json:"priority"`
	Capabilities []string `json:"capabilities"`
	Fallback     string   `json:"fallback"`
}

// ParseDirective extracts the first handoff directive from text and returns
// it with every directive removed from the text. A payload that is not
// valid JSON is ignored; the target still applies.
func ParseDirective(text string) (*Directive, string, bool) {
	m := directivePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, text, false
	}

	d := &Directive{TargetAgentID: m[1]}
	if m[2] != "" {
		var p directivePayload
		if err := json.Unmarshal([]byte(m[2]), &p); err == nil {
			d.Reason = p.Reason
			d.Priority = p.Priority
			d.Capabilities = normalizeTags(p.Capabilities)
			d.FallbackAgentID = p.Fallback
		}
	}

	stripped := strings.TrimSpace(directivePattern.ReplaceAllString(text, ""))
	return d, stripped, true
}

// Request turns the directive into a handoff request from source.
func (d *Directive) Request(source, conversationID string, hc Context) Request {
	reason := d.Reason
	if reason == "" {
		reason = "explicit handoff directive"
	}
	return Request{
		SourceAgentID:        source,
		TargetAgentID:        d.TargetAgentID,
		ConversationID:       conversationID,
		Context:              hc,
		Reason:               reason,
		Priority:             d.Priority,
		RequiredCapabilities: append([]string(nil), d.Capabilities...),
		FallbackAgentID:      d.FallbackAgentID,
	}
}
