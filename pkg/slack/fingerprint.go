package slack

import (
	"encoding/json"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

// fingerprintKey is the optional alert payload field carrying the text
// of the Slack message that raised the alert.
const fingerprintKey = "slack_fingerprint"

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeText lowercases and collapses whitespace so fingerprint
// matching survives Slack's own formatting.
func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// collectMessageText gathers the searchable text of a Slack message,
// including attachment bodies and fallbacks.
func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}

// FingerprintFromPayload extracts the Slack fingerprint from an alert
// payload. Alerts not raised from Slack have none.
func FingerprintFromPayload(payload string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return ""
	}
	fp, _ := fields[fingerprintKey].(string)
	return fp
}
