package controller

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// ToolSelectionError is a tool-call parse or validation failure. It is
// surfaced to the LLM as feedback, never propagated as a stage failure.
type ToolSelectionError struct {
	Detail string
}

func (e *ToolSelectionError) Error() string {
	return "invalid tool selection: " + e.Detail
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

// ParseToolCalls extracts tool-call instructions from an assistant
// message. The expected form is a JSON array of
// {server, tool, parameters, reason} objects, bare or in a code fence.
//
// Returns (calls, true, nil) when a valid array was found,
// (nil, false, nil) when the message carries no tool calls (a final
// answer), and (nil, true, *ToolSelectionError) when an array is
// present but malformed; the caller feeds the error back to the LLM.
func ParseToolCalls(text string) ([]agent.ToolCall, bool, error) {
	raw, found := extractJSONArray(text)
	if !found {
		return nil, false, nil
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, true, &ToolSelectionError{Detail: fmt.Sprintf("tool call array is not valid JSON: %v", err)}
	}
	if len(entries) == 0 {
		// An explicit empty array means "no more tools".
		return nil, false, nil
	}

	calls := make([]agent.ToolCall, 0, len(entries))
	for i, entry := range entries {
		call, err := validateCall(i, entry)
		if err != nil {
			return nil, true, err
		}
		calls = append(calls, call)
	}
	return calls, true, nil
}

func validateCall(index int, entry map[string]json.RawMessage) (agent.ToolCall, error) {
	var call agent.ToolCall

	server, err := stringField(entry, "server")
	if err != nil || server == "" {
		return call, &ToolSelectionError{Detail: fmt.Sprintf("call %d: %q must be a non-empty string", index, "server")}
	}
	tool, err := stringField(entry, "tool")
	if err != nil || tool == "" {
		return call, &ToolSelectionError{Detail: fmt.Sprintf("call %d: %q must be a non-empty string", index, "tool")}
	}

	params := map[string]any{}
	if raw, ok := entry["parameters"]; ok {
		if err := json.Unmarshal(raw, &params); err != nil {
			return call, &ToolSelectionError{Detail: fmt.Sprintf("call %d: %q must be a JSON object", index, "parameters")}
		}
	}

	reason := ""
	if raw, ok := entry["reason"]; ok {
		if err := json.Unmarshal(raw, &reason); err != nil {
			return call, &ToolSelectionError{Detail: fmt.Sprintf("call %d: %q must be a string", index, "reason")}
		}
	}

	return agent.ToolCall{Server: server, Tool: tool, Parameters: params, Reason: reason}, nil
}

func stringField(entry map[string]json.RawMessage, key string) (string, error) {
	raw, ok := entry[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// extractJSONArray finds the tool-call array in the message: a fenced
// JSON block first, then the first bracket-balanced array literal.
func extractJSONArray(text string) (string, bool) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}

	start := strings.Index(text, "[")
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				// Require object elements so prose like "[see above]"
				// is not mistaken for a tool-call array.
				trimmed := strings.TrimSpace(candidate[1 : len(candidate)-1])
				if trimmed == "" || strings.HasPrefix(trimmed, "{") {
					return candidate, true
				}
				return "", false
			}
		}
	}
	// Unterminated array: treat as a malformed tool-call attempt only
	// when it opens an object, otherwise it is prose.
	rest := strings.TrimSpace(text[start+1:])
	if strings.HasPrefix(rest, "{") {
		return text[start:], true
	}
	return "", false
}

// DedupeCalls removes repeated identical (server, tool, parameters)
// calls within one iteration, keeping first occurrence order.
func DedupeCalls(calls []agent.ToolCall) []agent.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := calls[:0]
	for _, call := range calls {
		key := call.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, call)
	}
	return out
}
