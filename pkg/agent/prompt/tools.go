package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// FormatToolDescriptions renders tool definitions for prompt injection,
// with parameter details extracted from each tool's input schema.
func FormatToolDescriptions(tools []agent.ToolDefinition) string {
	if len(tools) == 0 {
		return "No tools available."
	}

	var sb strings.Builder
	for i, tool := range tools {
		fmt.Fprintf(&sb, "%d. **%s.%s**: %s\n", i+1, tool.Server, tool.Name, tool.Description)

		params := extractParameters(tool.InputSchema)
		if len(params) > 0 {
			sb.WriteString("    **Parameters**:\n")
			for _, p := range params {
				sb.WriteString("    - ")
				sb.WriteString(p)
				sb.WriteString("\n")
			}
		} else {
			sb.WriteString("    **Parameters**: None\n")
		}

		if i < len(tools)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// extractParameters flattens a JSON Schema's properties into one line
// per parameter: name (type, required): description.
func extractParameters(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}

	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		var typ, desc string
		if prop, ok := props[name].(map[string]any); ok {
			typ, _ = prop["type"].(string)
			desc, _ = prop["description"].(string)
		}
		line := "`" + name + "`"
		if typ != "" {
			line += " (" + typ
			if required[name] {
				line += ", required"
			}
			line += ")"
		} else if required[name] {
			line += " (required)"
		}
		if desc != "" {
			line += ": " + desc
		}
		out = append(out, line)
	}
	return out
}
