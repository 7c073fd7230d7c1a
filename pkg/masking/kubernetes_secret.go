package masking

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue replaces every value under a Secret's data and
// stringData maps.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

var (
	yamlSecretKind = regexp.MustCompile(`(?m)^kind:\s*Secret`)
	jsonSecretKind = regexp.MustCompile(`"kind"\s*:\s*"Secret`)
)

// KubernetesSecretMasker masks data and stringData in Kubernetes
// Secret resources, including Secrets nested in List items and in the
// last-applied-configuration annotation. ConfigMaps and other kinds
// pass through untouched.
type KubernetesSecretMasker struct{}

func (m *KubernetesSecretMasker) Name() string { return "kubernetes_secret" }

func (m *KubernetesSecretMasker) AppliesTo(data string) bool {
	return strings.Contains(data, "Secret") &&
		(yamlSecretKind.MatchString(data) || jsonSecretKind.MatchString(data))
}

// Mask detects JSON vs YAML and re-serializes only when something was
// actually masked, so untouched content keeps its original formatting.
func (m *KubernetesSecretMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked, ok := m.maskJSON(data); ok {
			return masked
		}
	}
	if masked, ok := m.maskYAML(data); ok {
		return masked
	}
	return data
}

func (m *KubernetesSecretMasker) maskJSON(data string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return "", false
	}
	if !maskResource(obj) {
		return "", false
	}

	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", false
	}
	return withTrailingNewlineOf(string(out), data), true
}

// maskYAML handles multi-document streams separated by ---.
func (m *KubernetesSecretMasker) maskYAML(data string) (string, bool) {
	decoder := yaml.NewDecoder(strings.NewReader(data))
	var docs []map[string]any
	masked := false

	for {
		var doc map[string]any
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false
		}
		if doc == nil {
			continue
		}
		if maskResource(doc) {
			masked = true
		}
		docs = append(docs, doc)
	}
	if !masked || len(docs) == 0 {
		return "", false
	}

	var buf strings.Builder
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range docs {
		if err := encoder.Encode(doc); err != nil {
			return "", false
		}
	}
	if err := encoder.Close(); err != nil {
		return "", false
	}
	return withTrailingNewlineOf(strings.TrimRight(buf.String(), "\n"), data), true
}

// maskResource masks a Secret, or Secret items inside a *List, in
// place. Returns true if anything was masked.
func maskResource(resource map[string]any) bool {
	kind, _ := resource["kind"].(string)
	switch {
	case kind == "Secret":
		maskSecretData(resource)
		maskAnnotationSecrets(resource)
		return true
	case strings.HasSuffix(kind, "List"):
		items, _ := resource["items"].([]any)
		masked := false
		for _, item := range items {
			itemMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if k, _ := itemMap["kind"].(string); k == "Secret" || kind == "SecretList" {
				maskSecretData(itemMap)
				maskAnnotationSecrets(itemMap)
				masked = true
			}
		}
		return masked
	}
	return false
}

func maskSecretData(resource map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		if dataMap, ok := resource[field].(map[string]any); ok {
			for key := range dataMap {
				dataMap[key] = MaskedSecretValue
			}
		}
	}
}

// maskAnnotationSecrets scrubs JSON Secret copies embedded in
// annotations, e.g. kubectl.kubernetes.io/last-applied-configuration.
func maskAnnotationSecrets(resource map[string]any) {
	metadata, _ := resource["metadata"].(map[string]any)
	annotations, _ := metadata["annotations"].(map[string]any)
	for key, val := range annotations {
		strVal, ok := val.(string)
		if !ok || !strings.Contains(strVal, "Secret") {
			continue
		}
		var embedded map[string]any
		if err := json.Unmarshal([]byte(strVal), &embedded); err != nil {
			continue
		}
		if k, _ := embedded["kind"].(string); k != "Secret" {
			continue
		}
		maskSecretData(embedded)
		if out, err := json.Marshal(embedded); err == nil {
			annotations[key] = string(out)
		}
	}
}

func withTrailingNewlineOf(result, original string) string {
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(result, "\n") {
		return result + "\n"
	}
	return result
}
