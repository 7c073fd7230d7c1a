package masking

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKubernetesSecretMasker_AppliesTo(t *testing.T) {
	m := &KubernetesSecretMasker{}

	assert.True(t, m.AppliesTo("apiVersion: v1\nkind: Secret\ndata: {}"))
	assert.True(t, m.AppliesTo(`{"kind": "Secret", "data": {}}`))
	assert.False(t, m.AppliesTo("kind: ConfigMap"))
	assert.False(t, m.AppliesTo("the word Secret alone is not enough"))
}

func TestKubernetesSecretMasker_YAMLSecret(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := `apiVersion: v1
kind: Secret
metadata:
  name: db-creds
data:
  username: YWRtaW4=
  password: aHVudGVyMg==
stringData:
  note: plaintext
`
	out := m.Mask(in)
	assert.NotContains(t, out, "YWRtaW4=")
	assert.NotContains(t, out, "aHVudGVyMg==")
	assert.NotContains(t, out, "plaintext")
	assert.Contains(t, out, MaskedSecretValue)
	assert.Contains(t, out, "db-creds", "metadata survives")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestKubernetesSecretMasker_ConfigMapUntouched(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := "apiVersion: v1\nkind: ConfigMap\ndata:\n  setting: value\n"
	assert.Equal(t, in, m.Mask(in))
}

func TestKubernetesSecretMasker_JSONSecret(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := `{"apiVersion":"v1","kind":"Secret","metadata":{"name":"s"},"data":{"key":"dmFsdWU="}}`
	out := m.Mask(in)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed), "output stays JSON")
	data := parsed["data"].(map[string]any)
	assert.Equal(t, MaskedSecretValue, data["key"])
}

func TestKubernetesSecretMasker_MultiDocumentYAML(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := `kind: ConfigMap
data:
  a: "1"
---
kind: Secret
data:
  token: c2VjcmV0
`
	out := m.Mask(in)
	assert.NotContains(t, out, "c2VjcmV0")
	assert.Contains(t, out, MaskedSecretValue)
	assert.Contains(t, out, `a: "1"`)
}

func TestKubernetesSecretMasker_ListWithSecretItems(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := `{"kind":"List","items":[{"kind":"Secret","data":{"k":"dg=="}},{"kind":"ConfigMap","data":{"c":"v"}}]}`
	out := m.Mask(in)
	assert.NotContains(t, out, "dg==")
	assert.Contains(t, out, MaskedSecretValue)
	assert.Contains(t, out, `"c": "v"`)
}

func TestKubernetesSecretMasker_AnnotationEmbeddedSecret(t *testing.T) {
	m := &KubernetesSecretMasker{}
	embedded := `{"kind":"Secret","data":{"password":"aHVudGVyMg=="}}`
	in := `{"kind":"Secret","metadata":{"annotations":{"kubectl.kubernetes.io/last-applied-configuration":` +
		mustJSON(embedded) + `}},"data":{"password":"aHVudGVyMg=="}}`
	out := m.Mask(in)
	assert.NotContains(t, out, "aHVudGVyMg==")
}

func TestKubernetesSecretMasker_MalformedInputUnchanged(t *testing.T) {
	m := &KubernetesSecretMasker{}
	in := "kind: Secret\n  bad indentation: ["
	assert.Equal(t, in, m.Mask(in))
}

func mustJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}
