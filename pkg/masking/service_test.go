package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tarsy-bot/tarsy/pkg/config"
)

func newTestService(servers map[string]*config.MCPServerConfig) *Service {
	return NewService(config.NewMCPServerRegistry(servers))
}

func TestMaskToolResult_NoMaskingConfigured(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"kubernetes": {},
	})
	content := "password: hunter2"
	assert.Equal(t, content, svc.MaskToolResult(content, "kubernetes"))
}

func TestMaskToolResult_UnknownServerPassesThrough(t *testing.T) {
	svc := newTestService(nil)
	assert.Equal(t, "data", svc.MaskToolResult("data", "nope"))
}

func TestMaskToolResult_BuiltinPatterns(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"kubernetes": {
			DataMasking: &config.MaskingConfig{
				Enabled:  true,
				Patterns: []string{"password", "bearer_token"},
			},
		},
	})

	out := svc.MaskToolResult("password: hunter2\nAuthorization: Bearer abc.def.ghi", "kubernetes")
	assert.Contains(t, out, "[MASKED_PASSWORD]")
	assert.Contains(t, out, "Bearer [MASKED_TOKEN]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def.ghi")
}

func TestMaskToolResult_PatternGroup(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"argocd": {
			DataMasking: &config.MaskingConfig{
				Enabled:       true,
				PatternGroups: []string{"secrets"},
			},
		},
	})

	out := svc.MaskToolResult(`api_key: sk-abcdef1234567890`, "argocd")
	assert.Contains(t, out, "[MASKED_API_KEY]")
	assert.NotContains(t, out, "sk-abcdef1234567890")
}

func TestMaskToolResult_CustomPattern(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"argocd": {
			DataMasking: &config.MaskingConfig{
				Enabled: true,
				CustomPatterns: []config.MaskingPattern{
					{Pattern: `cluster-cred-\w+`, Replacement: "[MASKED_CRED]"},
				},
			},
		},
	})

	out := svc.MaskToolResult("using cluster-cred-abc123 for sync", "argocd")
	assert.Equal(t, "using [MASKED_CRED] for sync", out)
}

func TestMaskToolResult_CustomPatternsAreServerScoped(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"argocd": {
			DataMasking: &config.MaskingConfig{
				Enabled: true,
				CustomPatterns: []config.MaskingPattern{
					{Pattern: `cluster-cred-\w+`, Replacement: "[MASKED_CRED]"},
				},
			},
		},
		"kubernetes": {
			DataMasking: &config.MaskingConfig{
				Enabled:  true,
				Patterns: []string{"password"},
			},
		},
	})

	out := svc.MaskToolResult("cluster-cred-abc123", "kubernetes")
	assert.Equal(t, "cluster-cred-abc123", out, "other servers' custom patterns do not apply")
}

func TestMaskToolResult_InvalidPatternSkipped(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"argocd": {
			DataMasking: &config.MaskingConfig{
				Enabled: true,
				CustomPatterns: []config.MaskingPattern{
					{Pattern: `([unclosed`, Replacement: "x"},
					{Pattern: `valid-\d+`, Replacement: "[MASKED]"},
				},
			},
		},
	})

	out := svc.MaskToolResult("valid-42", "argocd")
	assert.Equal(t, "[MASKED]", out)
}

func TestMaskToolResult_GroupIncludesCodeMasker(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"kubernetes": {
			DataMasking: &config.MaskingConfig{
				Enabled:       true,
				PatternGroups: []string{"kubernetes"},
			},
		},
	})

	secret := "apiVersion: v1\nkind: Secret\nmetadata:\n  name: db\ndata:\n  password: aHVudGVyMg==\n"
	out := svc.MaskToolResult(secret, "kubernetes")
	assert.Contains(t, out, MaskedSecretValue)
	assert.NotContains(t, out, "aHVudGVyMg==")
}

func TestMaskToolResult_EmptyContent(t *testing.T) {
	svc := newTestService(map[string]*config.MCPServerConfig{
		"kubernetes": {
			DataMasking: &config.MaskingConfig{Enabled: true, PatternGroups: []string{"secrets"}},
		},
	})
	assert.Equal(t, "", svc.MaskToolResult("", "kubernetes"))
}
