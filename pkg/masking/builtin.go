package masking

import "github.com/tarsy-bot/tarsy/pkg/config"

// Built-in regex patterns, referenced by name from masking configs and
// pattern groups.
var builtinPatterns = map[string]config.MaskingPattern{
	"api_key": {
		Pattern:     `(?i)\b(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_.\-]{8,}`,
		Replacement: "${1}: [MASKED_API_KEY]",
		Description: "API key assignments",
	},
	"bearer_token": {
		Pattern:     `(?i)bearer\s+[A-Za-z0-9_.\-=]+`,
		Replacement: "Bearer [MASKED_TOKEN]",
		Description: "Bearer tokens in headers and logs",
	},
	"password": {
		Pattern:     `(?i)\b(password|passwd|pwd)["'\s:=]+\S+`,
		Replacement: "${1}: [MASKED_PASSWORD]",
		Description: "Password assignments",
	},
	"token": {
		Pattern:     `(?i)\b(token|secret)["'\s:=]+[A-Za-z0-9_.\-=]{8,}`,
		Replacement: "${1}: [MASKED_SECRET]",
		Description: "Generic token and secret assignments",
	},
	"certificate": {
		Pattern:     `-----BEGIN [A-Z ]*CERTIFICATE-----[\s\S]*?-----END [A-Z ]*CERTIFICATE-----`,
		Replacement: "[MASKED_CERTIFICATE]",
		Description: "PEM certificate blocks",
	},
	"ssh_key": {
		Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "[MASKED_PRIVATE_KEY]",
		Description: "PEM private key blocks",
	},
}

// Pattern groups expand to lists of built-in pattern or code masker
// names.
var builtinGroups = map[string][]string{
	"basic":      {"api_key", "password"},
	"secrets":    {"api_key", "password", "token", "bearer_token"},
	"security":   {"api_key", "password", "token", "bearer_token", "certificate", "ssh_key", "kubernetes_secret"},
	"kubernetes": {"kubernetes_secret", "certificate"},
}
