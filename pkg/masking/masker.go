// Package masking scrubs sensitive data from MCP tool results before
// they reach the LLM or the database. Masking combines code-based
// maskers, which parse structured payloads, with regex patterns for a
// general sweep.
package masking

// Masker is a code-based masker with structural awareness beyond regex
// matching, e.g. masking Kubernetes Secret data while leaving
// ConfigMaps untouched.
type Masker interface {
	// Name identifies the masker in pattern groups and masking configs.
	Name() string

	// AppliesTo is a cheap pre-check (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask returns the masked result. Returns the input unchanged on
	// parse errors.
	Mask(data string) string
}
