package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tarsy-bot/tarsy/pkg/config"
)

// RedactionNotice replaces an entire tool result when masking itself
// fails. Tool results fail closed: better an unusable observation than
// a leaked credential.
const RedactionNotice = "[REDACTED: data masking failure - tool result could not be safely processed]"

// CompiledPattern is a built-in or custom regex pattern ready to apply.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Service applies per-server masking to MCP tool results. Created once
// at startup; all patterns compile eagerly and invalid ones are logged
// and skipped. Safe for concurrent use.
type Service struct {
	registry     *config.MCPServerRegistry
	patterns     map[string]*CompiledPattern
	groups       map[string][]string
	codeMaskers  map[string]Masker
	serverCustom map[string][]string
}

// NewService compiles built-in patterns plus every server's custom
// patterns and registers the code-based maskers.
func NewService(registry *config.MCPServerRegistry) *Service {
	s := &Service{
		registry:     registry,
		patterns:     make(map[string]*CompiledPattern),
		groups:       builtinGroups,
		codeMaskers:  make(map[string]Masker),
		serverCustom: make(map[string][]string),
	}

	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Skipping invalid built-in masking pattern", "pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{Name: name, Regex: compiled, Replacement: p.Replacement}
	}

	for serverID, serverCfg := range registry.GetAll() {
		if serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
			continue
		}
		for i, p := range serverCfg.DataMasking.CustomPatterns {
			name := fmt.Sprintf("custom:%s:%d", serverID, i)
			compiled, err := regexp.Compile(p.Pattern)
			if err != nil {
				slog.Error("Skipping invalid custom masking pattern",
					"pattern", name, "server", serverID, "error", err)
				continue
			}
			s.patterns[name] = &CompiledPattern{Name: name, Regex: compiled, Replacement: p.Replacement}
			s.serverCustom[serverID] = append(s.serverCustom[serverID], name)
		}
	}

	s.register(&KubernetesSecretMasker{})

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))
	return s
}

// MaskToolResult applies the server's masking config to tool result
// content. Returns the content unchanged when the server has no
// masking enabled; returns RedactionNotice if masking panics.
func (s *Service) MaskToolResult(content, serverID string) string {
	if content == "" {
		return content
	}

	serverCfg, err := s.registry.Get(serverID)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content
	}

	maskers, patterns := s.resolve(serverCfg.DataMasking, serverID)
	if len(maskers) == 0 && len(patterns) == 0 {
		return content
	}
	return s.apply(content, serverID, maskers, patterns)
}

// resolve expands a masking config into code maskers and compiled
// patterns, deduplicated, in group > patterns > custom order.
func (s *Service) resolve(cfg *config.MaskingConfig, serverID string) ([]Masker, []*CompiledPattern) {
	seen := make(map[string]bool)
	var maskers []Masker
	var patterns []*CompiledPattern

	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if m, ok := s.codeMaskers[name]; ok {
			maskers = append(maskers, m)
			return
		}
		if p, ok := s.patterns[name]; ok {
			patterns = append(patterns, p)
		}
	}

	for _, group := range cfg.PatternGroups {
		for _, name := range s.groups[group] {
			add(name)
		}
	}
	for _, name := range cfg.Patterns {
		add(name)
	}
	for _, name := range s.serverCustom[serverID] {
		add(name)
	}
	return maskers, patterns
}

// apply runs code maskers first (structural, more precise), then the
// regex sweep. A panic anywhere redacts the whole result.
func (s *Service) apply(content, serverID string, maskers []Masker, patterns []*CompiledPattern) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Masking failed, redacting tool result", "server", serverID, "panic", r)
			result = RedactionNotice
		}
	}()

	masked := content
	for _, m := range maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

func (s *Service) register(m Masker) {
	s.codeMaskers[m.Name()] = m
}
