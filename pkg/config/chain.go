package config

import (
	"fmt"
	"sync"
	"time"
)

// ChainConfig defines a multi-stage agent chain configuration
type ChainConfig struct {
	// Alert types this chain handles (required, min 1)
	AlertTypes []string `yaml:"alert_types"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Stages to execute in order (required, min 1)
	Stages []StageConfig `yaml:"stages"`

	// Chain-level failure policy: when true, a failed stage does not stop
	// the chain. A stage-level continue_on_failure overrides this.
	ContinueOnFailure bool `yaml:"continue_on_failure,omitempty"`

	// Optional chat configuration
	Chat *ChatConfig `yaml:"chat,omitempty"`

	// Optional scoring configuration
	Scoring *ScoringConfig `yaml:"scoring,omitempty"`

	// Chain-level LLM provider override
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Chain-level max iterations override
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// Chain-level MCP servers override
	MCPServers []string `yaml:"mcp_servers,omitempty"`
}

// StageConfig defines a single stage in a chain
type StageConfig struct {
	// Stage name (required)
	Name string `yaml:"name"`

	// Agents to execute (min 1). One agent with replicas == 1 is a plain
	// single stage; more agents or replicas > 1 fan out in parallel.
	Agents []StageAgentConfig `yaml:"agents"`

	// Replicas runs the same agent N times with identical config.
	// Only valid with exactly one agent. Default 1.
	Replicas int `yaml:"replicas,omitempty"`

	// Success policy for parallel execution ("all" or "any", default "any")
	SuccessPolicy SuccessPolicy `yaml:"success_policy,omitempty"`

	// Stage-level failure policy override (nil inherits the chain setting)
	ContinueOnFailure *bool `yaml:"continue_on_failure,omitempty"`

	// Stage-level cap on wall-clock duration; the effective deadline is
	// min(session remaining, this cap).
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Stage-level max iterations override
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// Stage-level MCP servers override
	MCPServers []string `yaml:"mcp_servers,omitempty"`

	// Optional synthesis step run after parallel execution
	Synthesis *SynthesisConfig `yaml:"synthesis,omitempty"`
}

// IsParallel reports whether the stage fans out into child executions.
func (s *StageConfig) IsParallel() bool {
	return len(s.Agents) > 1 || s.Replicas > 1
}

// EffectiveReplicas returns the replica count, defaulting to 1.
func (s *StageConfig) EffectiveReplicas() int {
	if s.Replicas < 1 {
		return 1
	}
	return s.Replicas
}

// ContinuesOnFailure resolves the failure policy for this stage against
// the chain-level default. The stage setting wins when present.
func (s *StageConfig) ContinuesOnFailure(chain *ChainConfig) bool {
	if s.ContinueOnFailure != nil {
		return *s.ContinueOnFailure
	}
	return chain.ContinueOnFailure
}

// ChainRegistry stores chain configurations in memory with thread-safe access
type ChainRegistry struct {
	chains map[string]*ChainConfig
	mu     sync.RWMutex
}

// NewChainRegistry creates a new chain registry
func NewChainRegistry(chains map[string]*ChainConfig) *ChainRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ChainConfig, len(chains))
	for k, v := range chains {
		copied[k] = v
	}
	return &ChainRegistry{chains: copied}
}

// Get retrieves a chain configuration by ID (thread-safe)
func (r *ChainRegistry) Get(chainID string) (*ChainConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, exists := r.chains[chainID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	return chain, nil
}

// GetIDByAlertType retrieves the chain ID that handles the given alert type (thread-safe)
func (r *ChainRegistry) GetIDByAlertType(alertType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for chainID, chain := range r.chains {
		for _, at := range chain.AlertTypes {
			if at == alertType {
				return chainID, nil
			}
		}
	}
	return "", fmt.Errorf("%w for alert type: %s", ErrChainNotFound, alertType)
}

// GetAll returns all chain configurations (thread-safe, returns copy)
func (r *ChainRegistry) GetAll() map[string]*ChainConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ChainConfig, len(r.chains))
	for k, v := range r.chains {
		result[k] = v
	}
	return result
}

// Has checks if a chain exists in the registry (thread-safe)
func (r *ChainRegistry) Has(chainID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.chains[chainID]
	return exists
}

// Len returns the number of chains in the registry (thread-safe)
func (r *ChainRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains)
}
