package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Dependencies are validated before dependents:
	// MCP servers → LLM providers → agents → chains
	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validateChains(); err != nil {
		return fmt.Errorf("chain validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateMCPServers() error {
	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		t := server.Transport
		if !t.Type.IsValid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", t.Type))
		}
		switch t.Type {
		case TransportTypeStdio:
			if t.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("required for stdio transport"))
			}
		case TransportTypeHTTP:
			if t.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("required for http transport"))
			}
			for header := range t.Headers {
				if strings.EqualFold(header, "Authorization") {
					return NewValidationError("mcp_server", serverID, "transport.headers",
						fmt.Errorf("Authorization header must not be set manually, use bearer_token"))
				}
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		if !provider.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("invalid provider type: %s", provider.Type))
		}
		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model is required"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for name, agent := range v.cfg.AgentRegistry.GetAll() {
		for _, serverID := range agent.MCPServers {
			if !v.cfg.MCPServerRegistry.Has(serverID) {
				return NewValidationError("agent", name, "mcp_servers", fmt.Errorf("MCP server '%s' not found", serverID))
			}
		}

		if agent.IterationStrategy != "" && !agent.IterationStrategy.IsValid() {
			return NewValidationError("agent", name, "iteration_strategy", fmt.Errorf("invalid strategy: %s", agent.IterationStrategy))
		}

		if agent.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(agent.LLMProvider) {
			return NewValidationError("agent", name, "llm_provider", fmt.Errorf("LLM provider '%s' not found", agent.LLMProvider))
		}

		if agent.MaxIterations != nil && *agent.MaxIterations < 1 {
			return NewValidationError("agent", name, "max_iterations", fmt.Errorf("must be at least 1"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateChains() error {
	for chainID, chain := range v.cfg.ChainRegistry.GetAll() {
		if len(chain.AlertTypes) == 0 {
			return NewValidationError("chain", chainID, "alert_types", fmt.Errorf("at least one alert type required"))
		}

		if len(chain.Stages) == 0 {
			return NewValidationError("chain", chainID, "stages", fmt.Errorf("at least one stage required"))
		}

		for i := range chain.Stages {
			if err := v.validateStage(chainID, i, &chain.Stages[i]); err != nil {
				return err
			}
		}

		if chain.Chat != nil && chain.Chat.Enabled {
			if chain.Chat.Agent != "" && !v.cfg.AgentRegistry.Has(chain.Chat.Agent) {
				return NewValidationError("chain", chainID, "chat.agent", fmt.Errorf("agent '%s' not found", chain.Chat.Agent))
			}
			if chain.Chat.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(chain.Chat.LLMProvider) {
				return NewValidationError("chain", chainID, "chat.llm_provider", fmt.Errorf("LLM provider '%s' not found", chain.Chat.LLMProvider))
			}
		}

		if chain.Scoring != nil && chain.Scoring.Enabled {
			if chain.Scoring.Agent != "" && !v.cfg.AgentRegistry.Has(chain.Scoring.Agent) {
				return NewValidationError("chain", chainID, "scoring.agent", fmt.Errorf("agent '%s' not found", chain.Scoring.Agent))
			}
			if chain.Scoring.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(chain.Scoring.LLMProvider) {
				return NewValidationError("chain", chainID, "scoring.llm_provider", fmt.Errorf("LLM provider '%s' not found", chain.Scoring.LLMProvider))
			}
		}

		if chain.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(chain.LLMProvider) {
			return NewValidationError("chain", chainID, "llm_provider", fmt.Errorf("LLM provider '%s' not found", chain.LLMProvider))
		}

		if chain.MaxIterations != nil && *chain.MaxIterations < 1 {
			return NewValidationError("chain", chainID, "max_iterations", fmt.Errorf("must be at least 1"))
		}

		for _, serverID := range chain.MCPServers {
			if !v.cfg.MCPServerRegistry.Has(serverID) {
				return NewValidationError("chain", chainID, "mcp_servers", fmt.Errorf("MCP server '%s' not found", serverID))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateStage(chainID string, index int, stage *StageConfig) error {
	field := func(name string) string {
		return fmt.Sprintf("stages[%d].%s", index, name)
	}

	if stage.Name == "" {
		return NewValidationError("chain", chainID, field("name"), fmt.Errorf("stage name is required"))
	}

	if len(stage.Agents) == 0 {
		return NewValidationError("chain", chainID, field("agents"), fmt.Errorf("at least one agent required"))
	}

	if stage.Replicas > 1 && len(stage.Agents) > 1 {
		return NewValidationError("chain", chainID, field("replicas"), fmt.Errorf("replicas > 1 requires exactly one agent"))
	}

	if stage.SuccessPolicy != "" && !stage.SuccessPolicy.IsValid() {
		return NewValidationError("chain", chainID, field("success_policy"), fmt.Errorf("invalid policy: %s", stage.SuccessPolicy))
	}

	for j, agentRef := range stage.Agents {
		if agentRef.Name == "" {
			return NewValidationError("chain", chainID, field(fmt.Sprintf("agents[%d].name", j)), fmt.Errorf("agent name is required"))
		}
		if !v.cfg.AgentRegistry.Has(agentRef.Name) {
			return NewValidationError("chain", chainID, field(fmt.Sprintf("agents[%d]", j)), fmt.Errorf("agent '%s' not found", agentRef.Name))
		}
		if agentRef.IterationStrategy != "" && !agentRef.IterationStrategy.IsValid() {
			return NewValidationError("chain", chainID, field(fmt.Sprintf("agents[%d].iteration_strategy", j)), fmt.Errorf("invalid strategy: %s", agentRef.IterationStrategy))
		}
		if agentRef.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(agentRef.LLMProvider) {
			return NewValidationError("chain", chainID, field(fmt.Sprintf("agents[%d].llm_provider", j)), fmt.Errorf("LLM provider '%s' not found", agentRef.LLMProvider))
		}
	}

	if stage.Synthesis != nil {
		if !stage.IsParallel() {
			return NewValidationError("chain", chainID, field("synthesis"), fmt.Errorf("synthesis requires a parallel stage"))
		}
		if stage.Synthesis.Agent != "" && !v.cfg.AgentRegistry.Has(stage.Synthesis.Agent) {
			return NewValidationError("chain", chainID, field("synthesis.agent"), fmt.Errorf("agent '%s' not found", stage.Synthesis.Agent))
		}
	}

	for _, serverID := range stage.MCPServers {
		if !v.cfg.MCPServerRegistry.Has(serverID) {
			return NewValidationError("chain", chainID, field("mcp_servers"), fmt.Errorf("MCP server '%s' not found", serverID))
		}
	}

	return nil
}
