package agent

import (
	"fmt"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/config"
)

// DefaultIterationTimeout caps one LLM or tool round trip inside a
// controller loop.
const DefaultIterationTimeout = 120 * time.Second

// ConfigResolver flattens the configuration hierarchy into a
// ResolvedAgentConfig for one execution. Precedence, most specific
// first: stage agent entry, stage, chain, named agent, system defaults.
type ConfigResolver struct {
	cfg *config.Config
}

// NewConfigResolver creates a resolver over the loaded configuration.
func NewConfigResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// ResolveStageAgent resolves one agent of a stage.
func (r *ConfigResolver) ResolveStageAgent(
	chain *config.ChainConfig,
	stage *config.StageConfig,
	agentRef config.StageAgentConfig,
) (*ResolvedAgentConfig, error) {
	agentCfg, err := r.cfg.GetAgent(agentRef.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent %q: %w", agentRef.Name, err)
	}

	strategy := firstStrategy(
		agentRef.IterationStrategy,
		agentCfg.IterationStrategy,
		r.cfg.Defaults.IterationStrategy,
	)

	providerName := firstNonEmpty(
		agentRef.LLMProvider,
		agentCfg.LLMProvider,
		chain.LLMProvider,
		r.cfg.Defaults.LLMProvider,
	)
	provider, err := r.cfg.GetLLMProvider(providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve LLM provider for agent %q: %w", agentRef.Name, err)
	}

	maxIter := firstInt(
		agentRef.MaxIterations,
		stage.MaxIterations,
		chain.MaxIterations,
		agentCfg.MaxIterations,
		r.cfg.Defaults.MaxIterations,
	)

	servers := firstServers(
		agentRef.MCPServers,
		stage.MCPServers,
		chain.MCPServers,
		agentCfg.MCPServers,
	)
	if servers == nil && strategy.UsesTools() {
		servers = r.cfg.AllMCPServerIDs()
	}

	return &ResolvedAgentConfig{
		AgentName:          agentRef.Name,
		Strategy:           strategy,
		LLMProviderName:    providerName,
		LLMProvider:        provider,
		MaxIterations:      maxIter,
		IterationTimeout:   DefaultIterationTimeout,
		MCPServers:         servers,
		CustomInstructions: agentCfg.CustomInstructions,
		ThinkingLevel:      thinkingLevelFor(strategy),
	}, nil
}

// ResolveSynthesis resolves the synthesis step that follows a parallel
// stage. With no synthesis agent configured, a bare synthesis config on
// the chain's provider is returned.
func (r *ConfigResolver) ResolveSynthesis(
	chain *config.ChainConfig,
	stage *config.StageConfig,
) (*ResolvedAgentConfig, error) {
	syn := stage.Synthesis
	if syn == nil {
		syn = &config.SynthesisConfig{}
	}

	strategy := syn.IterationStrategy
	if strategy == "" {
		strategy = config.IterationStrategySynthesis
	}

	agentName := syn.Agent
	customInstructions := ""
	agentProvider := ""
	if agentName != "" {
		agentCfg, err := r.cfg.GetAgent(agentName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve synthesis agent %q: %w", agentName, err)
		}
		customInstructions = agentCfg.CustomInstructions
		agentProvider = agentCfg.LLMProvider
	} else {
		agentName = "synthesis"
	}

	providerName := firstNonEmpty(
		syn.LLMProvider,
		agentProvider,
		chain.LLMProvider,
		r.cfg.Defaults.LLMProvider,
	)
	provider, err := r.cfg.GetLLMProvider(providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve synthesis LLM provider: %w", err)
	}

	return &ResolvedAgentConfig{
		AgentName:          agentName,
		Strategy:           strategy,
		LLMProviderName:    providerName,
		LLMProvider:        provider,
		MaxIterations:      1,
		IterationTimeout:   DefaultIterationTimeout,
		CustomInstructions: customInstructions,
		ThinkingLevel:      thinkingLevelFor(strategy),
	}, nil
}

// ResolveChat resolves the follow-up chat configuration for a chain.
func (r *ConfigResolver) ResolveChat(chain *config.ChainConfig) (*ResolvedAgentConfig, error) {
	if chain.Chat == nil || !chain.Chat.Enabled {
		return nil, fmt.Errorf("chat is not enabled for this chain")
	}

	agentName := chain.Chat.Agent
	customInstructions := ""
	agentProvider := ""
	if agentName != "" {
		agentCfg, err := r.cfg.GetAgent(agentName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve chat agent %q: %w", agentName, err)
		}
		customInstructions = agentCfg.CustomInstructions
		agentProvider = agentCfg.LLMProvider
	} else {
		agentName = "chat"
	}

	providerName := firstNonEmpty(
		chain.Chat.LLMProvider,
		agentProvider,
		chain.LLMProvider,
		r.cfg.Defaults.LLMProvider,
	)
	provider, err := r.cfg.GetLLMProvider(providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chat LLM provider: %w", err)
	}

	maxIter := firstInt(chain.Chat.MaxIterations, r.cfg.Defaults.MaxIterations)

	return &ResolvedAgentConfig{
		AgentName:          agentName,
		Strategy:           config.IterationStrategySynthesis,
		LLMProviderName:    providerName,
		LLMProvider:        provider,
		MaxIterations:      maxIter,
		IterationTimeout:   DefaultIterationTimeout,
		CustomInstructions: customInstructions,
	}, nil
}

// ResolveScoring resolves the scoring judge configuration for a chain.
func (r *ConfigResolver) ResolveScoring(chain *config.ChainConfig) (*ResolvedAgentConfig, error) {
	if chain.Scoring == nil || !chain.Scoring.Enabled {
		return nil, fmt.Errorf("scoring is not enabled for this chain")
	}

	agentName := chain.Scoring.Agent
	agentProvider := ""
	if agentName != "" {
		agentCfg, err := r.cfg.GetAgent(agentName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve scoring agent %q: %w", agentName, err)
		}
		agentProvider = agentCfg.LLMProvider
	} else {
		agentName = "scoring"
	}

	providerName := firstNonEmpty(
		chain.Scoring.LLMProvider,
		agentProvider,
		chain.LLMProvider,
		r.cfg.Defaults.LLMProvider,
	)
	provider, err := r.cfg.GetLLMProvider(providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scoring LLM provider: %w", err)
	}

	return &ResolvedAgentConfig{
		AgentName:        agentName,
		Strategy:         config.IterationStrategyScoring,
		LLMProviderName:  providerName,
		LLMProvider:      provider,
		MaxIterations:    1,
		IterationTimeout: DefaultIterationTimeout,
	}, nil
}

func thinkingLevelFor(strategy config.IterationStrategy) string {
	switch strategy {
	case config.IterationStrategyNativeThinking, config.IterationStrategySynthesisNativeThinking:
		return "high"
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstStrategy(values ...config.IterationStrategy) config.IterationStrategy {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return config.IterationStrategyReact
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

// firstServers returns the first non-nil whitelist. An explicitly empty
// list is a valid "no tools" whitelist and is not skipped.
func firstServers(values ...[]string) []string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
