package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// TarsyYAMLConfig represents the complete tarsy.yaml file structure
type TarsyYAMLConfig struct {
	System      *SystemYAMLConfig          `yaml:"system"`
	MCPServers  map[string]MCPServerConfig `yaml:"mcp_servers"`
	Agents      map[string]AgentConfig     `yaml:"agents"`
	AgentChains map[string]ChainConfig     `yaml:"agent_chains"`
	Defaults    *Defaults                  `yaml:"defaults"`
	Queue       *QueueConfig               `yaml:"queue"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	EventBus  *EventBusConfig  `yaml:"event_bus"`
	Retention *RetentionConfig `yaml:"retention"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file structure
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Build in-memory registries
//  5. Apply default values
//  6. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"chains", stats.Chains,
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	tarsyConfig, err := loader.loadTarsyYAML()
	if err != nil {
		return nil, NewLoadError("tarsy.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	agents := make(map[string]*AgentConfig, len(tarsyConfig.Agents))
	for name := range tarsyConfig.Agents {
		a := tarsyConfig.Agents[name]
		agents[name] = &a
	}
	mcpServers := make(map[string]*MCPServerConfig, len(tarsyConfig.MCPServers))
	for id := range tarsyConfig.MCPServers {
		s := tarsyConfig.MCPServers[id]
		mcpServers[id] = &s
	}
	chains := make(map[string]*ChainConfig, len(tarsyConfig.AgentChains))
	for id := range tarsyConfig.AgentChains {
		c := tarsyConfig.AgentChains[id]
		chains[id] = &c
	}
	providers := make(map[string]*LLMProviderConfig, len(llmProviders))
	for name := range llmProviders {
		p := llmProviders[name]
		providers[name] = &p
	}

	defaults := tarsyConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	defaults.applyBuiltins()

	// Merge user YAML on top of built-in defaults so unset fields keep
	// their default values.
	queueConfig := DefaultQueueConfig()
	if tarsyConfig.Queue != nil {
		if err := mergo.Merge(queueConfig, tarsyConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	eventBusConfig := DefaultEventBusConfig()
	retentionConfig := DefaultRetentionConfig()
	if tarsyConfig.System != nil {
		if tarsyConfig.System.EventBus != nil {
			if err := mergo.Merge(eventBusConfig, tarsyConfig.System.EventBus, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge event bus config: %w", err)
			}
		}
		if tarsyConfig.System.Retention != nil {
			if err := mergo.Merge(retentionConfig, tarsyConfig.System.Retention, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge retention config: %w", err)
			}
		}
	}

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		Queue:               queueConfig,
		EventBus:            eventBusConfig,
		Retention:           retentionConfig,
		AgentRegistry:       NewAgentRegistry(agents),
		ChainRegistry:       NewChainRegistry(chains),
		MCPServerRegistry:   NewMCPServerRegistry(mcpServers),
		LLMProviderRegistry: NewLLMProviderRegistry(providers),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse errors, letting
	// the YAML parser produce the clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTarsyYAML() (*TarsyYAMLConfig, error) {
	var config TarsyYAMLConfig

	// Initialize maps to avoid nil maps
	config.MCPServers = make(map[string]MCPServerConfig)
	config.Agents = make(map[string]AgentConfig)
	config.AgentChains = make(map[string]ChainConfig)

	if err := l.loadYAML("tarsy.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig

	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.LLMProviders, nil
}
