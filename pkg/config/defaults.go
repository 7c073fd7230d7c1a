package config

// Defaults contains system-wide default configurations.
// These values are used when specific components don't set their own.
type Defaults struct {
	// LLM provider default for all agents/chains
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Max iterations default (forces conclusion when reached)
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// Iteration strategy default
	IterationStrategy IterationStrategy `yaml:"iteration_strategy,omitempty"`

	// Success policy default for parallel stages
	SuccessPolicy SuccessPolicy `yaml:"success_policy,omitempty"`
}

const (
	defaultMaxIterations = 10
)

// applyBuiltins fills unset defaults with built-in values.
func (d *Defaults) applyBuiltins() {
	if d.MaxIterations == nil {
		d.MaxIterations = IntPtr(defaultMaxIterations)
	}
	if d.IterationStrategy == "" {
		d.IterationStrategy = IterationStrategyReact
	}
	if d.SuccessPolicy == "" {
		d.SuccessPolicy = SuccessPolicyAny
	}
}
