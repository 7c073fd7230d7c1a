package controller

import (
	"fmt"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
)

// Factory creates controllers by iteration strategy.
type Factory struct{}

// NewFactory creates a new controller factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Create builds a Controller for the given strategy.
func (f *Factory) Create(strategy config.IterationStrategy) (agent.Controller, error) {
	switch strategy {
	case config.IterationStrategyReact, config.IterationStrategyReactStage:
		return NewReActController(), nil
	case config.IterationStrategySynthesis:
		return NewSynthesisController(), nil
	case config.IterationStrategyNativeThinking, config.IterationStrategySynthesisNativeThinking:
		return NewNativeThinkingController(), nil
	case config.IterationStrategyScoring:
		return NewScoringController(), nil
	default:
		return nil, fmt.Errorf("unknown iteration strategy: %q", strategy)
	}
}
