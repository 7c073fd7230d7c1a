package controller

import (
	"context"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// NativeThinkingController is the synthesis shape with provider-native
// extended thinking enabled. The resolver sets ThinkingLevel to "high"
// for the native strategies; thinking content is captured into the
// interaction's response metadata by the shared logging path.
type NativeThinkingController struct {
	synthesis *SynthesisController
}

// NewNativeThinkingController creates a new native-thinking controller.
func NewNativeThinkingController() *NativeThinkingController {
	return &NativeThinkingController{synthesis: NewSynthesisController()}
}

// Run executes the single thinking-enabled call.
func (c *NativeThinkingController) Run(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	prevStageContext string,
) (*agent.ExecutionResult, error) {
	return c.synthesis.Run(ctx, execCtx, prevStageContext)
}
