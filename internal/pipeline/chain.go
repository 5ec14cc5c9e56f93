package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/imagesaver/internal/domain"
)

// Chain runs pipeline steps in order, feeding each step's output into the next.
// An empty chain returns its input untouched.
type Chain struct {
	transformer Transformer
	steps       []domain.PipelineStep
}

func NewChain(transformer Transformer, steps []domain.PipelineStep) Chain {
	return Chain{transformer: transformer, steps: steps}
}

func (c Chain) Len() int {
	return len(c.steps)
}

func (c Chain) Apply(ctx context.Context, input []byte) ([]byte, error) {
	data := input
	for i, step := range c.steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		out, _, _, _, err := c.transformer.Transform(ctx, data, step)
		if err != nil {
			return nil, fmt.Errorf("transform step=%d action=%s: %w", i, step.Action, err)
		}
		data = out
	}
	return data, nil
}
