package engine

import "context"

// Hooks are caller-supplied intervention points. Both may block on a human.
type Hooks struct {
	// RequestUserInput is invoked when a movement reports blocked. It
	// receives the prompt extracted from the agent response and returns the
	// user's answer. An empty answer, a nil hook, or an error aborts the
	// piece.
	RequestUserInput func(ctx context.Context, movement, prompt string) (string, error)

	// ExtendIterations is invoked when the iteration count reaches the
	// configured limit. It returns the new limit, or 0 to stop the run. A
	// nil hook stops the run.
	ExtendIterations func(ctx context.Context, iteration, limit int) (int, error)
}
