package llm

import "context"

// Completer produces a single completion for a system+user prompt pair. The
// pipeline depends on this interface only; the OpenAI client is one backend.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Embedder converts text to a fixed-length vector for long-term memory.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
