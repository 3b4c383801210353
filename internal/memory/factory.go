package memory

import (
	"context"
	"strings"
)

// NewShortTermStore creates a postgres-backed store when configured,
// otherwise in-memory.
func NewShortTermStore(ctx context.Context, databaseURL string, window int) (ShortTermStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryShortTerm(window), nil
	}
	return NewPostgresShortTerm(ctx, databaseURL, window)
}
