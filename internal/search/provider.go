// Package search adapts external search/grounding providers to the retrieval
// executor. Providers may fail transiently; those failures are marked for
// the retry layer and never abort a whole batch.
package search

import (
	"context"

	"github.com/fathomhq/fathom/internal/sources"
)

// Provider executes one search and returns a raw source sequence. The
// context string carries entity disambiguation hints and may be empty.
type Provider interface {
	Search(ctx context.Context, queryText, entityContext string) ([]sources.Source, error)
}

// Func adapts a plain function to a Provider; used by tests and mocks.
type Func func(ctx context.Context, queryText, entityContext string) ([]sources.Source, error)

// Search implements Provider.
func (f Func) Search(ctx context.Context, queryText, entityContext string) ([]sources.Source, error) {
	return f(ctx, queryText, entityContext)
}
