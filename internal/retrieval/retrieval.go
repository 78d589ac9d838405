// Package retrieval executes a query plan against the search provider:
// bounded parallel fan-out, cache-first lookups, per-branch retries, and
// graceful degradation when individual branches fail.
package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/circuitbreaker"
	"github.com/fathomhq/fathom/internal/planner"
	"github.com/fathomhq/fathom/internal/retry"
	"github.com/fathomhq/fathom/internal/search"
	"github.com/fathomhq/fathom/internal/sources"
)

// Options bounds the fan-out.
type Options struct {
	// Concurrency caps simultaneous search calls. Zero means 4.
	Concurrency int
	// RatePerSecond throttles provider calls across all branches,
	// including reflexion refinements. Zero disables throttling.
	RatePerSecond float64
	// RateBurst is the limiter burst. Zero means 1 when throttled.
	RateBurst int
	// CacheTTL is how long per-sub-query results stay cacheable.
	// Zero means 15 minutes.
	CacheTTL time.Duration
	// Retry governs each search branch.
	Retry retry.Policy
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 15 * time.Minute
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// BranchResult records how one sub-query fared.
type BranchResult struct {
	SubQuery planner.SubQuery
	Sources  []sources.Source
	FromCache bool
	Err      error
}

// Result aggregates all branches of one retrieval pass.
type Result struct {
	Branches []BranchResult
	// Failed counts branches that returned an error after retries.
	Failed int
}

// Sources flattens all branch sources in plan order.
func (r *Result) Sources() []sources.Source {
	var out []sources.Source
	for _, b := range r.Branches {
		out = append(out, b.Sources...)
	}
	return out
}

// Retriever fans a plan out to the search provider.
type Retriever struct {
	provider search.Provider
	store    *cache.Store
	breaker  *circuitbreaker.Breaker
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger
}

// New builds a Retriever. store and breaker may be nil; retrieval then runs
// uncached and unguarded.
func New(provider search.Provider, store *cache.Store, breaker *circuitbreaker.Breaker, opts Options, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Retriever{
		provider: provider,
		store:    store,
		breaker:  breaker,
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
	}
}

// Run executes every sub-query in the plan. A branch that fails after
// retries degrades to an empty result; Run itself only fails on context
// cancellation.
func (r *Retriever) Run(ctx context.Context, plan planner.QueryPlan, entityContext string) (*Result, error) {
	result := &Result{Branches: make([]BranchResult, len(plan.SubQueries))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for i, sq := range plan.SubQueries {
		i, sq := i, sq
		g.Go(func() error {
			branch := r.runBranch(gctx, sq, entityContext)
			result.Branches[i] = branch
			if branch.Err != nil {
				// Branch failure degrades, it does not cancel siblings.
				r.logger.Warn("search branch failed",
					zap.String("sub_query", sq.Text),
					zap.Error(branch.Err))
			}
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, b := range result.Branches {
		if b.Err != nil {
			result.Failed++
		}
	}
	return result, nil
}

func (r *Retriever) runBranch(ctx context.Context, sq planner.SubQuery, entityContext string) BranchResult {
	branch := BranchResult{SubQuery: sq}

	var key string
	if r.store != nil {
		key = cache.Key(sq.Text, entityContext)
		if entry := r.store.Get(ctx, key); entry != nil {
			branch.Sources = entry.Sources
			branch.FromCache = true
			return branch
		}
	}

	// Cache hits bypass the limiter; only provider calls are throttled.
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			branch.Err = err
			return branch
		}
	}

	var found []sources.Source
	err := retry.Do(ctx, r.logger, r.opts.Retry, "search", func(attemptCtx context.Context) error {
		call := func(cctx context.Context) error {
			srcs, serr := r.provider.Search(cctx, sq.Text, entityContext)
			if serr != nil {
				return serr
			}
			found = srcs
			return nil
		}
		if r.breaker != nil {
			return r.breaker.Execute(attemptCtx, call)
		}
		return call(attemptCtx)
	})
	if err != nil {
		branch.Err = err
		return branch
	}

	branch.Sources = found
	if r.store != nil && len(found) > 0 {
		r.store.Put(ctx, key, &cache.Entry{
			Sources:    found,
			CreatedAt:  time.Now(),
			TTLSeconds: int(r.opts.CacheTTL.Seconds()),
		}, r.opts.CacheTTL)
	}
	return branch
}
