// Package pipeline orchestrates one research request end to end: query
// planning, parallel retrieval, source aggregation, reflexion gap-filling,
// confidence scoring, entity validation, answer synthesis, and citation
// enforcement. Every stage degrades rather than failing the request; only
// context cancellation aborts a run.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/citations"
	"github.com/fathomhq/fathom/internal/confidence"
	"github.com/fathomhq/fathom/internal/identity"
	"github.com/fathomhq/fathom/internal/llm"
	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/planner"
	"github.com/fathomhq/fathom/internal/reflexion"
	"github.com/fathomhq/fathom/internal/retrieval"
	"github.com/fathomhq/fathom/internal/sources"
	"github.com/fathomhq/fathom/internal/streaming"
)

// Request is one research submission.
type Request struct {
	RequestID     string `json:"request_id"`
	QueryText     string `json:"query"`
	EntityContext string `json:"entity_context,omitempty"`
	// Technical raises the citation minimum for answers carrying
	// measurements and registry identifiers.
	Technical bool `json:"technical,omitempty"`
}

// Diagnostics summarizes how the run went.
type Diagnostics struct {
	TierCounts          sources.TierCounts `json:"tier_counts"`
	DedupPercent        float64            `json:"dedup_percent"`
	TotalFound          int                `json:"total_found"`
	TotalRanked         int                `json:"total_ranked"`
	ReflexionIterations int                `json:"reflexion_iterations"`
	ReflexionState      string             `json:"reflexion_state"`
	RemainingGaps       []string           `json:"remaining_gaps,omitempty"`
	FailedBranches      int                `json:"failed_branches"`
	PlanStrategy        string             `json:"plan_strategy"`
	FromCache           bool               `json:"from_cache,omitempty"`
	Elapsed             time.Duration      `json:"elapsed"`
}

// Response is the research result.
type Response struct {
	RequestID  string            `json:"request_id"`
	Answer     string            `json:"answer"`
	Sources    []sources.Source  `json:"sources"`
	Confidence confidence.Score  `json:"confidence"`
	Validation *identity.Result  `json:"validation,omitempty"`
	Citations  citations.Result  `json:"citations"`
	Diag       Diagnostics       `json:"diagnostics"`
}

// Options carries per-pipeline knobs.
type Options struct {
	// Deadline bounds one run end to end. Zero means 45 seconds.
	Deadline time.Duration
	// CacheTTL for whole-request results. Zero disables request caching.
	CacheTTL time.Duration
	// MaxReflexionIterations defaults to reflexion.DefaultMaxIterations.
	MaxReflexionIterations int
	MinContentLength       int
}

// Pipeline wires the stages together. All dependencies are injected; nil
// optional pieces (completer, store, sink) degrade to their fallbacks.
type Pipeline struct {
	planner   *planner.Planner
	retriever *retrieval.Retriever
	agg       *sources.Aggregator
	validator *identity.Validator
	enforcer  *citations.Enforcer
	completer llm.Completer
	store     *cache.Store
	sink      streaming.Sink
	opts      Options
	logger    *zap.Logger
}

func New(
	pl *planner.Planner,
	rt *retrieval.Retriever,
	agg *sources.Aggregator,
	validator *identity.Validator,
	enforcer *citations.Enforcer,
	completer llm.Completer,
	store *cache.Store,
	sink streaming.Sink,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if sink == nil {
		sink = streaming.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 45 * time.Second
	}
	return &Pipeline{
		planner:   pl,
		retriever: rt,
		agg:       agg,
		validator: validator,
		enforcer:  enforcer,
		completer: completer,
		store:     store,
		sink:      sink,
		opts:      opts,
		logger:    logger,
	}
}

// Run executes the full pipeline for one request. It returns an error only
// when the query is empty or the context is cancelled before any sources
// were gathered; everything else degrades into the response diagnostics.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.QueryText) == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	logger := p.logger.With(zap.String("request_id", req.RequestID))

	if resp := p.cachedResponse(ctx, req, start); resp != nil {
		metrics.PipelineRequests.WithLabelValues("cache_hit").Inc()
		return resp, nil
	}

	// Stage 1: planning.
	plan := p.planner.Plan(ctx, req.QueryText, req.EntityContext)
	p.emit(req.RequestID, streaming.TypePlanningComplete, "query plan ready", map[string]any{
		"strategy":    plan.Strategy,
		"sub_queries": len(plan.SubQueries),
	})

	// Stage 2: retrieval fan-out.
	p.emit(req.RequestID, streaming.TypeSearching, "retrieving sources", map[string]any{
		"branches": len(plan.SubQueries),
	})
	ret, err := p.retriever.Run(ctx, plan, req.EntityContext)
	if err != nil {
		metrics.PipelineRequests.WithLabelValues("cancelled").Inc()
		return nil, fmt.Errorf("retrieval cancelled: %w", err)
	}

	// Stage 3: aggregation.
	ranked := p.agg.Aggregate(ret.Sources(), req.QueryText)
	p.emit(req.RequestID, streaming.TypeRanking, "sources ranked", map[string]any{
		"total_found":  ranked.TotalFound,
		"total_ranked": ranked.TotalRanked,
	})

	// Stage 4: reflexion gap-filling. The controller merges refinement
	// results through the aggregator, so ranked is current when the loop
	// returns.
	controller := &reflexion.Controller{
		MaxIterations:    p.opts.MaxReflexionIterations,
		MinContentLength: p.opts.MinContentLength,
		Merge: func(_, fresh []sources.Source) []sources.Source {
			ranked = p.agg.Merge(ranked, fresh, req.QueryText)
			return ranked.Sources
		},
		Logger: logger,
	}
	targetText := strings.TrimSpace(req.QueryText + " " + req.EntityContext)
	outcome := controller.Run(ctx, targetText, ranked.Sources, func(sctx context.Context, gaps []string) ([]sources.Source, error) {
		gapPlan := p.planner.PlanForGaps(sctx, req.QueryText, req.EntityContext, gaps)
		gapRet, rerr := p.retriever.Run(sctx, gapPlan, req.EntityContext)
		if rerr != nil {
			return nil, rerr
		}
		p.emit(req.RequestID, streaming.TypeReflexionIteration, "gap-filling pass", map[string]any{
			"gaps": gaps,
		})
		return gapRet.Sources(), nil
	})

	// Stage 5: answer synthesis.
	answer := p.synthesize(ctx, req, ranked.Sources, logger)

	// Stage 6: entity validation.
	var validation *identity.Result
	if p.validator != nil {
		v := p.validator.Validate(req.QueryText+" "+req.EntityContext, ranked.Sources, answer)
		validation = &v
		if len(v.FilteredSources) > 0 {
			// The diagnostics and the confidence tier mix must describe
			// the filtered set, not the pre-validation one.
			ranked.Sources = v.FilteredSources
			ranked.TotalRanked = len(ranked.Sources)
			ranked.TierCounts = sources.CountTiers(ranked.Sources)
			if ranked.TotalFound > 0 {
				ranked.DedupPercent = float64(ranked.TotalFound-ranked.TotalRanked) / float64(ranked.TotalFound)
			}
		}
	}

	// Stage 7: confidence scoring.
	flags := confidence.Flags{
		ConflictsDetected: detectIdentifierConflicts(ranked.Sources),
		VerificationPass:  validation != nil && validation.IsMatch,
	}
	score := confidence.Compute(ranked, flags, confidence.DefaultWeights())
	p.emit(req.RequestID, streaming.TypeConfidenceComputed, score.Label, map[string]any{
		"value": score.Value,
	})

	// Stage 8: citation enforcement.
	var citRes citations.Result
	if p.enforcer != nil && answer != "" {
		citRes = p.enforcer.Enforce(answer, len(ranked.Sources), req.Technical)
		answer = citRes.EnforcedText
	}

	resp := &Response{
		RequestID:  req.RequestID,
		Answer:     answer,
		Sources:    ranked.Sources,
		Confidence: score,
		Validation: validation,
		Citations:  citRes,
		Diag: Diagnostics{
			TierCounts:          ranked.TierCounts,
			DedupPercent:        ranked.DedupPercent,
			TotalFound:          ranked.TotalFound,
			TotalRanked:         ranked.TotalRanked,
			ReflexionIterations: outcome.Iterations,
			ReflexionState:      string(outcome.FinalState),
			RemainingGaps:       outcome.RemainingGaps,
			FailedBranches:      ret.Failed,
			PlanStrategy:        plan.Strategy,
			Elapsed:             time.Since(start),
		},
	}

	p.storeResponse(ctx, req, resp)

	p.emit(req.RequestID, streaming.TypeMetricsSnapshot, "run metrics", map[string]any{
		"total_found":          resp.Diag.TotalFound,
		"total_ranked":         resp.Diag.TotalRanked,
		"dedup_percent":        resp.Diag.DedupPercent,
		"failed_branches":      resp.Diag.FailedBranches,
		"reflexion_iterations": resp.Diag.ReflexionIterations,
		"elapsed_ms":           resp.Diag.Elapsed.Milliseconds(),
	})
	p.emit(req.RequestID, streaming.TypeComplete, "research complete", map[string]any{
		"confidence": score.Value,
		"sources":    len(resp.Sources),
	})

	metrics.PipelineRequests.WithLabelValues("ok").Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	metrics.SourcesRanked.Observe(float64(resp.Diag.TotalRanked))
	metrics.DedupPercent.Observe(resp.Diag.DedupPercent)

	logger.Info("pipeline complete",
		zap.Int("confidence", score.Value),
		zap.Int("sources", len(resp.Sources)),
		zap.String("reflexion_state", resp.Diag.ReflexionState),
		zap.Duration("elapsed", resp.Diag.Elapsed),
	)
	return resp, nil
}

// synthesize builds the answer text. With a completer the answer comes from
// the model grounded on numbered source excerpts; without one, or on model
// failure, an extractive fallback stitches the top sources together.
func (p *Pipeline) synthesize(ctx context.Context, req Request, srcs []sources.Source, logger *zap.Logger) string {
	if len(srcs) == 0 {
		return "No sources could be retrieved for this query."
	}

	if p.completer != nil {
		prompt := buildSynthesisPrompt(req, srcs)
		answer, err := p.completer.Complete(ctx, prompt)
		if err == nil && strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer)
		}
		logger.Warn("answer synthesis failed, using extractive fallback", zap.Error(err))
	}
	return extractiveAnswer(srcs)
}

func buildSynthesisPrompt(req Request, srcs []sources.Source) string {
	var sb strings.Builder
	sb.WriteString("You are a maritime research analyst. Answer the request using ONLY the numbered sources below. Cite claims with bracketed source indices like [1].\n\n")
	sb.WriteString(fmt.Sprintf("## Request:\n%s\n", req.QueryText))
	if req.EntityContext != "" {
		sb.WriteString(fmt.Sprintf("Entity context: %s\n", req.EntityContext))
	}
	sb.WriteString("\n## Sources:\n")
	for i, s := range srcs {
		content := s.Content
		if len(content) > 1200 {
			content = content[:1200] + "...[truncated]"
		}
		sb.WriteString(fmt.Sprintf("[%d] %s (%s)\n%s\n\n", i+1, s.Title, s.URL, content))
	}
	return sb.String()
}

// extractiveAnswer concatenates lead sentences from the top sources so a
// degraded run still returns citable text.
func extractiveAnswer(srcs []sources.Source) string {
	var sb strings.Builder
	limit := 3
	if len(srcs) < limit {
		limit = len(srcs)
	}
	for i := 0; i < limit; i++ {
		sentence := firstSentence(srcs[i].Content)
		if sentence == "" {
			continue
		}
		sb.WriteString(sentence)
		sb.WriteString(fmt.Sprintf(" [%d] ", i+1))
	}
	return strings.TrimSpace(sb.String())
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if idx := strings.IndexAny(content, ".!?"); idx != -1 && idx < 400 {
		return content[:idx+1]
	}
	if len(content) > 400 {
		return content[:400]
	}
	return content
}

// detectIdentifierConflicts reports whether sources disagree on the primary
// identifier: two or more distinct IMO numbers is a conflict.
func detectIdentifierConflicts(srcs []sources.Source) bool {
	seen := ""
	for _, s := range srcs {
		imo := identity.ExtractIMO(s.Content)
		if imo == "" {
			continue
		}
		if seen == "" {
			seen = imo
			continue
		}
		if imo != seen {
			return true
		}
	}
	return false
}

func (p *Pipeline) cachedResponse(ctx context.Context, req Request, start time.Time) *Response {
	if p.store == nil || p.opts.CacheTTL <= 0 {
		return nil
	}
	entry := p.store.Get(ctx, requestKey(req))
	if entry == nil {
		return nil
	}

	// Confidence and validation are pure over the cached sources, so a
	// hit recomputes them rather than trusting stale copies.
	ranked := p.agg.Aggregate(entry.Sources, req.QueryText)
	var validation *identity.Result
	if p.validator != nil {
		v := p.validator.Validate(req.QueryText+" "+req.EntityContext, ranked.Sources, entry.Answer)
		validation = &v
	}
	flags := confidence.Flags{
		ConflictsDetected: detectIdentifierConflicts(ranked.Sources),
		VerificationPass:  validation != nil && validation.IsMatch,
	}
	score := confidence.Compute(ranked, flags, confidence.DefaultWeights())

	return &Response{
		RequestID:  req.RequestID,
		Answer:     entry.Answer,
		Sources:    ranked.Sources,
		Confidence: score,
		Validation: validation,
		Diag: Diagnostics{
			TierCounts:   ranked.TierCounts,
			DedupPercent: ranked.DedupPercent,
			TotalFound:   ranked.TotalFound,
			TotalRanked:  ranked.TotalRanked,
			FromCache:    true,
			Elapsed:      time.Since(start),
		},
	}
}

func (p *Pipeline) storeResponse(ctx context.Context, req Request, resp *Response) {
	if p.store == nil || p.opts.CacheTTL <= 0 {
		return
	}
	p.store.Put(ctx, requestKey(req), &cache.Entry{
		Sources:    resp.Sources,
		Answer:     resp.Answer,
		CreatedAt:  time.Now(),
		TTLSeconds: int(p.opts.CacheTTL.Seconds()),
	}, p.opts.CacheTTL)
}

func requestKey(req Request) string {
	return cache.Key("request:"+req.QueryText, req.EntityContext)
}

func (p *Pipeline) emit(requestID, eventType, message string, fields map[string]any) {
	p.sink.Emit(requestID, streaming.Event{
		RequestID: requestID,
		Type:      eventType,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	})
}
