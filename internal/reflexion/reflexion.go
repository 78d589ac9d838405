// Package reflexion evaluates coverage of ranked sources against the
// research request and drives bounded gap-filling iterations. The loop is
// a small state machine with hard termination guarantees: an iteration
// cap, a stagnation guard, and a novelty requirement.
package reflexion

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/identity"
	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/sources"
)

// State is a phase of the reflexion loop.
type State string

const (
	StateEvaluating State = "evaluating"
	StateRefining   State = "refining"
	StateConverged  State = "converged"
	StateAborted    State = "aborted"
)

// Coverage gap names, used as keys into the follow-up query templates.
const (
	GapRegistrySource  = "registry_source"
	GapIdentifierMatch = "identifier_match"
	GapOwnerMention    = "owner_mention"
)

// DefaultMaxIterations caps refinement rounds per request.
const DefaultMaxIterations = 2

// Evaluation is the outcome of one coverage check.
type Evaluation struct {
	Gaps []string
}

// Covered reports whether no gaps remain.
func (e Evaluation) Covered() bool { return len(e.Gaps) == 0 }

// Evaluate inspects ranked sources for the three coverage dimensions:
// at least one authoritative registry-class source, at least one source
// whose vessel identifier agrees with the target, and at least one
// ownership or management mention. When the query named no identifiers,
// any extracted identifier satisfies the identifier check.
func Evaluate(target identity.Identifiers, srcs []sources.Source) Evaluation {
	var hasRegistry, hasIdentifier, hasOwner bool
	for _, s := range srcs {
		if !hasRegistry && sources.CategorizeURL(s.URL) == sources.TierAuthoritative {
			hasRegistry = true
		}
		if !hasIdentifier && identifierSatisfies(target, identity.Extract(s.Content)) {
			hasIdentifier = true
		}
		if !hasOwner && mentionsOwnership(s.Content) {
			hasOwner = true
		}
		if hasRegistry && hasIdentifier && hasOwner {
			break
		}
	}

	var gaps []string
	if !hasRegistry {
		gaps = append(gaps, GapRegistrySource)
	}
	if !hasIdentifier {
		gaps = append(gaps, GapIdentifierMatch)
	}
	if !hasOwner {
		gaps = append(gaps, GapOwnerMention)
	}
	return Evaluation{Gaps: gaps}
}

// identifierSatisfies decides the identifier_match coverage check. A source
// describing a different vessel's identifiers never closes the gap.
func identifierSatisfies(target, found identity.Identifiers) bool {
	if target.IMO == "" && target.MMSI == "" && target.CallSign == "" {
		return found.IMO != "" || found.MMSI != "" || found.CallSign != ""
	}
	return (target.IMO != "" && found.IMO == target.IMO) ||
		(target.MMSI != "" && found.MMSI == target.MMSI) ||
		(target.CallSign != "" && found.CallSign == target.CallSign)
}

var ownershipTerms = []string{"owner", "operator", "manager", "management", "managed by", "operated by"}

func mentionsOwnership(content string) bool {
	lower := strings.ToLower(content)
	for _, term := range ownershipTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Snapshot feeds the transition function.
type Snapshot struct {
	Iteration     int
	MaxIterations int
	GapCount      int
	LastGapCount  int // -1 before the first refinement
	NovelSources  int
}

// Transition decides the next state. The rules, in order: full coverage
// converges; the iteration cap aborts; a refinement that produced no novel
// sources aborts; a refinement that did not shrink the gap set aborts;
// otherwise another refinement runs.
func Transition(s Snapshot) State {
	if s.GapCount == 0 {
		return StateConverged
	}
	if s.Iteration >= s.MaxIterations {
		return StateAborted
	}
	if s.LastGapCount >= 0 {
		if s.NovelSources == 0 {
			return StateAborted
		}
		if s.GapCount >= s.LastGapCount {
			return StateAborted
		}
	}
	return StateRefining
}

// SearchFn retrieves additional sources for the named gaps. The controller
// injects it so it stays decoupled from the planner and retriever.
type SearchFn func(ctx context.Context, gaps []string) ([]sources.Source, error)

// Controller drives the refinement loop.
type Controller struct {
	MaxIterations int
	// MinContentLength filters out stub results during refinement.
	// Zero means 80 characters.
	MinContentLength int
	// Merge folds filtered refinement results into the working set and
	// returns whatever survives; the caller's aggregator applies its
	// per-domain caps and truncation here so novelty is only credited to
	// sources that survive re-aggregation. Nil falls back to a plain
	// append.
	Merge  func(working, fresh []sources.Source) []sources.Source
	Logger *zap.Logger
}

// Outcome summarizes a finished loop.
type Outcome struct {
	FinalState State
	Iterations int
	// Added holds novel sources accumulated across refinements, already
	// relevance-filtered. The caller merges them into its ranked set.
	Added []sources.Source
	// RemainingGaps is the gap set at termination.
	RemainingGaps []string
}

// Run evaluates coverage and refines until convergence, abort, or the
// iteration cap. It never fails the request: search errors during a
// refinement terminate the loop with whatever was gathered.
func (c *Controller) Run(ctx context.Context, queryText string, ranked []sources.Source, searchFn SearchFn) Outcome {
	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	minLen := c.MinContentLength
	if minLen <= 0 {
		minLen = 80
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	target := identity.Extract(queryText)

	seen := make(map[string]bool, len(ranked))
	for _, s := range ranked {
		seen[sources.CanonicalURL(s.URL)] = true
	}

	working := ranked
	outcome := Outcome{}
	lastGapCount := -1

	for {
		eval := Evaluate(target, working)
		snap := Snapshot{
			Iteration:     outcome.Iterations,
			MaxIterations: maxIter,
			GapCount:      len(eval.Gaps),
			LastGapCount:  lastGapCount,
			NovelSources:  0,
		}
		// Novelty from the previous refinement is folded in before the
		// transition so a fruitless round stops the loop.
		if lastGapCount >= 0 {
			snap.NovelSources = len(outcome.Added)
		}

		state := Transition(snap)
		outcome.FinalState = state
		outcome.RemainingGaps = eval.Gaps

		if state != StateRefining {
			break
		}

		found, err := searchFn(ctx, eval.Gaps)
		if err != nil {
			logger.Warn("refinement search failed, finishing with current sources",
				zap.Strings("gaps", eval.Gaps),
				zap.Error(err))
			outcome.FinalState = StateAborted
			break
		}

		var fresh []sources.Source
		for _, s := range found {
			if len(s.Content) < minLen {
				continue
			}
			if !relevantTo(queryText, s) {
				continue
			}
			if seen[sources.CanonicalURL(s.URL)] {
				continue
			}
			fresh = append(fresh, s)
		}

		var absorbed []sources.Source
		switch {
		case len(fresh) == 0:
			absorbed = working
		case c.Merge != nil:
			absorbed = c.Merge(working, fresh)
		default:
			absorbed = append(append([]sources.Source(nil), working...), fresh...)
		}

		// Novelty is credited only to sources still present after the
		// merge; a candidate dropped by per-domain caps or truncation
		// is not progress.
		novel := 0
		next := make(map[string]bool, len(absorbed))
		for _, s := range absorbed {
			key := sources.CanonicalURL(s.URL)
			if !next[key] && !seen[key] {
				outcome.Added = append(outcome.Added, s)
				novel++
			}
			next[key] = true
		}
		seen = next
		working = absorbed

		lastGapCount = snap.GapCount
		outcome.Iterations++

		logger.Info("refinement iteration complete",
			zap.Int("iteration", outcome.Iterations),
			zap.Int("novel_sources", novel),
			zap.Strings("gaps", eval.Gaps))

		if novel == 0 {
			// Transition would catch this next pass, but there is no
			// point re-evaluating an unchanged working set.
			outcome.FinalState = StateAborted
			outcome.RemainingGaps = eval.Gaps
			break
		}
	}

	metrics.ReflexionIterations.Observe(float64(outcome.Iterations))
	metrics.ReflexionOutcomes.WithLabelValues(string(outcome.FinalState)).Inc()
	return outcome
}

// maritime terms that anchor relevance during refinement; generic web
// results without any of them are discarded.
var relevanceTerms = []string{
	"vessel", "ship", "imo", "mmsi", "tonnage", "flag", "maritime",
	"port", "cargo", "tanker", "carrier", "fleet", "hull", "dwt",
}

func relevantTo(queryText string, s sources.Source) bool {
	haystack := strings.ToLower(s.Title + " " + s.Content)
	for _, term := range strings.Fields(strings.ToLower(queryText)) {
		if len(term) > 3 && strings.Contains(haystack, term) {
			return true
		}
	}
	for _, term := range relevanceTerms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}
