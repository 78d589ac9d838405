package sources

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// RankWeights are the named components of the composite rank score.
// Empirically chosen; overridable via configuration, never inferred.
type RankWeights struct {
	Relevance    float64 `mapstructure:"relevance" yaml:"relevance"`
	Tier         float64 `mapstructure:"tier" yaml:"tier"`
	Intelligence float64 `mapstructure:"intelligence" yaml:"intelligence"`
}

// DefaultRankWeights returns the default composite score weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{Relevance: 0.5, Tier: 0.35, Intelligence: 0.15}
}

// AggregateOptions control deduplication and ranking.
type AggregateOptions struct {
	MaxRanked    int
	MaxPerDomain int
	Weights      RankWeights
}

// DefaultAggregateOptions returns the default aggregation limits.
func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{
		MaxRanked:    15,
		MaxPerDomain: 3,
		Weights:      DefaultRankWeights(),
	}
}

// TierCounts is the per-tier diagnostic breakdown of a ranked set.
type TierCounts struct {
	T1 int `json:"T1"`
	T2 int `json:"T2"`
	T3 int `json:"T3"`
}

// Ranked is the output of aggregation: a deduplicated, tiered, score-ordered
// source sequence plus diagnostics.
type Ranked struct {
	Sources      []Source   `json:"sources"`
	TierCounts   TierCounts `json:"tier_counts"`
	TotalFound   int        `json:"total_found"`
	TotalRanked  int        `json:"total_ranked"`
	DedupPercent float64    `json:"dedup_percent"`
}

// Aggregator merges raw retrieval results into a ranked source set.
type Aggregator struct {
	opts   AggregateOptions
	logger *zap.Logger
}

// NewAggregator creates an aggregator with the given options.
func NewAggregator(opts AggregateOptions, logger *zap.Logger) *Aggregator {
	if opts.MaxRanked <= 0 {
		opts.MaxRanked = DefaultAggregateOptions().MaxRanked
	}
	if opts.MaxPerDomain <= 0 {
		opts.MaxPerDomain = DefaultAggregateOptions().MaxPerDomain
	}
	if opts.Weights == (RankWeights{}) {
		opts.Weights = DefaultRankWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{opts: opts, logger: logger}
}

// Aggregate deduplicates by canonical URL (keeping the richer content on
// collision), assigns tiers, computes composite scores against the query,
// sorts descending, and truncates to the configured maximum.
func (a *Aggregator) Aggregate(raw []Source, query string) Ranked {
	totalFound := len(raw)

	// Dedup by canonical URL, richer content wins.
	byURL := make(map[string]Source, len(raw))
	order := make([]string, 0, len(raw))
	for _, s := range raw {
		key := CanonicalURL(s.URL)
		if key == "" {
			continue
		}
		prev, seen := byURL[key]
		if !seen {
			byURL[key] = s
			order = append(order, key)
			continue
		}
		if len(s.Content) > len(prev.Content) {
			// Preserve any signal already attached to the kept entry.
			if s.IntelScore == 0 {
				s.IntelScore = prev.IntelScore
			}
			byURL[key] = s
		}
	}

	terms := queryTerms(query)
	merged := make([]Source, 0, len(order))
	for _, key := range order {
		s := byURL[key]
		s.Tier = CategorizeURL(s.URL)
		s.RankScore = a.compositeScore(s, terms)
		merged = append(merged, s)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RankScore > merged[j].RankScore
	})

	// Per-domain cap, applied in rank order so the best entries survive.
	domainCounts := make(map[string]int)
	capped := merged[:0]
	for _, s := range merged {
		d := Domain(s.URL)
		if domainCounts[d] >= a.opts.MaxPerDomain {
			continue
		}
		domainCounts[d]++
		capped = append(capped, s)
	}

	if len(capped) > a.opts.MaxRanked {
		capped = capped[:a.opts.MaxRanked]
	}

	counts := CountTiers(capped)

	dedupPercent := 0.0
	if totalFound > 0 {
		dedupPercent = float64(totalFound-len(capped)) / float64(totalFound)
	}

	a.logger.Debug("aggregated sources",
		zap.Int("total_found", totalFound),
		zap.Int("total_ranked", len(capped)),
		zap.Float64("dedup_percent", dedupPercent),
	)

	return Ranked{
		Sources:      capped,
		TierCounts:   counts,
		TotalFound:   totalFound,
		TotalRanked:  len(capped),
		DedupPercent: dedupPercent,
	}
}

// CountTiers recounts the per-tier breakdown of a source set. Callers that
// shrink a ranked set after aggregation use it to keep the diagnostics and
// the confidence tier mix describing the sources actually kept.
func CountTiers(srcs []Source) TierCounts {
	var counts TierCounts
	for _, s := range srcs {
		switch CategorizeURL(s.URL) {
		case TierAuthoritative:
			counts.T1++
		case TierIndustry:
			counts.T2++
		default:
			counts.T3++
		}
	}
	return counts
}

// Merge re-aggregates an existing ranked set with newly retrieved sources.
// Used by the reflexion loop after a refinement round.
func (a *Aggregator) Merge(prior Ranked, fresh []Source, query string) Ranked {
	combined := make([]Source, 0, len(prior.Sources)+len(fresh))
	combined = append(combined, prior.Sources...)
	combined = append(combined, fresh...)
	out := a.Aggregate(combined, query)
	// TotalFound accumulates across iterations for diagnostics.
	out.TotalFound = prior.TotalFound + len(fresh)
	if out.TotalFound > 0 {
		out.DedupPercent = float64(out.TotalFound-out.TotalRanked) / float64(out.TotalFound)
	}
	return out
}

// compositeScore combines textual relevance, tier weight, and the optional
// externally supplied intelligence signal.
func (a *Aggregator) compositeScore(s Source, terms []string) float64 {
	w := a.opts.Weights
	return w.Relevance*relevance(s, terms) + w.Tier*TierWeight(s.Tier) + w.Intelligence*clamp01(s.IntelScore)
}

// relevance scores term overlap against title and content. Title hits count
// double.
func relevance(s Source, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(s.Title)
	content := strings.ToLower(s.Content)
	score := 0.0
	for _, t := range terms {
		if strings.Contains(title, t) {
			score += 2
		} else if strings.Contains(content, t) {
			score++
		}
	}
	return clamp01(score / float64(2*len(terms)))
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"for": true, "and": true, "or": true, "is": true, "what": true,
	"who": true, "where": true, "about": true, "to": true, "with": true,
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'?.,!()`)
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
