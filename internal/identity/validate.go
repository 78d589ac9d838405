package identity

import (
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/sources"
)

// Thresholds are the matching-rule confidence ceilings. A weaker signal can
// never outrank a stronger one; the ceilings enforce that ordering.
type Thresholds struct {
	// Primary identifier (IMO) rules.
	PrimaryStrong   float64 `mapstructure:"primary_strong" yaml:"primary_strong"`     // >=3 sources, >=2 authoritative
	PrimaryMultiple float64 `mapstructure:"primary_multiple" yaml:"primary_multiple"` // >=2 matches
	PrimaryAuthOnly float64 `mapstructure:"primary_auth_only" yaml:"primary_auth_only"`
	PrimarySingle   float64 `mapstructure:"primary_single" yaml:"primary_single"`

	// Secondary identifiers (MMSI, call sign).
	SecondaryStrong   float64 `mapstructure:"secondary_strong" yaml:"secondary_strong"`
	SecondaryMultiple float64 `mapstructure:"secondary_multiple" yaml:"secondary_multiple"`
	SecondarySingle   float64 `mapstructure:"secondary_single" yaml:"secondary_single"`

	// Name-only matching.
	NameMultiple float64 `mapstructure:"name_multiple" yaml:"name_multiple"`
	NameSingle   float64 `mapstructure:"name_single" yaml:"name_single"`

	// MatchCutoff is the minimum confidence for IsMatch.
	MatchCutoff float64 `mapstructure:"match_cutoff" yaml:"match_cutoff"`
}

// DefaultThresholds returns the observed matching constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PrimaryStrong:     0.95,
		PrimaryMultiple:   0.85,
		PrimaryAuthOnly:   0.70,
		PrimarySingle:     0.60,
		SecondaryStrong:   0.80,
		SecondaryMultiple: 0.65,
		SecondarySingle:   0.55,
		NameMultiple:      0.65,
		NameSingle:        0.55,
		MatchCutoff:       0.70,
	}
}

// Result is the outcome of entity validation.
type Result struct {
	IsMatch         bool                    `json:"is_match"`
	Confidence      float64                 `json:"confidence"`
	MatchedBy       map[IdentifierKind]bool `json:"matched_by"`
	Target          Identifiers             `json:"target"`
	FilteredSources []sources.Source        `json:"-"`
}

// Validator confirms aggregated sources refer to the entity in the query.
type Validator struct {
	thresholds Thresholds
	logger     *zap.Logger
}

// NewValidator creates a validator. A zero Thresholds falls back to defaults.
func NewValidator(t Thresholds, logger *zap.Logger) *Validator {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{thresholds: t, logger: logger}
}

// matchEvidence tallies per-kind matches across sources.
type matchEvidence struct {
	total         int
	authoritative int
}

// Validate extracts the target identifiers from the query and matches them
// against each source (and the optional synthesized answer, counted as one
// non-authoritative item). The strongest rule wins; the rules never sum.
//
// Ambiguous or absent extraction is never an error: it degrades to a
// non-match with confidence 0 and the original source set.
func (v *Validator) Validate(query string, srcs []sources.Source, answer string) Result {
	target := Extract(query)
	res := Result{
		Target:          target,
		MatchedBy:       make(map[IdentifierKind]bool),
		FilteredSources: srcs,
	}
	if target.Empty() {
		v.logger.Debug("no target identifiers extracted; treating as non-match")
		return res
	}

	evidence := map[IdentifierKind]*matchEvidence{
		KindIMO:      {},
		KindMMSI:     {},
		KindCallSign: {},
		KindName:     {},
	}
	var matched []sources.Source

	for _, s := range srcs {
		ids := Extract(s.Title + "\n" + s.Content)
		kinds := matchKinds(target, ids)
		if len(kinds) == 0 {
			continue
		}
		authoritative := sources.CategorizeURL(s.URL) == sources.TierAuthoritative
		for _, k := range kinds {
			ev := evidence[k]
			ev.total++
			if authoritative {
				ev.authoritative++
			}
			res.MatchedBy[k] = true
		}
		matched = append(matched, s)
	}

	if answer != "" {
		for _, k := range matchKinds(target, Extract(answer)) {
			evidence[k].total++
			res.MatchedBy[k] = true
		}
	}

	t := v.thresholds
	conf := 0.0

	// Primary identifier: the registry number.
	conf = maxf(conf, primaryRule(evidence[KindIMO], t))
	// Secondary identifiers share one ceiling set; evaluate each separately
	// so the strongest single family decides.
	conf = maxf(conf, secondaryRule(evidence[KindMMSI], t))
	conf = maxf(conf, secondaryRule(evidence[KindCallSign], t))
	conf = maxf(conf, nameRule(evidence[KindName], t))

	res.Confidence = conf
	res.IsMatch = conf >= t.MatchCutoff
	if len(matched) > 0 {
		res.FilteredSources = matched
	}

	v.logger.Debug("entity validation complete",
		zap.Float64("confidence", conf),
		zap.Bool("is_match", res.IsMatch),
		zap.Int("matched_sources", len(matched)),
	)
	return res
}

func primaryRule(ev *matchEvidence, t Thresholds) float64 {
	switch {
	case ev.total >= 3 && ev.authoritative >= 2:
		return t.PrimaryStrong
	case ev.total >= 2:
		return t.PrimaryMultiple
	case ev.total == 1 && ev.authoritative == 1:
		return t.PrimaryAuthOnly
	case ev.total == 1:
		return t.PrimarySingle
	}
	return 0
}

func secondaryRule(ev *matchEvidence, t Thresholds) float64 {
	switch {
	case ev.total >= 3 && ev.authoritative >= 2:
		return t.SecondaryStrong
	case ev.total >= 2 || ev.authoritative == 1:
		return t.SecondaryMultiple
	case ev.total == 1:
		return t.SecondarySingle
	}
	return 0
}

func nameRule(ev *matchEvidence, t Thresholds) float64 {
	switch {
	case ev.total >= 2:
		return t.NameMultiple
	case ev.total == 1:
		return t.NameSingle
	}
	return 0
}

// matchKinds lists identifier families on which target and candidate agree.
func matchKinds(target, candidate Identifiers) []IdentifierKind {
	var kinds []IdentifierKind
	if target.IMO != "" && target.IMO == candidate.IMO {
		kinds = append(kinds, KindIMO)
	}
	if target.MMSI != "" && target.MMSI == candidate.MMSI {
		kinds = append(kinds, KindMMSI)
	}
	if target.CallSign != "" && target.CallSign == candidate.CallSign {
		kinds = append(kinds, KindCallSign)
	}
	if target.Name != "" && candidate.Name != "" &&
		normalizeName(target.Name) == normalizeName(candidate.Name) {
		kinds = append(kinds, KindName)
	}
	return kinds
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
