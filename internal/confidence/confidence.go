// Package confidence derives a 0-100 evidentiary-strength score and label
// from a ranked source set. Scoring is pure: identical inputs always produce
// identical output.
package confidence

import (
	"fmt"

	"github.com/fathomhq/fathom/internal/sources"
)

// Weights are the named scoring adjustments. Empirically chosen constants,
// overridable via configuration.
type Weights struct {
	Base int `mapstructure:"base" yaml:"base"`

	ManySources int `mapstructure:"many_sources" yaml:"many_sources"` // >= 5 sources
	FewSources  int `mapstructure:"few_sources" yaml:"few_sources"`   // 1-2 sources
	NoSources   int `mapstructure:"no_sources" yaml:"no_sources"`     // 0 sources

	AuthoritativeMix int `mapstructure:"authoritative_mix" yaml:"authoritative_mix"`
	StandardMix      int `mapstructure:"standard_mix" yaml:"standard_mix"`
	LowQualityMix    int `mapstructure:"low_quality_mix" yaml:"low_quality_mix"`

	ConflictPenalty int `mapstructure:"conflict_penalty" yaml:"conflict_penalty"`
	NoConflictBonus int `mapstructure:"no_conflict_bonus" yaml:"no_conflict_bonus"`

	VerifiedBonus      int `mapstructure:"verified_bonus" yaml:"verified_bonus"`
	UnverifiedPenalty  int `mapstructure:"unverified_penalty" yaml:"unverified_penalty"`
}

// DefaultWeights returns the observed scoring constants.
func DefaultWeights() Weights {
	return Weights{
		Base:              50,
		ManySources:       5,
		FewSources:        -10,
		NoSources:         -20,
		AuthoritativeMix:  10,
		StandardMix:       5,
		LowQualityMix:     -15,
		ConflictPenalty:   -25,
		NoConflictBonus:   5,
		VerifiedBonus:     5,
		UnverifiedPenalty: -10,
	}
}

// Flags are the optional conflict/verification signals.
type Flags struct {
	ConflictsDetected bool
	VerificationPass  bool
}

// Score is the derived confidence for a ranked source set.
type Score struct {
	Value          int      `json:"score"`
	Label          string   `json:"label"`
	Warning        string   `json:"warning,omitempty"`
	ReasoningTrail []string `json:"reasoning_trail"`
}

// Compute scores a ranked source set with the given flags.
func Compute(ranked sources.Ranked, flags Flags, w Weights) Score {
	score := w.Base
	trail := []string{fmt.Sprintf("base score %d", w.Base)}

	n := len(ranked.Sources)
	switch {
	case n >= 5:
		score += w.ManySources
		trail = append(trail, fmt.Sprintf("%d sources: %+d", n, w.ManySources))
	case n >= 3:
		trail = append(trail, fmt.Sprintf("%d sources: +0", n))
	case n >= 1:
		score += w.FewSources
		trail = append(trail, fmt.Sprintf("%d sources: %+d", n, w.FewSources))
	default:
		score += w.NoSources
		trail = append(trail, fmt.Sprintf("no sources: %+d", w.NoSources))
	}

	switch tierMix(ranked.TierCounts) {
	case mixAuthoritative:
		score += w.AuthoritativeMix
		trail = append(trail, fmt.Sprintf("authoritative-majority tier mix: %+d", w.AuthoritativeMix))
	case mixStandard:
		score += w.StandardMix
		trail = append(trail, fmt.Sprintf("standard tier mix: %+d", w.StandardMix))
	default:
		score += w.LowQualityMix
		trail = append(trail, fmt.Sprintf("low-quality tier mix: %+d", w.LowQualityMix))
	}

	if flags.ConflictsDetected {
		score += w.ConflictPenalty
		trail = append(trail, fmt.Sprintf("conflicting information: %+d", w.ConflictPenalty))
	} else {
		score += w.NoConflictBonus
		trail = append(trail, fmt.Sprintf("no conflicts: %+d", w.NoConflictBonus))
	}

	if flags.VerificationPass {
		score += w.VerifiedBonus
		trail = append(trail, fmt.Sprintf("verification passed: %+d", w.VerifiedBonus))
	} else {
		score += w.UnverifiedPenalty
		trail = append(trail, fmt.Sprintf("verification incomplete: %+d", w.UnverifiedPenalty))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	out := Score{Value: score, ReasoningTrail: trail}
	switch {
	case score >= 85:
		out.Label = "high/verified"
	case score >= 70:
		out.Label = "high/likely"
	case score >= 50:
		out.Label = "medium/likely"
		if flags.ConflictsDetected {
			out.Warning = "conflicting information detected among sources"
		}
	case score >= 30:
		out.Label = "low/uncertain"
	default:
		out.Label = "unverified"
	}
	return out
}

type mix int

const (
	mixAuthoritative mix = iota
	mixStandard
	mixLowQuality
)

// tierMix classifies the tier distribution: authoritative when T1 carries the
// set, low-quality when T3 dominates, standard otherwise.
func tierMix(c sources.TierCounts) mix {
	total := c.T1 + c.T2 + c.T3
	if total == 0 {
		return mixLowQuality
	}
	if c.T1*2 >= total && c.T1 > 0 {
		return mixAuthoritative
	}
	if c.T3*2 > total {
		return mixLowQuality
	}
	return mixStandard
}
