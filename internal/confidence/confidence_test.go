package confidence

import (
	"testing"

	"github.com/fathomhq/fathom/internal/sources"
)

func rankedSet(n int, counts sources.TierCounts) sources.Ranked {
	srcs := make([]sources.Source, n)
	for i := range srcs {
		srcs[i] = sources.Source{URL: "https://example.com/x", Content: "c"}
	}
	return sources.Ranked{Sources: srcs, TierCounts: counts}
}

func TestComputeBounds(t *testing.T) {
	w := DefaultWeights()

	// Worst case: no sources, conflicts, unverified.
	low := Compute(sources.Ranked{}, Flags{ConflictsDetected: true}, w)
	if low.Value < 0 || low.Value > 100 {
		t.Fatalf("score %d out of [0,100]", low.Value)
	}

	// Best case: many authoritative sources, clean, verified.
	high := Compute(rankedSet(6, sources.TierCounts{T1: 6}), Flags{VerificationPass: true}, w)
	if high.Value < 0 || high.Value > 100 {
		t.Fatalf("score %d out of [0,100]", high.Value)
	}
	if high.Value <= low.Value {
		t.Errorf("best case %d should beat worst case %d", high.Value, low.Value)
	}
}

func TestComputeAdjustments(t *testing.T) {
	w := DefaultWeights()
	tests := []struct {
		name  string
		rank  sources.Ranked
		flags Flags
		want  int
	}{
		{
			// 50 +5 (many) +10 (auth mix) +5 (no conflict) +5 (verified) = 75
			"many authoritative verified",
			rankedSet(5, sources.TierCounts{T1: 4, T2: 1}),
			Flags{VerificationPass: true},
			75,
		},
		{
			// 50 -10 (few) -15 (low mix) +5 (no conflict) -10 (unverified) = 20
			"few low-quality unverified",
			rankedSet(2, sources.TierCounts{T3: 2}),
			Flags{},
			20,
		},
		{
			// 50 -20 (none) -15 (low mix) +5 (no conflict) -10 (unverified) = 10
			"no sources",
			sources.Ranked{},
			Flags{},
			10,
		},
		{
			// 50 +0 (3 sources) +5 (standard mix) -25 (conflict) -10 (unverified) = 20
			"conflict penalty",
			rankedSet(3, sources.TierCounts{T1: 1, T2: 2}),
			Flags{ConflictsDetected: true},
			20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.rank, tt.flags, w)
			if got.Value != tt.want {
				t.Errorf("score = %d, want %d (trail: %v)", got.Value, tt.want, got.ReasoningTrail)
			}
		})
	}
}

func TestComputeLabels(t *testing.T) {
	w := DefaultWeights()
	tests := []struct {
		name  string
		rank  sources.Ranked
		flags Flags
		label string
	}{
		{"unverified floor", sources.Ranked{}, Flags{ConflictsDetected: true}, "unverified"},
		// 50 +5 +10 +5 +5 = 75
		{"high likely", rankedSet(5, sources.TierCounts{T1: 4, T2: 1}), Flags{VerificationPass: true}, "high/likely"},
		// 50 +0 +5 +5 +5 = 65
		{"medium likely", rankedSet(3, sources.TierCounts{T1: 1, T2: 2}), Flags{VerificationPass: true}, "medium/likely"},
		// 50 +0 -15 +5 -10 = 30
		{"low uncertain", rankedSet(3, sources.TierCounts{T3: 3}), Flags{}, "low/uncertain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.rank, tt.flags, w)
			if got.Label != tt.label {
				t.Errorf("label = %q (score %d), want %q", got.Label, got.Value, tt.label)
			}
		})
	}
}

func TestComputeConflictWarning(t *testing.T) {
	w := DefaultWeights()
	clean := Compute(rankedSet(5, sources.TierCounts{T1: 5}), Flags{VerificationPass: true}, w)
	if clean.Warning != "" {
		t.Errorf("unexpected warning %q on clean result", clean.Warning)
	}

	custom := w
	custom.ConflictPenalty = -5
	// 50 +5 +10 -5 +5 = 65 -> medium band with conflict flag set.
	conflicted := Compute(rankedSet(5, sources.TierCounts{T1: 5}), Flags{ConflictsDetected: true, VerificationPass: true}, custom)
	if conflicted.Value < 50 || conflicted.Value >= 70 {
		t.Fatalf("score %d not in medium band, test setup wrong", conflicted.Value)
	}
	if conflicted.Warning == "" {
		t.Error("expected conflict warning in medium band")
	}
}

func TestComputeDeterministic(t *testing.T) {
	w := DefaultWeights()
	rank := rankedSet(4, sources.TierCounts{T1: 2, T2: 1, T3: 1})
	a := Compute(rank, Flags{VerificationPass: true}, w)
	b := Compute(rank, Flags{VerificationPass: true}, w)
	if a.Value != b.Value || a.Label != b.Label {
		t.Errorf("same inputs produced %v then %v", a, b)
	}
}

func TestComputeTrailExplainsScore(t *testing.T) {
	got := Compute(rankedSet(5, sources.TierCounts{T1: 5}), Flags{VerificationPass: true}, DefaultWeights())
	if len(got.ReasoningTrail) < 4 {
		t.Errorf("reasoning trail too short: %v", got.ReasoningTrail)
	}
}
