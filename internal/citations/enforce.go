package citations

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/metrics"
)

// Policy controls how many citations the enforcer requires.
type Policy struct {
	// StandardMinimum applies to normal answers; TechnicalMinimum applies
	// when the answer is in technical-depth mode.
	StandardMinimum  int `mapstructure:"standard_minimum" yaml:"standard_minimum"`
	TechnicalMinimum int `mapstructure:"technical_minimum" yaml:"technical_minimum"`
	// MaxCandidates caps the number of factual spans considered per answer.
	MaxCandidates int `mapstructure:"max_candidates" yaml:"max_candidates"`
}

// DefaultPolicy returns the observed citation policy.
func DefaultPolicy() Policy {
	return Policy{StandardMinimum: 3, TechnicalMinimum: 5, MaxCandidates: 20}
}

// Result reports what enforcement did. CitationsFound is never reduced and
// original markers are never removed or renumbered.
type Result struct {
	EnforcedText      string   `json:"enforced_text"`
	CitationsFound    int      `json:"citations_found"`
	CitationsAdded    int      `json:"citations_added"`
	CitationsRequired int      `json:"citations_required"`
	WasEnforced       bool     `json:"was_enforced"`
	PlacementWarnings []string `json:"placement_warnings,omitempty"`
}

// Enforcer guarantees a minimum citation density on generated answer text.
// The rule table is swapped atomically: SetRules runs on the hot-reload
// watcher goroutine while request goroutines are inside Enforce.
type Enforcer struct {
	rules  atomic.Pointer[RuleTable]
	policy Policy
	logger *zap.Logger
}

// NewEnforcer creates an enforcer. A nil rule table uses the compiled-in
// default.
func NewEnforcer(rules *RuleTable, policy Policy, logger *zap.Logger) *Enforcer {
	if rules == nil {
		rules = DefaultRuleTable()
	}
	if policy.StandardMinimum <= 0 {
		policy = DefaultPolicy()
	}
	if policy.MaxCandidates <= 0 {
		policy.MaxCandidates = DefaultPolicy().MaxCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enforcer{policy: policy, logger: logger}
	e.rules.Store(rules)
	return e
}

// SetRules swaps the detection rule table (hot reload path).
func (e *Enforcer) SetRules(rules *RuleTable) {
	if rules != nil {
		e.rules.Store(rules)
	}
}

// Enforce checks the answer's citation count against the policy and injects
// markers after detected factual statements when the count falls short.
// Every injected index lies in [1, sourceCount].
func (e *Enforcer) Enforce(text string, sourceCount int, technical bool) Result {
	required := e.policy.StandardMinimum
	if technical {
		required = e.policy.TechnicalMinimum
	}
	if sourceCount < required {
		required = sourceCount
	}

	existing := CountMarkers(text)
	res := Result{
		EnforcedText:      text,
		CitationsFound:    existing,
		CitationsRequired: required,
	}
	if sourceCount == 0 || text == "" || existing >= required {
		return res
	}

	needed := required - existing
	spans := e.rules.Load().findSpans(text, e.policy.MaxCandidates)

	// Keep only spans not already followed by a citation marker.
	uncited := spans[:0]
	for _, s := range spans {
		if !citedAt(text, s.end) {
			uncited = append(uncited, s)
		}
	}
	if len(uncited) > needed {
		uncited = uncited[:needed]
	}

	if len(uncited) == 0 {
		return e.paragraphFallback(text, needed, sourceCount, res)
	}

	// Assign round-robin source indices in document order, then insert back
	// to front so earlier offsets stay valid.
	indices := make([]int, len(uncited))
	for i := range uncited {
		indices[i] = i%sourceCount + 1
	}
	order := make([]int, len(uncited))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return uncited[order[a]].start > uncited[order[b]].start })

	out := text
	for _, i := range order {
		s := uncited[i]
		out = out[:s.end] + fmt.Sprintf("[%d]", indices[i]) + out[s.end:]
	}

	res.EnforcedText = out
	res.CitationsAdded = len(uncited)
	res.WasEnforced = true
	metrics.CitationsInjected.Add(float64(len(uncited)))
	e.logger.Debug("citations injected",
		zap.Int("added", len(uncited)),
		zap.Int("found", existing),
		zap.Int("required", required),
	)
	return res
}

// paragraphFallback appends one citation to the end of each of the first N
// paragraphs when no factual spans were found. If no paragraph offers a safe
// insertion point the original text is returned unmodified.
func (e *Enforcer) paragraphFallback(text string, needed, sourceCount int, res Result) Result {
	paragraphs := strings.Split(text, "\n\n")
	added := 0
	for i := range paragraphs {
		if added >= needed {
			break
		}
		p := strings.TrimRight(paragraphs[i], " \t\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		paragraphs[i] = p + fmt.Sprintf(" [%d]", added%sourceCount+1)
		added++
	}
	if added == 0 {
		return res
	}
	res.EnforcedText = strings.Join(paragraphs, "\n\n")
	res.CitationsAdded = added
	res.WasEnforced = true
	metrics.CitationsInjected.Add(float64(added))
	return res
}

// CountMarkers counts citation markers in text.
func CountMarkers(text string) int {
	return len(citationMarkerPattern.FindAllString(text, -1))
}

// UsedIndices returns the unique citation indices present in text, in first-
// appearance order.
func UsedIndices(text string) []int {
	matches := citationMarkerPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[int]bool)
	var used []int
	for _, m := range matches {
		n, _ := strconv.Atoi(m[1])
		if !seen[n] {
			seen[n] = true
			used = append(used, n)
		}
	}
	return used
}

// InvalidIndices returns citation indices outside [1, sourceCount].
func InvalidIndices(text string, sourceCount int) []int {
	var invalid []int
	seen := make(map[int]bool)
	for _, m := range citationMarkerPattern.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if (n < 1 || n > sourceCount) && !seen[n] {
			invalid = append(invalid, n)
			seen[n] = true
		}
	}
	return invalid
}

// StripInvalid removes citations whose index is out of range. Used on text
// arriving from the answer synthesizer, never on the enforcer's own output.
func StripInvalid(text string, sourceCount int) string {
	out := text
	for _, n := range InvalidIndices(text, sourceCount) {
		pattern := regexp.MustCompile(fmt.Sprintf(`\s*\[%d\](?:\([^)\s]+\))?`, n))
		out = pattern.ReplaceAllString(out, "")
	}
	return out
}

// PlacementWarnings flags citation markers in odd positions: inside a word or
// at the very start of the text. Non-blocking diagnostics only.
func PlacementWarnings(text string) []string {
	var warnings []string
	for _, loc := range citationMarkerPattern.FindAllStringIndex(text, -1) {
		start := loc[0]
		if start == 0 {
			warnings = append(warnings, "citation at very start of text")
			continue
		}
		if isAlphanumeric(text[start-1]) {
			warnings = append(warnings, fmt.Sprintf("citation inside word at position %d", start))
		}
	}
	return warnings
}

func citedAt(text string, pos int) bool {
	rest := text[pos:]
	trimmed := strings.TrimLeft(rest, " ")
	return citationMarkerPattern.FindStringIndex(trimmed) != nil &&
		citationMarkerPattern.FindStringIndex(trimmed)[0] == 0
}

func isAlphanumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
