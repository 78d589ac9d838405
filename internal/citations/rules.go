// Package citations post-processes generated answer text to guarantee a
// minimum citation density, using pattern-based factual-statement detection.
package citations

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// citationMarkerPattern matches inline citations like [1] or [2](https://...),
// with a capture group for the index. Compiled once at package level.
var citationMarkerPattern = regexp.MustCompile(`\[(\d+)\](?:\([^)\s]+\))?`)

// Category is one factual-statement pattern family. Categories are evaluated
// in table order; earlier families take precedence when spans tie.
type Category struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// RuleTable is the versioned, swappable set of factual-statement detectors.
type RuleTable struct {
	Version    int        `yaml:"version"`
	Categories []Category `yaml:"categories"`
}

// DefaultRuleTable returns the compiled-in detection rules. The ordering is
// fixed: measurements, identifiers, classification, attribution, dated events.
func DefaultRuleTable() *RuleTable {
	rt := &RuleTable{
		Version: 1,
		Categories: []Category{
			{
				Name: "measurement",
				Patterns: []string{
					// Numeric value with a unit: "399.9 metres", "224,000 DWT", "59 m".
					`\b\d[\d,.]*\s*(?:m|km|nm|ft|metres?|meters?|feet|knots?|tonnes?|tons?|DWT|GT|TEU|kW|HP|MW)\b`,
					`\b\d[\d,.]*\s*(?:passengers|crew|containers|barrels)\b`,
				},
			},
			{
				Name: "identifier",
				Patterns: []string{
					`(?i)\bIMO(?:\s+number)?[\s:#]*\d{7}\b`,
					`(?i)\bMMSI[\s:#]*\d{9}\b`,
					`(?i)\bcall\s*sign[\s:#]*[A-Z0-9]{3,7}\b`,
				},
			},
			{
				Name: "classification",
				Patterns: []string{
					`(?i)\b(?:is|was)\s+an?\s+[\w\- ]{0,30}(?:container\s+ship|bulk\s+carrier|oil\s+tanker|tanker|cargo\s+ship|cruise\s+ship|ferry|tugboat|LNG\s+carrier|vessel)\b`,
					`(?i)\bclassed\s+(?:by|with)\s+[A-Z][\w ]+`,
					`(?i)\bflag(?:ged)?\s+(?:state\s+)?(?:of|under|in)?\s*[A-Z][\w ]+`,
				},
			},
			{
				Name: "attribution",
				Patterns: []string{
					`(?i)\b(?:operated|owned|managed|chartered|built|constructed)\s+by\s+[A-Z][\w&.\- ]{2,50}`,
					`(?i)\bregistered\s+(?:in|to)\s+[A-Z][\w.\- ]{2,40}`,
				},
			},
			{
				Name: "dated_event",
				Patterns: []string{
					`(?i)\b(?:delivered|launched|built|commissioned|detained|grounded|renamed|sold|scrapped)\s+(?:in|on)\s+(?:\d{1,2}\s+)?(?:January|February|March|April|May|June|July|August|September|October|November|December|\d{4})\b[\w, ]{0,20}`,
					`(?i)\b(?:in|since)\s+(?:19|20)\d{2}\b`,
				},
			},
		},
	}
	if err := rt.Compile(); err != nil {
		// Built-in patterns are tested; a failure here is a programmer error.
		panic(err)
	}
	return rt
}

// ParseRuleTable decodes and compiles a YAML rule table.
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var rt RuleTable
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	if len(rt.Categories) == 0 {
		return nil, fmt.Errorf("rule table has no categories")
	}
	if err := rt.Compile(); err != nil {
		return nil, err
	}
	return &rt, nil
}

// Compile compiles every pattern in the table.
func (rt *RuleTable) Compile() error {
	for i := range rt.Categories {
		c := &rt.Categories[i]
		c.compiled = c.compiled[:0]
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("rule table category %q pattern %q: %w", c.Name, p, err)
			}
			c.compiled = append(c.compiled, re)
		}
	}
	return nil
}

// span is a detected factual statement location in the text.
type span struct {
	start, end int
	category   string
}

// findSpans locates factual-statement spans in table order, deduplicating
// overlaps by keeping the longer span, capped to max candidates.
func (rt *RuleTable) findSpans(text string, maxCandidates int) []span {
	var all []span
	for _, c := range rt.Categories {
		for _, re := range c.compiled {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				all = append(all, span{start: loc[0], end: loc[1], category: c.Name})
			}
		}
	}
	deduped := dedupeSpans(all)
	if len(deduped) > maxCandidates {
		deduped = deduped[:maxCandidates]
	}
	return deduped
}

// dedupeSpans removes overlapping spans, preferring the longer one, and
// returns the survivors in ascending position order.
func dedupeSpans(spans []span) []span {
	ordered := make([]span, len(spans))
	copy(ordered, spans)
	// Longer spans first so they win overlap contests.
	sort.SliceStable(ordered, func(i, j int) bool {
		return (ordered[i].end - ordered[i].start) > (ordered[j].end - ordered[j].start)
	})
	var kept []span
	for _, s := range ordered {
		overlaps := false
		for _, k := range kept {
			if s.start < k.end && k.start < s.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}
