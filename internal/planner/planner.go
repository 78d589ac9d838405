// Package planner decomposes a vessel research request into a bounded set
// of targeted sub-queries. Generation is LLM-backed with a deterministic
// template fallback so planning never fails the request.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/llm"
	"github.com/fathomhq/fathom/internal/metrics"
)

// Priority orders sub-queries for budgeting. Lower rank runs first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// SubQuery is a single retrievable question within a plan.
type SubQuery struct {
	Text     string   `json:"text"`
	Purpose  string   `json:"purpose"`
	Priority Priority `json:"priority"`
}

// QueryPlan is the ordered set of sub-queries for one research request.
type QueryPlan struct {
	Strategy   string     `json:"strategy"`
	SubQueries []SubQuery `json:"sub_queries"`
}

// Planner generates query plans. A nil Completer forces template planning.
type Planner struct {
	completer     llm.Completer
	maxSubQueries int
	logger        *zap.Logger
}

// DefaultMaxSubQueries bounds how many sub-queries a plan may carry.
const DefaultMaxSubQueries = 10

func New(completer llm.Completer, maxSubQueries int, logger *zap.Logger) *Planner {
	if maxSubQueries <= 0 {
		maxSubQueries = DefaultMaxSubQueries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{completer: completer, maxSubQueries: maxSubQueries, logger: logger}
}

// Plan builds a query plan for the initial research pass. LLM output that
// fails to parse falls back to deterministic templates; the request always
// gets a usable plan.
func (p *Planner) Plan(ctx context.Context, queryText, entityContext string) QueryPlan {
	if p.completer != nil {
		prompt := buildPlanPrompt(queryText, entityContext, p.maxSubQueries)
		raw, err := p.completer.Complete(ctx, prompt)
		if err == nil {
			subs, perr := parseSubQueries(raw)
			if perr == nil && len(subs) > 0 {
				return QueryPlan{
					Strategy:   "llm",
					SubQueries: Budget(subs, p.maxSubQueries),
				}
			}
			p.logger.Warn("plan parse failed, using templates",
				zap.Error(perr),
				zap.Int("response_len", len(raw)))
		} else {
			p.logger.Warn("plan generation failed, using templates", zap.Error(err))
		}
	}

	metrics.PlanningFallbacks.Inc()
	return QueryPlan{
		Strategy:   "template",
		SubQueries: Budget(templateSubQueries(queryText, entityContext), p.maxSubQueries),
	}
}

// PlanForGaps builds follow-up sub-queries targeting coverage gaps found by
// the reflexion evaluator. Gap names come from the coverage checks.
func (p *Planner) PlanForGaps(ctx context.Context, queryText, entityContext string, gaps []string) QueryPlan {
	if len(gaps) == 0 {
		return QueryPlan{Strategy: "none"}
	}

	if p.completer != nil {
		prompt := buildGapPrompt(queryText, entityContext, gaps, p.maxSubQueries)
		raw, err := p.completer.Complete(ctx, prompt)
		if err == nil {
			subs, perr := parseSubQueries(raw)
			if perr == nil && len(subs) > 0 {
				return QueryPlan{
					Strategy:   "llm_gap",
					SubQueries: Budget(subs, p.maxSubQueries),
				}
			}
			p.logger.Warn("gap plan parse failed, using templates", zap.Error(perr))
		} else {
			p.logger.Warn("gap plan generation failed, using templates", zap.Error(err))
		}
	}

	metrics.PlanningFallbacks.Inc()
	return QueryPlan{
		Strategy:   "template_gap",
		SubQueries: Budget(gapSubQueries(queryText, entityContext, gaps), p.maxSubQueries),
	}
}

// Budget stable-sorts sub-queries by priority (high, medium, low) and
// truncates to max. Ties keep their input order so template ordering and
// LLM ordering survive budgeting.
func Budget(subs []SubQuery, max int) []SubQuery {
	out := make([]SubQuery, len(subs))
	copy(out, subs)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank(out[i].Priority) < priorityRank(out[j].Priority)
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func buildPlanPrompt(queryText, entityContext string, max int) string {
	var sb strings.Builder
	sb.WriteString("You are a maritime research query planner. Decompose the request into targeted search sub-queries.\n\n")
	sb.WriteString("Cover: vessel identification (IMO, MMSI, call sign), registry and class records, ownership and management, operational history, and any incident or inspection records.\n\n")
	sb.WriteString(fmt.Sprintf("Generate at most %d sub-queries.\n\n", max))
	sb.WriteString(fmt.Sprintf("## Request:\n%s\n\n", queryText))
	if entityContext != "" {
		sb.WriteString(fmt.Sprintf("## Entity context:\n%s\n\n", entityContext))
	}
	sb.WriteString("## Response format:\nReturn ONLY a JSON array, no prose:\n")
	sb.WriteString(`[{"text": "search query", "purpose": "what it covers", "priority": "high|medium|low"}]` + "\n")
	return sb.String()
}

func buildGapPrompt(queryText, entityContext string, gaps []string, max int) string {
	var sb strings.Builder
	sb.WriteString("You are a maritime research query planner. Earlier retrieval left coverage gaps; generate follow-up search sub-queries that directly address them.\n\n")
	sb.WriteString("Each sub-query should target ONE gap with specific, searchable terms. Avoid repeating queries that would return the same sources.\n\n")
	sb.WriteString(fmt.Sprintf("Generate at most %d sub-queries.\n\n", max))
	sb.WriteString(fmt.Sprintf("## Original request:\n%s\n\n", queryText))
	if entityContext != "" {
		sb.WriteString(fmt.Sprintf("## Entity context:\n%s\n\n", entityContext))
	}
	sb.WriteString("## Gaps to address:\n")
	for _, g := range gaps {
		sb.WriteString(fmt.Sprintf("- %s\n", g))
	}
	sb.WriteString("\n## Response format:\nReturn ONLY a JSON array, no prose:\n")
	sb.WriteString(`[{"text": "search query", "purpose": "gap addressed", "priority": "high|medium|low"}]` + "\n")
	return sb.String()
}

// parseSubQueries extracts a strict JSON array from a model response.
// Markdown fences are stripped and malformed JSON gets one repair pass
// before decoding.
func parseSubQueries(response string) ([]SubQuery, error) {
	cleaned := stripCodeFences(response)

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}
	jsonStr := cleaned[start : end+1]

	var subs []SubQuery
	if err := json.Unmarshal([]byte(jsonStr), &subs); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(jsonStr)
		if rerr != nil {
			return nil, fmt.Errorf("parse sub-queries: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &subs); err != nil {
			return nil, fmt.Errorf("parse repaired sub-queries: %w", err)
		}
	}

	out := make([]SubQuery, 0, len(subs))
	for _, sq := range subs {
		sq.Text = strings.TrimSpace(sq.Text)
		if sq.Text == "" {
			continue
		}
		switch sq.Priority {
		case PriorityHigh, PriorityMedium, PriorityLow:
		default:
			sq.Priority = PriorityMedium
		}
		out = append(out, sq)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable sub-queries in response")
	}
	return out, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// templateSubQueries is the deterministic fallback plan. Ordering within a
// priority band reflects retrieval value: identity first, then registry,
// then ownership and history.
func templateSubQueries(queryText, entityContext string) []SubQuery {
	subject := strings.TrimSpace(queryText)
	if entityContext != "" {
		subject = strings.TrimSpace(subject + " " + entityContext)
	}
	return []SubQuery{
		{Text: subject + " vessel IMO number MMSI", Purpose: "identification", Priority: PriorityHigh},
		{Text: subject + " ship registry flag state record", Purpose: "registry", Priority: PriorityHigh},
		{Text: subject + " vessel particulars tonnage dimensions", Purpose: "particulars", Priority: PriorityMedium},
		{Text: subject + " owner operator management company", Purpose: "ownership", Priority: PriorityMedium},
		{Text: subject + " classification society survey status", Purpose: "class_status", Priority: PriorityMedium},
		{Text: subject + " port state control inspection detention", Purpose: "inspections", Priority: PriorityLow},
		{Text: subject + " vessel incident casualty news", Purpose: "incidents", Priority: PriorityLow},
	}
}

// gapTemplates maps coverage gap names to follow-up query shapes.
var gapTemplates = map[string][]SubQuery{
	"registry_source": {
		{Text: "%s Equasis registry record", Purpose: "registry", Priority: PriorityHigh},
		{Text: "%s classification society register entry", Purpose: "registry", Priority: PriorityMedium},
	},
	"identifier_match": {
		{Text: "%s IMO number official record", Purpose: "identification", Priority: PriorityHigh},
		{Text: "%s MMSI call sign AIS", Purpose: "identification", Priority: PriorityMedium},
	},
	"owner_mention": {
		{Text: "%s registered owner beneficial owner", Purpose: "ownership", Priority: PriorityHigh},
		{Text: "%s ship manager technical management", Purpose: "ownership", Priority: PriorityMedium},
	},
}

func gapSubQueries(queryText, entityContext string, gaps []string) []SubQuery {
	subject := strings.TrimSpace(queryText)
	if entityContext != "" {
		subject = strings.TrimSpace(subject + " " + entityContext)
	}
	var out []SubQuery
	for _, gap := range gaps {
		templates, ok := gapTemplates[gap]
		if !ok {
			// Unknown gap names still get one generic follow-up.
			out = append(out, SubQuery{
				Text:     subject + " " + strings.ReplaceAll(gap, "_", " "),
				Purpose:  gap,
				Priority: PriorityMedium,
			})
			continue
		}
		for _, t := range templates {
			t.Text = fmt.Sprintf(t.Text, subject)
			out = append(out, t)
		}
	}
	return out
}
