// Package narrative renders the user-facing trade story and enforces its
// shape. Every narrative is 3–6 double-newline paragraphs, no paragraph
// longer than 200 characters, and the final paragraph carries 2–4 evidence
// links back to artifacts and runs. Internal identifiers never reach the
// chat surface: Scrub removes them and Validate rejects anything that slips
// through.
package narrative

import (
	"fmt"
	"regexp"
	"strings"

	"executiondesk/pkg/types"
)

const (
	minParagraphs = 3
	maxParagraphs = 6
	maxParagraph  = 200
	minEvidence   = 2
	maxEvidence   = 4
)

// forbiddenTokens are internal names that must never appear in narratives.
var forbiddenTokens = []string{
	"proposal_json",
	"trade_proposal_json",
	"locked_product_id",
	"tenant_id",
	"run_events",
	"dag_nodes",
	"client_order_id",
	"schema_migrations",
	"quantity unavailable",
	"position not found",
}

var linkPattern = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)

// Evidence is one structured reference the UI can follow.
type Evidence struct {
	Label string
	Ref   string
}

func (e Evidence) String() string {
	return fmt.Sprintf("[%s](%s)", e.Label, e.Ref)
}

// Input is everything the builder reads. The builder never mutates the plan;
// it only describes it.
type Input struct {
	Mode     types.ExecutionMode
	Actions  []types.TradeAction
	Results  []types.PreflightResult
	Insight  string // optional reasoner plan summary
	Evidence []Evidence
}

// BuildTradeNarrative renders and validates the narrative. Extra evidence
// beyond the maximum is dropped from the end; fewer than the minimum is a
// build error.
func BuildTradeNarrative(in Input) (string, error) {
	if len(in.Evidence) < minEvidence {
		return "", fmt.Errorf("narrative requires at least %d evidence refs, got %d", minEvidence, len(in.Evidence))
	}
	evidence := in.Evidence
	if len(evidence) > maxEvidence {
		evidence = evidence[:maxEvidence]
	}

	var paragraphs []string
	paragraphs = append(paragraphs, clamp(intentParagraph(in)))

	if p := statusParagraph(in.Results); p != "" {
		paragraphs = append(paragraphs, clamp(p))
	}
	if in.Insight != "" {
		paragraphs = append(paragraphs, clamp(Scrub(in.Insight)))
	}
	if len(paragraphs) < minParagraphs-1 {
		paragraphs = append(paragraphs, "Nothing has been placed yet; confirm to proceed or cancel to discard the plan.")
	}

	refs := make([]string, len(evidence))
	for i, e := range evidence {
		refs[i] = e.String()
	}
	paragraphs = append(paragraphs, "Evidence: "+strings.Join(refs, " · "))

	text := strings.Join(paragraphs, "\n\n")
	if err := Validate(text); err != nil {
		return "", err
	}
	return text, nil
}

func intentParagraph(in Input) string {
	parts := make([]string, 0, len(in.Actions))
	for _, a := range in.Actions {
		switch {
		case a.SellAll:
			parts = append(parts, fmt.Sprintf("sell all %s", a.Asset))
		case a.AmountMode == types.AmountBaseQty:
			parts = append(parts, fmt.Sprintf("%s %.8f %s", strings.ToLower(string(a.Side)), a.RequestedQty, a.Asset))
		default:
			parts = append(parts, fmt.Sprintf("%s $%.2f of %s", strings.ToLower(string(a.Side)), a.AmountUSD, a.Asset))
		}
	}
	return fmt.Sprintf("You asked to %s in %s mode.", strings.Join(parts, ", then "), in.Mode)
}

func statusParagraph(results []types.PreflightResult) string {
	if len(results) == 0 {
		return ""
	}
	var parts []string
	for _, r := range results {
		switch r.Status {
		case types.PreflightReady:
			parts = append(parts, fmt.Sprintf("%s %s is ready (est. fee $%.2f)",
				r.Action.Side, r.Action.Asset, r.EstimatedFeeUSD))
		case types.PreflightAdjusted:
			parts = append(parts, Scrub(r.Message))
		case types.PreflightBlocked:
			parts = append(parts, Scrub(r.Message))
		}
	}
	return strings.Join(parts, " ")
}

// Scrub removes forbidden internal tokens from text.
func Scrub(text string) string {
	for _, token := range forbiddenTokens {
		for {
			idx := strings.Index(strings.ToLower(text), token)
			if idx < 0 {
				break
			}
			text = text[:idx] + text[idx+len(token):]
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

// clamp truncates a paragraph to the maximum length, on a word boundary
// where possible.
func clamp(p string) string {
	if len(p) <= maxParagraph {
		return p
	}
	cut := p[:maxParagraph-1]
	if idx := strings.LastIndex(cut, " "); idx > maxParagraph/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// Validate enforces the narrative contract: paragraph count, paragraph
// length, evidence links in the final paragraph, and the forbidden-token
// list.
func Validate(text string) error {
	paragraphs := strings.Split(text, "\n\n")
	if n := len(paragraphs); n < minParagraphs || n > maxParagraphs {
		return fmt.Errorf("narrative has %d paragraphs, want %d–%d", n, minParagraphs, maxParagraphs)
	}
	for i, p := range paragraphs {
		if len(p) > maxParagraph {
			return fmt.Errorf("paragraph %d is %d chars, max %d", i+1, len(p), maxParagraph)
		}
	}

	links := linkPattern.FindAllString(paragraphs[len(paragraphs)-1], -1)
	if n := len(links); n < minEvidence || n > maxEvidence {
		return fmt.Errorf("final paragraph has %d evidence links, want %d–%d", n, minEvidence, maxEvidence)
	}

	lower := strings.ToLower(text)
	for _, token := range forbiddenTokens {
		if strings.Contains(lower, token) {
			return fmt.Errorf("narrative contains forbidden token %q", token)
		}
	}
	return nil
}
