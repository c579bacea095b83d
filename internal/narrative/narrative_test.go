package narrative

import (
	"strings"
	"testing"

	"executiondesk/pkg/types"
)

func testEvidence() []Evidence {
	return []Evidence{
		{Label: "confirmation", Ref: "/api/v1/confirmations/conf_abc123"},
		{Label: "preflight", Ref: "/api/v1/runs/run-1/trace"},
	}
}

func TestBuildTradeNarrativeShape(t *testing.T) {
	t.Parallel()
	action := types.TradeAction{
		Side: types.SELL, Asset: "BTC", ProductID: "BTC-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: 25,
	}
	text, err := BuildTradeNarrative(Input{
		Mode:    types.ModePaper,
		Actions: []types.TradeAction{action},
		Results: []types.PreflightResult{
			{Action: action, Status: types.PreflightReady, EstimatedFeeUSD: 0.15},
		},
		Insight:  "Selling a small slice of BTC keeps your allocation roughly unchanged.",
		Evidence: testEvidence(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := Validate(text); err != nil {
		t.Fatalf("built narrative fails validation: %v", err)
	}
	if !strings.Contains(text, "sell $25.00 of BTC") {
		t.Errorf("intent missing from narrative:\n%s", text)
	}
	if !strings.Contains(text, "est. fee $0.15") {
		t.Errorf("fee estimate missing:\n%s", text)
	}
	last := text[strings.LastIndex(text, "\n\n")+2:]
	if !strings.HasPrefix(last, "Evidence:") {
		t.Errorf("final paragraph must carry evidence, got %q", last)
	}
}

func TestBuildRequiresMinimumEvidence(t *testing.T) {
	t.Parallel()
	_, err := BuildTradeNarrative(Input{
		Mode:     types.ModePaper,
		Actions:  []types.TradeAction{{Side: types.BUY, Asset: "ETH", AmountMode: types.AmountQuoteUSD, AmountUSD: 10}},
		Evidence: []Evidence{{Label: "only-one", Ref: "/x"}},
	})
	if err == nil {
		t.Fatal("single evidence ref must fail the build")
	}
}

func TestBuildDropsExcessEvidence(t *testing.T) {
	t.Parallel()
	ev := make([]Evidence, 6)
	for i := range ev {
		ev[i] = Evidence{Label: "ref", Ref: "/api/v1/runs/run-1"}
	}
	text, err := BuildTradeNarrative(Input{
		Mode:     types.ModeLive,
		Actions:  []types.TradeAction{{Side: types.BUY, Asset: "ETH", AmountMode: types.AmountQuoteUSD, AmountUSD: 10}},
		Evidence: ev,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	paragraphs := strings.Split(text, "\n\n")
	links := linkPattern.FindAllString(paragraphs[len(paragraphs)-1], -1)
	if len(links) != 4 {
		t.Errorf("links = %d, want clamped to 4", len(links))
	}
}

func TestValidateRejectsBadShapes(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 201)
	cases := []struct {
		name string
		text string
	}{
		{"too few paragraphs", "one\n\n[a](/x) [b](/y)"},
		{"too many paragraphs", "a\n\nb\n\nc\n\nd\n\ne\n\nf\n\n[a](/x) [b](/y)"},
		{"paragraph too long", "a\n\n" + long + "\n\n[a](/x) [b](/y)"},
		{"no evidence links", "a\n\nb\n\nno links here"},
		{"one evidence link", "a\n\nb\n\n[a](/x)"},
		{"five evidence links", "a\n\nb\n\n[a](/x) [b](/x) [c](/x) [d](/x) [e](/x)"},
		{"forbidden token", "a\n\nthe locked_product_id drifted\n\n[a](/x) [b](/y)"},
		{"forbidden phrase", "a\n\nquantity unavailable for BTC\n\n[a](/x) [b](/y)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.text); err == nil {
				t.Errorf("Validate accepted %s", tc.name)
			}
		})
	}

	good := "You asked to sell BTC.\n\nSELL BTC is ready.\n\nEvidence: [confirmation](/c/1) · [trace](/r/1)"
	if err := Validate(good); err != nil {
		t.Errorf("valid narrative rejected: %v", err)
	}
}

func TestScrubRemovesInternalTokens(t *testing.T) {
	t.Parallel()
	in := "The run_events table and tenant_id column stay internal; position not found."
	out := Scrub(in)
	for _, token := range forbiddenTokens {
		if strings.Contains(strings.ToLower(out), token) {
			t.Errorf("scrubbed text still contains %q: %s", token, out)
		}
	}
}

func TestClampTruncatesOnWordBoundary(t *testing.T) {
	t.Parallel()
	p := strings.Repeat("word ", 60) // 300 chars
	got := clamp(p)
	if len(got) > maxParagraph {
		t.Errorf("clamp left %d chars", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("clamp must mark truncation: %q", got)
	}
}

func TestBuildNarrativeWithBlockedResultScrubs(t *testing.T) {
	t.Parallel()
	action := types.TradeAction{Side: types.SELL, Asset: "MOODENG", AmountMode: types.AmountQuoteUSD, AmountUSD: 5}
	text, err := BuildTradeNarrative(Input{
		Mode:    types.ModePaper,
		Actions: []types.TradeAction{action},
		Results: []types.PreflightResult{{
			Action: action, Status: types.PreflightBlocked,
			ReasonCode: types.CodeNotHeld,
			Message:    "You do not hold MOODENG, so there is nothing to sell.",
		}},
		Evidence: testEvidence(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(text, "MOODENG") {
		t.Errorf("blocked narrative must name the symbol:\n%s", text)
	}
	if strings.Contains(strings.ToLower(text), "position not found") {
		t.Errorf("internal phrase leaked:\n%s", text)
	}
}
