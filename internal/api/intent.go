package api

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"executiondesk/pkg/types"
)

// IntentKind classifies one chat command.
type IntentKind string

const (
	IntentGreeting   IntentKind = "GREETING"
	IntentTrade      IntentKind = "TRADE"
	IntentOutOfScope IntentKind = "OUT_OF_SCOPE"
)

// Intent is the parsed chat command: a classification plus, for trades, the
// raw actions in the order the user wrote them.
type Intent struct {
	Kind    IntentKind
	Actions []types.TradeAction
	Mode    types.ExecutionMode // zero when the text named no mode
}

// Parsing patterns, tried in priority order. A span consumed by an earlier
// pattern is skipped by the later ones so "sell all my btc" never also parses
// as a base-quantity sell of "my".
var (
	sellAllPattern  = regexp.MustCompile(`(?i)\bsell\s+all(?:\s+(?:my|of\s+my))?\s+([A-Za-z0-9.\-]+)`)
	quoteUSDPattern = regexp.MustCompile(`(?i)\b(buy|sell)\s+\$\s*([0-9]+(?:\.[0-9]+)?)(?:\s+(?:of|worth\s+of))?\s+([A-Za-z0-9.\-]+)`)
	baseQtyPattern  = regexp.MustCompile(`(?i)\b(buy|sell)\s+([0-9]+(?:\.[0-9]+)?)\s+([A-Za-z0-9.\-]+)`)

	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|good\s+(morning|afternoon|evening)|how('s| is) it going|how are you)\b`)
	livePattern     = regexp.MustCompile(`(?i)\blive\b`)
	paperPattern    = regexp.MustCompile(`(?i)\bpaper\b`)
)

type span struct{ start, end int }

type parsedAction struct {
	span   span
	action types.TradeAction
}

// ParseIntent classifies user text and extracts trade actions.
func ParseIntent(text string) Intent {
	var parsed []parsedAction
	taken := func(s span) bool {
		for _, p := range parsed {
			if s.start < p.span.end && p.span.start < s.end {
				return true
			}
		}
		return false
	}

	for _, m := range sellAllPattern.FindAllStringSubmatchIndex(text, -1) {
		s := span{m[0], m[1]}
		if taken(s) {
			continue
		}
		parsed = append(parsed, parsedAction{s, types.TradeAction{
			Side:       types.SELL,
			Asset:      strings.ToUpper(text[m[2]:m[3]]),
			AmountMode: types.AmountAll,
			SellAll:    true,
		}})
	}
	for _, m := range quoteUSDPattern.FindAllStringSubmatchIndex(text, -1) {
		s := span{m[0], m[1]}
		if taken(s) {
			continue
		}
		amount, _ := strconv.ParseFloat(text[m[4]:m[5]], 64)
		parsed = append(parsed, parsedAction{s, types.TradeAction{
			Side:       types.Side(strings.ToUpper(text[m[2]:m[3]])),
			Asset:      strings.ToUpper(text[m[6]:m[7]]),
			AmountMode: types.AmountQuoteUSD,
			AmountUSD:  amount,
		}})
	}
	for _, m := range baseQtyPattern.FindAllStringSubmatchIndex(text, -1) {
		s := span{m[0], m[1]}
		if taken(s) {
			continue
		}
		qty, _ := strconv.ParseFloat(text[m[4]:m[5]], 64)
		parsed = append(parsed, parsedAction{s, types.TradeAction{
			Side:         types.Side(strings.ToUpper(text[m[2]:m[3]])),
			Asset:        strings.ToUpper(text[m[6]:m[7]]),
			AmountMode:   types.AmountBaseQty,
			RequestedQty: qty,
		}})
	}

	if len(parsed) == 0 {
		if greetingPattern.MatchString(text) {
			return Intent{Kind: IntentGreeting}
		}
		return Intent{Kind: IntentOutOfScope}
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].span.start < parsed[j].span.start })
	intent := Intent{Kind: IntentTrade}
	for _, p := range parsed {
		a := p.action
		a.Asset = normalizeParsedAsset(a.Asset)
		intent.Actions = append(intent.Actions, a)
	}

	switch {
	case livePattern.MatchString(text):
		intent.Mode = types.ModeLive
	case paperPattern.MatchString(text):
		intent.Mode = types.ModePaper
	}
	return intent
}

// normalizeParsedAsset strips trailing punctuation a sentence leaves on the
// symbol and drops any quote suffix.
func normalizeParsedAsset(sym string) string {
	sym = strings.Trim(sym, ".,!?;:")
	sym = strings.TrimSuffix(strings.ToUpper(sym), "-USDC")
	sym = strings.TrimSuffix(sym, "-USD")
	return sym
}
