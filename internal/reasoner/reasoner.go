// Package reasoner is the optional LLM advisor. It receives the staged plan
// and portfolio context and returns a structured insight: a confidence grade,
// plan and step summaries, risk flags, warnings, and alternatives.
//
// The advisor never changes the plan — it only describes it. Any failure
// (missing key, transport error, malformed JSON) degrades to a deterministic
// template built from the same inputs, so confirmation staging never stalls
// on the model.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"executiondesk/internal/metrics"
	"executiondesk/pkg/types"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	callTimeout     = 15 * time.Second
)

// Confidence grades the advisor may return. Anything else from the model is
// normalised to low.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

const systemPrompt = `You are a cautious trading advisor. You receive a staged
trade plan that has already passed deterministic validation. Summarise it for
the user: do not add, remove, reorder, or resize any action. Respond with a
single JSON object: {"confidence": "high"|"medium"|"low", "plan_summary": str,
"step_summaries": [str], "risk_flags": [str], "warnings": [str],
"alternatives": [str], "portfolio_impact": str, "reasoning": str}.`

// Request is the advisor's full input. Blocked actions are included so the
// advisor can warn about what will NOT execute.
type Request struct {
	UserText          string                  `json:"user_text"`
	ValidActions      []types.TradeAction     `json:"valid_actions"`
	Blocked           []types.PreflightResult `json:"blocked"`
	Portfolio         map[string]float64      `json:"portfolio"`
	PortfolioTotalUSD float64                 `json:"portfolio_total_usd"`
}

// Insight is the advisor's structured verdict. Source records whether it came
// from the model or the deterministic template.
type Insight struct {
	Confidence      string   `json:"confidence"`
	PlanSummary     string   `json:"plan_summary"`
	StepSummaries   []string `json:"step_summaries"`
	RiskFlags       []string `json:"risk_flags"`
	Warnings        []string `json:"warnings"`
	Alternatives    []string `json:"alternatives"`
	PortfolioImpact string   `json:"portfolio_impact,omitempty"`
	Reasoning       string   `json:"reasoning"`
	Source          string   `json:"source"`
}

// Insight sources.
const (
	SourceModel    = "model"
	SourceTemplate = "template"
)

// Client calls the generative-language JSON-mode endpoint.
type Client struct {
	http   *resty.Client
	apiKey string
	model  string
	logger *slog.Logger
}

// New builds the advisor client. An empty apiKey leaves the client in
// template-only mode.
func New(apiKey, model string, logger *slog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(defaultEndpoint).
			SetTimeout(callTimeout).
			SetHeader("Content-Type", "application/json"),
		apiKey: apiKey,
		model:  model,
		logger: logger.With("component", "reasoner"),
	}
}

// SetBaseURL points the client at a different endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) { c.http.SetBaseURL(u) }

// Advise returns an insight for the staged plan. It never returns an error:
// every failure path falls back to the deterministic template.
func (c *Client) Advise(ctx context.Context, req Request) *Insight {
	if c.apiKey == "" {
		metrics.ReasonerFallbacks.Inc()
		return Template(req)
	}

	insight, err := c.call(ctx, req)
	if err != nil {
		c.logger.Warn("advisor call failed, using template", "error", err)
		metrics.ReasonerFallbacks.Inc()
		return Template(req)
	}
	return insight
}

// generateContent wire structs, enough of the envelope to reach
// candidates[0].content.parts[0].text.
type genRequest struct {
	SystemInstruction genContent   `json:"system_instruction"`
	Contents          []genContent `json:"contents"`
	GenerationConfig  genConfig    `json:"generationConfig"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text string `json:"text"`
}

type genConfig struct {
	ResponseMIMEType string `json:"response_mime_type"`
}

type genResponse struct {
	Candidates []struct {
		Content genContent `json:"content"`
	} `json:"candidates"`
}

func (c *Client) call(ctx context.Context, req Request) (*Insight, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal advisor input: %w", err)
	}

	payload := genRequest{
		SystemInstruction: genContent{Parts: []genPart{{Text: systemPrompt}}},
		Contents: []genContent{
			{Parts: []genPart{{Text: "Staged plan and portfolio: " + string(input)}}},
		},
		GenerationConfig: genConfig{ResponseMIMEType: "application/json"},
	}

	var envelope genResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(payload).
		SetResult(&envelope).
		Post(fmt.Sprintf("/%s:generateContent", c.model))
	if err != nil {
		return nil, fmt.Errorf("advisor request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("advisor status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("advisor response has no candidates")
	}

	text := envelope.Candidates[0].Content.Parts[0].Text
	var insight Insight
	if err := json.Unmarshal([]byte(text), &insight); err != nil {
		return nil, fmt.Errorf("parse advisor JSON: %w (raw: %.200s)", err, text)
	}
	insight.Source = SourceModel
	normalise(&insight, req)
	return &insight, nil
}

// normalise clamps model output onto the contract: confidence into the
// three-value enum, step summaries padded to one per action so the UI never
// renders an empty step.
func normalise(in *Insight, req Request) {
	switch strings.ToLower(in.Confidence) {
	case ConfidenceHigh:
		in.Confidence = ConfidenceHigh
	case ConfidenceMedium:
		in.Confidence = ConfidenceMedium
	default:
		in.Confidence = ConfidenceLow
	}
	for len(in.StepSummaries) < len(req.ValidActions) {
		a := req.ValidActions[len(in.StepSummaries)]
		in.StepSummaries = append(in.StepSummaries, describeAction(a))
	}
	if in.PlanSummary == "" {
		in.PlanSummary = templateSummary(req)
	}
}

// Template is the deterministic fallback insight. Same shape as a model
// answer, built purely from the request.
func Template(req Request) *Insight {
	steps := make([]string, 0, len(req.ValidActions))
	for _, a := range req.ValidActions {
		steps = append(steps, describeAction(a))
	}

	var warnings []string
	for _, b := range req.Blocked {
		if b.Message != "" {
			warnings = append(warnings, b.Message)
		}
	}

	confidence := ConfidenceMedium
	if len(req.Blocked) > 0 {
		confidence = ConfidenceLow
	}

	return &Insight{
		Confidence:      confidence,
		PlanSummary:     templateSummary(req),
		StepSummaries:   steps,
		RiskFlags:       templateRiskFlags(req),
		Warnings:        warnings,
		Alternatives:    nil,
		PortfolioImpact: templateImpact(req),
		Reasoning:       "Deterministic summary; the advisory model was unavailable or disabled.",
		Source:          SourceTemplate,
	}
}

func templateSummary(req Request) string {
	if len(req.ValidActions) == 0 {
		return "No executable actions were staged from this request."
	}
	parts := make([]string, len(req.ValidActions))
	for i, a := range req.ValidActions {
		parts[i] = describeAction(a)
	}
	return strings.Join(parts, "; ")
}

func describeAction(a types.TradeAction) string {
	switch {
	case a.SellAll:
		return fmt.Sprintf("Sell the full %s position on %s.", a.Asset, a.ProductID)
	case a.AmountMode == types.AmountBaseQty:
		return fmt.Sprintf("%s %.8f %s on %s.", title(a.Side), a.RequestedQty, a.Asset, a.ProductID)
	default:
		return fmt.Sprintf("%s $%.2f of %s on %s.", title(a.Side), a.AmountUSD, a.Asset, a.ProductID)
	}
}

func title(s types.Side) string {
	if s == types.BUY {
		return "Buy"
	}
	return "Sell"
}

func templateRiskFlags(req Request) []string {
	var flags []string
	if req.PortfolioTotalUSD > 0 {
		var planned float64
		for _, a := range req.ValidActions {
			planned += a.AmountUSD
		}
		if planned > 0.5*req.PortfolioTotalUSD {
			flags = append(flags, fmt.Sprintf(
				"Plan moves $%.2f, more than half of the $%.2f portfolio.",
				planned, req.PortfolioTotalUSD))
		}
	}
	if len(req.Blocked) > 0 {
		flags = append(flags, fmt.Sprintf("%d requested action(s) will not execute.", len(req.Blocked)))
	}
	return flags
}

func templateImpact(req Request) string {
	if req.PortfolioTotalUSD <= 0 || len(req.ValidActions) == 0 {
		return ""
	}
	var buys, sells float64
	for _, a := range req.ValidActions {
		if a.Side == types.BUY {
			buys += a.AmountUSD
		} else {
			sells += a.AmountUSD
		}
	}
	return fmt.Sprintf("Approximately $%.2f in buys and $%.2f in sells against a $%.2f portfolio.",
		buys, sells, req.PortfolioTotalUSD)
}
