package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"executiondesk/internal/narrative"
	"executiondesk/internal/reasoner"
	"executiondesk/internal/resolve"
	"executiondesk/internal/run"
	"executiondesk/internal/tradectx"
	"executiondesk/pkg/types"
)

// chatRequest is the chat command body. NewsEnabled and LookbackHours are
// accepted for compatibility; the news pipeline is not part of this build.
type chatRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	NewsEnabled    bool   `json:"news_enabled,omitempty"`
	LookbackHours  int    `json:"lookback_hours,omitempty"`
}

// chatResponse covers every chat outcome. Intent carries the classification
// (GREETING, OUT_OF_SCOPE, TRADE_CONFIRMATION_PENDING); Status is only set
// on the REJECTED shape.
type chatResponse struct {
	Intent            string            `json:"intent,omitempty"`
	Status            string            `json:"status,omitempty"`
	Content           string            `json:"content"`
	ConfirmationID    string            `json:"confirmation_id,omitempty"`
	PendingTrade      *pendingTrade     `json:"pending_trade,omitempty"`
	Suggestions       []string          `json:"suggestions,omitempty"`
	PreconfirmInsight *reasoner.Insight `json:"preconfirm_insight,omitempty"`
	RequestID         string            `json:"request_id"`
}

// pendingTrade is the staged plan echoed back for review.
type pendingTrade struct {
	Mode            types.ExecutionMode    `json:"mode"`
	AssetClass      types.AssetClass       `json:"asset_class"`
	Actions         []types.TradeAction    `json:"actions"`
	AutoSell        *run.AutoSellDirective `json:"auto_sell,omitempty"`
	LockedProductID string                 `json:"locked_product_id"`
	ExpiresAt       string                 `json:"expires_at"`
}

// handleChatCommand is the staging pipeline: parse → resolve → context →
// preflight → advise → narrate → stage. Nothing executes here; the response
// is always either a rejection or a PENDING confirmation handle.
func (s *Server) handleChatCommand(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, types.CodeValidationError, "text is required")
		return
	}

	tenant := tenantID(r)
	reqID := requestID(r.Context())
	log := s.logger.With("request_id", reqID, "tenant_id", tenant)

	intent := ParseIntent(req.Text)
	switch intent.Kind {
	case IntentGreeting:
		writeJSON(w, http.StatusOK, chatResponse{
			Intent:    string(IntentGreeting),
			Content:   "Hello! Tell me a trade like \"buy $5 of BTC\" or \"sell all my ETH\" and I will stage it for your confirmation.",
			RequestID: reqID,
		})
		return
	case IntentOutOfScope:
		writeJSON(w, http.StatusOK, chatResponse{
			Intent:    string(IntentOutOfScope),
			Content:   "I can only help with trading commands. Try \"buy $5 of BTC\", \"sell $10 of ETH\", or \"sell all my DOGE\".",
			RequestID: reqID,
		})
		return
	}

	mode := s.resolveMode(req.Mode, intent.Mode)
	class := s.assetClass(intent.Actions)
	if class == types.AssetStock {
		mode = types.ExecutionMode(s.cfg.Stock.ExecutionMode)
	}

	// One authoritative balance read for the whole intent; resolution and the
	// trade context both run on it.
	state, err := s.balances.Fetch(r.Context(), tenant, mode == types.ModeLive)
	if err != nil {
		log.Error("balance fetch failed", "error", err)
		writeError(w, r, http.StatusBadGateway, types.CodeProviderUnavailable, "balances are unavailable right now")
		return
	}

	actions := make([]types.TradeAction, 0, len(intent.Actions))
	for _, a := range intent.Actions {
		bound, rejectMsg, err := s.bindProduct(r, a, class, state)
		if err != nil {
			log.Error("asset resolution failed", "asset", a.Asset, "error", err)
			writeError(w, r, http.StatusBadGateway, types.CodeProviderUnavailable, "")
			return
		}
		if rejectMsg != "" {
			writeJSON(w, http.StatusOK, chatResponse{
				Status:      "REJECTED",
				Content:     rejectMsg,
				Suggestions: []string{"Check your portfolio", "Try another asset", "Cancel"},
				RequestID:   reqID,
			})
			return
		}
		actions = append(actions, bound)
	}

	tc, err := s.builder.BuildWithState(r.Context(), tenant, mode, actions, state)
	if err != nil {
		if errors.Is(err, tradectx.ErrNoPrice) {
			writeError(w, r, http.StatusBadGateway, types.CodeProviderUnavailable,
				"no market price is available to size that order right now")
			return
		}
		log.Error("context build failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	report := s.preflight.Evaluate(tc)
	if report.AnyBlocked() {
		var messages, suggestions []string
		for _, res := range report.Results {
			if res.Status != types.PreflightBlocked {
				continue
			}
			messages = append(messages, res.Message)
			suggestions = append(suggestions, res.FixOptions...)
		}
		if len(suggestions) == 0 {
			suggestions = []string{"Adjust the amount", "Try another asset", "Cancel"}
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Status:      "REJECTED",
			Content:     strings.Join(messages, " "),
			Suggestions: suggestions,
			RequestID:   reqID,
		})
		return
	}

	// Adjustments are persisted into the staged plan: the amounts the user
	// confirms are the amounts that execute. The context's copy of the
	// actions is the normalized one (base quantities already sized in USD).
	staged, autoSell, suggestions := applyAdjustments(tc.Actions(), report.Results)

	insight := s.advise(r, req.Text, staged, report.Results, tc)

	proposal := run.Proposal{
		Actions:   staged,
		AutoSell:  autoSell,
		Confirmed: true,
		Prices:    tc.Prices(),
		Rules:     collectRules(tc, staged),
	}
	locked := ""
	if len(staged) > 0 {
		locked = staged[0].ProductID
	}

	conf, err := s.confirms.CreatePending(tenant, req.ConversationID,
		mustJSON(proposal), mustJSON(insight), locked, mode)
	if err != nil {
		log.Error("staging confirmation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	content, err := narrative.BuildTradeNarrative(narrative.Input{
		Mode:    mode,
		Actions: staged,
		Results: report.Results,
		Insight: insight.PlanSummary,
		Evidence: []narrative.Evidence{
			{Label: "pending confirmation", Ref: "/api/v1/confirmations/" + conf.ID + "/confirm"},
			{Label: "platform capabilities", Ref: "/api/v1/ops/capabilities"},
		},
	})
	if err != nil {
		log.Warn("narrative build failed, using plain summary", "error", err)
		content = insight.PlanSummary
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Intent:         "TRADE_CONFIRMATION_PENDING",
		Content:        content,
		ConfirmationID: conf.ID,
		PendingTrade: &pendingTrade{
			Mode:            mode,
			AssetClass:      class,
			Actions:         staged,
			AutoSell:        autoSell,
			LockedProductID: locked,
			ExpiresAt:       conf.ExpiresAt.Format(timeFormat),
		},
		Suggestions:       suggestions,
		PreconfirmInsight: insight,
		RequestID:         reqID,
	})
}

// resolveMode picks the execution mode: explicit request field, then the
// wording of the command, then the configured default. The force-paper flag
// downgrades everything.
func (s *Server) resolveMode(requested string, parsed types.ExecutionMode) types.ExecutionMode {
	mode := types.ExecutionMode(strings.ToUpper(strings.TrimSpace(requested)))
	if mode == "" {
		mode = parsed
	}
	if mode == "" {
		mode = types.ExecutionMode(s.cfg.Trading.DefaultMode)
	}
	switch mode {
	case types.ModePaper, types.ModeLive, types.ModeAssistedLive:
	default:
		mode = types.ModePaper
	}
	if s.cfg.Trading.ForcePaperMode {
		mode = types.ModePaper
	}
	return mode
}

// assetClass is STOCK when every symbol is on the equities watchlist,
// CRYPTO otherwise.
func (s *Server) assetClass(actions []types.TradeAction) types.AssetClass {
	if len(actions) == 0 || len(s.cfg.Stock.Watchlist) == 0 {
		return types.AssetCrypto
	}
	watch := make(map[string]bool, len(s.cfg.Stock.Watchlist))
	for _, sym := range s.cfg.Stock.Watchlist {
		watch[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	for _, a := range actions {
		if !watch[a.Asset] {
			return types.AssetCrypto
		}
	}
	return types.AssetStock
}

// bindProduct resolves one action's symbol to a product id. SELLs resolve
// against holdings; BUYs only need a listed market. A non-empty rejectMsg
// means the whole command is rejected with that message.
func (s *Server) bindProduct(r *http.Request, a types.TradeAction, class types.AssetClass, state *types.ExecutableState) (bound types.TradeAction, rejectMsg string, err error) {
	a.Asset = resolve.NormalizeSymbol(a.Asset)

	if class == types.AssetStock {
		a.ProductID = a.Asset + "-USD"
		return a, "", nil
	}

	if a.Side == types.SELL {
		res, err := resolve.ResolveAsset(r.Context(), a.Asset, state, s.catalog)
		if err != nil {
			return a, "", err
		}
		if res.Status != types.ResolutionOK {
			return a, res.Message, nil
		}
		a.ProductID = res.ProductID
		return a, "", nil
	}

	for _, quote := range []string{"USD", "USDC"} {
		p, err := s.catalog.Get(r.Context(), a.Asset+"-"+quote)
		if err != nil {
			return a, "", err
		}
		if p == nil {
			continue
		}
		if !p.Tradeable() {
			return a, fmt.Sprintf("%s is not tradable right now (%s).", a.Asset, p.Status), nil
		}
		a.ProductID = p.ProductID
		return a, "", nil
	}
	return a, fmt.Sprintf("%s has no product: no USD or USDC market is listed for %s.", a.Asset, a.Asset), nil
}

// applyAdjustments folds ADJUSTED verdicts into the staged actions and lifts
// the first auto-sell proposal into a run directive.
func applyAdjustments(actions []types.TradeAction, results []types.PreflightResult) ([]types.TradeAction, *run.AutoSellDirective, []string) {
	staged := append([]types.TradeAction(nil), actions...)
	suggestions := []string{"CONFIRM", "CANCEL"}
	var autoSell *run.AutoSellDirective

	for i, res := range results {
		if i >= len(staged) || res.Status != types.PreflightAdjusted {
			continue
		}
		if res.AdjustedAmountUSD > 0 {
			staged[i].AmountUSD = res.AdjustedAmountUSD
		}
		if res.AdjustedQty > 0 {
			staged[i].Qty = res.AdjustedQty
		}
		if len(res.FixOptions) > 0 {
			suggestions = res.FixOptions
		}
		if autoSell == nil && res.AutoSell != nil && res.AutoSell.NeedsRecycle {
			autoSell = &run.AutoSellDirective{
				Symbol:        res.AutoSell.SellSymbol,
				ProductID:     res.AutoSell.SellSymbol + "-USD",
				SellAmountUSD: res.AutoSell.SellAmountUSD,
				Reason:        res.AutoSell.Reason,
			}
		}
	}
	return staged, autoSell, suggestions
}

// advise calls the reasoner with the staged plan; it never fails the request.
func (s *Server) advise(r *http.Request, userText string, staged []types.TradeAction, results []types.PreflightResult, tc portfolioView) *reasoner.Insight {
	var blocked []types.PreflightResult
	for _, res := range results {
		if res.Status == types.PreflightBlocked {
			blocked = append(blocked, res)
		}
	}

	portfolio := map[string]float64{}
	var total float64
	for sym, bal := range tc.HeldCurrencies() {
		usd := tc.HoldingsUSD(sym)
		portfolio[sym] = bal.AvailableQty + bal.HoldQty
		total += usd
	}
	if cash, ok := tc.Balance("USD"); ok {
		portfolio["USD"] = cash.AvailableQty + cash.HoldQty
		total += cash.AvailableQty + cash.HoldQty
	}

	return s.advisor.Advise(r.Context(), reasoner.Request{
		UserText:          userText,
		ValidActions:      staged,
		Blocked:           blocked,
		Portfolio:         portfolio,
		PortfolioTotalUSD: total,
	})
}

// portfolioView is the slice of the trade context the advisor needs.
type portfolioView interface {
	HeldCurrencies() map[string]types.ExecutableBalance
	HoldingsUSD(currency string) float64
	Balance(currency string) (types.ExecutableBalance, bool)
}

func collectRules(tc ruleView, actions []types.TradeAction) map[string]types.ResolvedProductRules {
	out := map[string]types.ResolvedProductRules{}
	for _, a := range actions {
		if a.ProductID == "" {
			continue
		}
		if rules, ok := tc.Rules(a.ProductID); ok {
			out[a.ProductID] = *rules
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type ruleView interface {
	Rules(productID string) (*types.ResolvedProductRules, bool)
}
