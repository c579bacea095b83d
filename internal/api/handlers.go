package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"executiondesk/internal/confirm"
	"executiondesk/internal/reasoner"
	"executiondesk/internal/run"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

const timeFormat = time.RFC3339

// eventPollInterval is how often the SSE loop re-reads the event log.
const eventPollInterval = 200 * time.Millisecond

// handleConfirm exchanges a PENDING confirmation for exactly one run. The run
// id is minted before the atomic transition so the id returned to the user is
// the id bound in the database; the loser of a racing double-confirm gets the
// winner's run id back instead of a second run.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tenant := tenantID(r)

	if err := confirm.ValidateID(id); err != nil {
		writeError(w, r, http.StatusBadRequest, types.CodeValidationError, err.Error())
		return
	}
	if ok, missing := s.store.ValidateSchema(); !ok {
		s.logger.Error("schema validation failed", "missing", missing)
		writeError(w, r, http.StatusServiceUnavailable, types.CodeDBSchemaOutdated, "")
		return
	}

	conf, err := s.confirms.Get(id, tenant)
	if errors.Is(err, confirm.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "confirmation not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	// Kill switch: LIVE confirmations are refused outright while it is on.
	if conf.Mode == types.ModeLive && s.cfg.Trading.DisableLive {
		writeError(w, r, http.StatusForbidden, types.CodeLiveDisabled, "")
		return
	}

	if conf.Status == types.ConfirmConfirmed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "CONFIRMED",
			"run_id":     conf.RunID,
			"request_id": requestID(r.Context()),
		})
		return
	}

	runID := run.NewRunID()
	conf, err = s.confirms.Confirm(id, tenant, runID)
	switch {
	case errors.Is(err, confirm.ErrExpired):
		writeError(w, r, http.StatusConflict, types.CodeValidationError, "confirmation expired")
		return
	case errors.Is(err, confirm.ErrTerminal):
		writeError(w, r, http.StatusConflict, types.CodeValidationError, "confirmation already resolved")
		return
	case errors.Is(err, confirm.ErrNotFound):
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "confirmation not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	if conf.RunID != runID {
		// Lost the race to another confirm; report the run that already started.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "CONFIRMED",
			"run_id":     conf.RunID,
			"request_id": requestID(r.Context()),
		})
		return
	}

	proposal, err := run.ParseProposal(conf.ProposalJSON)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "staged proposal is unreadable")
		return
	}
	class := s.assetClass(proposal.Actions)

	if _, err := s.runner.StageRun(conf, class); err != nil {
		s.logger.Error("staging run failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	go func() {
		if _, err := s.runner.Execute(context.Background(), runID, tenant); err != nil {
			s.logger.Error("run execution errored", "run_id", runID, "error", err)
		}
	}()

	resp := map[string]any{
		"status":       "EXECUTING",
		"run_id":       runID,
		"news_enabled": false,
		"request_id":   requestID(r.Context()),
	}
	if conf.InsightJSON != "" && conf.InsightJSON != "{}" {
		var insight reasoner.Insight
		if json.Unmarshal([]byte(conf.InsightJSON), &insight) == nil && insight.PlanSummary != "" {
			resp["financial_insight"] = insight
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel resolves a PENDING confirmation to CANCELLED.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tenant := tenantID(r)

	if err := confirm.ValidateID(id); err != nil {
		writeError(w, r, http.StatusBadRequest, types.CodeValidationError, err.Error())
		return
	}

	conf, err := s.confirms.Cancel(id, tenant)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "confirmation not found")
		return
	case errors.Is(err, confirm.ErrExpired):
		writeError(w, r, http.StatusConflict, types.CodeValidationError, "confirmation expired")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	if conf.Status == types.ConfirmConfirmed {
		writeError(w, r, http.StatusConflict, types.CodeValidationError,
			fmt.Sprintf("confirmation already executed as run %s", conf.RunID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     string(conf.Status),
		"request_id": requestID(r.Context()),
	})
}

// handleGetRun returns the full evidence bundle for one run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	tenant := tenantID(r)

	runRow, err := s.store.GetRun(runID, tenant)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}
	if runRow == nil {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "run not found")
		return
	}

	nodes, _ := s.store.ListNodes(runID)
	orders, _ := s.store.ListOrdersByRun(runID)
	approvals, _ := s.store.ListApprovalsByRun(runID)
	policy, _ := s.store.ListPolicyEventsByRun(runID)

	var snapshots []store.PortfolioSnapshot
	if all, err := s.store.ListSnapshots(tenant); err == nil {
		for _, snap := range all {
			if strings.HasSuffix(snap.SnapshotID, runID) {
				snapshots = append(snapshots, snap)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":           runRow,
		"nodes":         orEmpty(nodes),
		"orders":        orEmpty(orders),
		"approvals":     orEmpty(approvals),
		"policy_events": orEmpty(policy),
		"snapshots":     orEmpty(snapshots),
		"evals":         []any{},
		"request_id":    requestID(r.Context()),
	})
}

// handleRunTrace returns the plan / steps / artifacts view.
func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	tenant := tenantID(r)

	runRow, err := s.store.GetRun(runID, tenant)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}
	if runRow == nil {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "run not found")
		return
	}

	var plan any
	if p, err := run.ParseProposal(runRow.TradeProposalJSON); err == nil {
		plan = p
	}
	nodes, _ := s.store.ListNodes(runID)
	artifacts, _ := s.store.ListArtifacts(runID)

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"status":     runRow.Status,
		"plan":       plan,
		"steps":      orEmpty(nodes),
		"artifacts":  orEmpty(artifacts),
		"request_id": requestID(r.Context()),
	})
}

// handleRunEvents streams the run's event log as SSE in insertion order,
// replaying from the beginning (or ?after_seq=N) and following until the run
// is terminal and the log is drained.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	tenant := tenantID(r)

	runRow, err := s.store.GetRun(runID, tenant)
	if err != nil || runRow == nil {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	after, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.store.ListEvents(runID, after)
		if err != nil {
			return
		}
		for _, e := range events {
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.EventType, e.Payload)
			after = e.Seq
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		current, err := s.store.GetRun(runID, tenant)
		if err == nil && current != nil && current.Status.Terminal() && len(events) == 0 {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleFillStatus reports DB-authoritative fill state for one order. An
// order is only ever reported filled when its status is FILLED and at least
// one fill row exists.
func (s *Server) handleFillStatus(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	tenant := tenantID(r)

	order, err := s.store.GetOrder(orderID, tenant)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}
	if order == nil {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "order not found")
		return
	}

	fills, err := s.store.ListFills(orderID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}

	fillConfirmed := order.Status == types.OrderFilled && len(fills) > 0
	message := "order submitted; awaiting confirmation from the exchange"
	if fillConfirmed {
		message = fmt.Sprintf("filled %.8f %s at avg $%.2f", order.FilledQty, order.Symbol, order.AvgFillPrice)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       order.OrderID,
		"status":         order.Status,
		"fill_confirmed": fillConfirmed,
		"filled_qty":     order.FilledQty,
		"avg_fill_price": order.AvgFillPrice,
		"total_fees":     order.TotalFees,
		"fills":          orEmpty(fills),
		"message":        message,
		"request_id":     requestID(r.Context()),
	})
}

// handleApprovalDecision resolves the run's PENDING approval and, on
// approval, resumes the paused run.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	tenant := tenantID(r)

	var body struct {
		Decision string `json:"decision"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	decision := strings.ToUpper(strings.TrimSpace(body.Decision))
	if decision != "APPROVED" && decision != "REJECTED" {
		writeError(w, r, http.StatusBadRequest, types.CodeValidationError, "decision must be APPROVED or REJECTED")
		return
	}

	runRow, err := s.store.GetRun(runID, tenant)
	if err != nil || runRow == nil {
		writeError(w, r, http.StatusNotFound, types.CodeValidationError, "run not found")
		return
	}

	approvals, err := s.store.ListApprovalsByRun(runID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}
	var pending *store.Approval
	for i := range approvals {
		if approvals[i].Status == "PENDING" {
			pending = &approvals[i]
			break
		}
	}
	if pending == nil {
		writeError(w, r, http.StatusConflict, types.CodeValidationError, "no pending approval for this run")
		return
	}

	won, err := s.store.DecideApproval(pending.ApprovalID, decision)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.CodeInternalError, "")
		return
	}
	if !won {
		writeError(w, r, http.StatusConflict, types.CodeValidationError, "approval already decided")
		return
	}

	go func() {
		if _, err := s.runner.Execute(context.Background(), runID, tenant); err != nil {
			s.logger.Error("resuming run errored", "run_id", runID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": pending.ApprovalID,
		"decision":    decision,
		"run_id":      runID,
		"request_id":  requestID(r.Context()),
	})
}

// handlePortfolio returns the balance snapshot the engine would trade on.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	state, err := s.balances.Fetch(r.Context(), tenant, false)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, types.CodeProviderUnavailable, "balances are unavailable right now")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balances":   state.Balances,
		"source":     state.Source,
		"fetched_at": state.FetchedAt.Format(timeFormat),
		"request_id": requestID(r.Context()),
	})
}

// handleHealth is the readiness probe: schema state, pending migrations, and
// the live-trading posture.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	schemaOK, _ := s.store.ValidateSchema()
	pending, err := s.store.PendingMigrations(s.cfg.Database.MigrationsDir)
	dbReady := err == nil

	resp := map[string]any{
		"ok":                   schemaOK && dbReady && len(pending) == 0,
		"db_ready":             dbReady,
		"schema_ok":            schemaOK,
		"migrations_needed":    len(pending) > 0,
		"pending_migrations":   orEmpty(pending),
		"live_trading_enabled": s.cfg.Trading.EnableLiveTrading && !s.cfg.Trading.DisableLive,
	}
	if len(pending) > 0 || !schemaOK {
		resp["migrate_cmd"] = fmt.Sprintf("apply the .sql files in %s and restart", s.cfg.Database.MigrationsDir)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCapabilities advertises what this deployment can do.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	schemaOK, _ := s.store.ValidateSchema()
	pending, perr := s.store.PendingMigrations(s.cfg.Database.MigrationsDir)

	resp := map[string]any{
		"live_trading_enabled":  s.cfg.Trading.EnableLiveTrading && !s.cfg.Trading.DisableLive,
		"paper_trading_enabled": true,
		"insights_enabled":      s.cfg.Reasoner.APIKey != "",
		"news_enabled":          false,
		"db_ready":              schemaOK && perr == nil,
		"migrations_needed":     len(pending) > 0,
		"news_provider_status":  "disabled",
		"market_data_provider":  s.cfg.Market.DataMode,
		"version":               version,
		"demo_safe_mode":        s.cfg.Trading.DemoSafeMode,
		"stock_watchlist":       orEmpty(s.cfg.Stock.Watchlist),
		"limits": map[string]any{
			"live_max_notional_usd":     s.cfg.Trading.LiveMaxNotionalUSD,
			"confirmation_ttl_seconds":  int(s.confirms.TTL().Seconds()),
			"execution_timeout_seconds": int(s.cfg.Trading.ExecutionTimeout.Seconds()),
		},
		"request_id": requestID(r.Context()),
	}
	if len(pending) > 0 || !schemaOK {
		resp["remediation"] = fmt.Sprintf("apply the .sql files in %s and restart", s.cfg.Database.MigrationsDir)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReplay clones a finished run's locked proposal into a fresh run and
// executes it.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")
	tenant := tenantID(r)

	replayRun, err := s.runner.StageReplay(sourceID, tenant)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, r, http.StatusNotFound, types.CodeValidationError, "run not found")
			return
		}
		writeError(w, r, http.StatusConflict, types.CodeValidationError, err.Error())
		return
	}

	go func() {
		if _, err := s.runner.Execute(context.Background(), replayRun.RunID, tenant); err != nil {
			s.logger.Error("replay execution errored", "run_id", replayRun.RunID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "EXECUTING",
		"run_id":        replayRun.RunID,
		"source_run_id": sourceID,
		"request_id":    requestID(r.Context()),
	})
}

// orEmpty keeps JSON arrays as [] instead of null.
func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
