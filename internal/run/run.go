// Package run executes a confirmed plan through a small fixed DAG:
//
//	portfolio → policy_check → approval → execution → reconciliation
//
// Every node's start, end, inputs, outputs, and error are persisted, and
// every transition is observable through the run's append-only event log.
// The runner holds a wall-clock budget for the whole DAG; when it expires
// the run is failed with the unfinished node recorded, so no run ever stays
// RUNNING past its timeout.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"executiondesk/internal/broker"
	"executiondesk/internal/config"
	"executiondesk/internal/metrics"
	"executiondesk/internal/resolve"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

// Node names in execution order.
const (
	NodePortfolio      = "portfolio"
	NodePolicyCheck    = "policy_check"
	NodeApproval       = "approval"
	NodeExecution      = "execution"
	NodeReconciliation = "reconciliation"
)

var nodeOrder = []string{NodePortfolio, NodePolicyCheck, NodeApproval, NodeExecution, NodeReconciliation}

// Policy verdicts recorded by the policy_check node.
const (
	PolicyAllowed          = "ALLOWED"
	PolicyRequiresApproval = "REQUIRES_APPROVAL"
	PolicyDenied           = "DENIED"
)

const defaultTimeout = 60 * time.Second

// errPaused stops the DAG without failing the run: a PENDING approval row
// exists and the run waits for a decision.
var errPaused = errors.New("run paused pending approval")

// rejection fails the run as REJECTED (policy denial) rather than FAILED.
type rejection struct {
	Code   types.Code
	Reason string
}

func (r *rejection) Error() string { return fmt.Sprintf("%s: %s", r.Code, r.Reason) }

// AutoSellDirective asks the execution node to raise cash by selling another
// holding before the BUY it funds.
type AutoSellDirective struct {
	Symbol        string  `json:"symbol"`
	ProductID     string  `json:"product_id"`
	SellAmountUSD float64 `json:"sell_amount_usd"`
	Reason        string  `json:"reason,omitempty"`
}

// Proposal is the locked plan persisted on the run row. Prices and Rules are
// captured at staging time so execution reads the same snapshot the user
// confirmed.
type Proposal struct {
	Actions   []types.TradeAction                   `json:"actions"`
	AutoSell  *AutoSellDirective                    `json:"auto_sell,omitempty"`
	Confirmed bool                                  `json:"confirmed,omitempty"`
	Prices    map[string]float64                    `json:"prices,omitempty"`
	Rules     map[string]types.ResolvedProductRules `json:"rules,omitempty"`
}

// ParseProposal decodes the run row's proposal JSON.
func ParseProposal(raw string) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	return &p, nil
}

// BalanceSource is the single balance read each node group performs.
type BalanceSource interface {
	Fetch(ctx context.Context, tenantID string, live bool) (*types.ExecutableState, error)
}

// Result is the runner's terminal summary for one Execute call.
type Result struct {
	RunID         string              `json:"run_id"`
	Status        types.RunStatus     `json:"status"`
	ExecutionMode types.ExecutionMode `json:"execution_mode"`
	OrderIDs      []string            `json:"order_ids"`
	OrderStatuses map[string]string   `json:"order_statuses"`
	FillConfirmed bool                `json:"fill_confirmed"`
	SafeSummary   string              `json:"safe_summary"`
	EvidenceRefs  []string            `json:"evidence_refs"`
	FailureCode   types.Code          `json:"failure_code,omitempty"`
}

// Runner drives the DAG. Orders route by the run's execution mode: only
// LIVE runs reach the live broker, everything else fills against the paper
// simulator. A nil live broker restricts execution to PAPER fills, tickets,
// and demo blocks.
type Runner struct {
	store    *store.Store
	live     broker.Broker
	paper    broker.Broker
	balances BalanceSource
	cfg      config.TradingConfig
	logger   *slog.Logger

	now   func() time.Time
	newID func() string

	// publish, when set, mirrors every appended event to a live subscriber
	// (the dashboard hub). Persistence is the source of truth; publishing is
	// fire-and-forget.
	publish func(types.RunEvent)
}

// OnEvent registers a live event subscriber. Call before Execute.
func (r *Runner) OnEvent(fn func(types.RunEvent)) { r.publish = fn }

// New builds a runner. live may be nil when no credentialed broker is
// configured; paper backs every non-LIVE run and must not be nil.
func New(st *store.Store, live, paper broker.Broker, balances BalanceSource, cfg config.TradingConfig, logger *slog.Logger) *Runner {
	return &Runner{
		store:    st,
		live:     live,
		paper:    paper,
		balances: balances,
		cfg:      cfg,
		logger:   logger.With("component", "run"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// brokerFor routes an execution mode to its provider. PAPER and REPLAY runs
// never reach the live broker, whatever the deployment flags say.
func (r *Runner) brokerFor(mode types.ExecutionMode) broker.Broker {
	if mode == types.ModeLive {
		return r.live
	}
	return r.paper
}

// NewRunID mints a run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// StageRun creates the QUEUED run row bound to a confirmed plan. When the
// confirmation already carries a run id (minted before the confirm CAS) that
// id is reused so the id the user saw is the id that runs.
func (r *Runner) StageRun(conf *types.Confirmation, class types.AssetClass) (*types.Run, error) {
	runID := conf.RunID
	if runID == "" {
		runID = NewRunID()
	}
	run := types.Run{
		RunID:             runID,
		TenantID:          conf.TenantID,
		Status:            types.RunQueued,
		ExecutionMode:     conf.Mode,
		AssetClass:        class,
		TradeProposalJSON: conf.ProposalJSON,
		LockedProductID:   conf.LockedProductID,
		StartedAt:         r.now().UTC(),
	}
	if err := r.store.CreateRun(run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StageReplay clones a finished run's locked proposal into a new REPLAY run.
// The proposal and decision lock are reused verbatim; only terminal runs can
// be replayed.
func (r *Runner) StageReplay(sourceRunID, tenantID string) (*types.Run, error) {
	src, err := r.store.GetRun(sourceRunID, tenantID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("run %s not found", sourceRunID)
	}
	if !src.Status.Terminal() {
		return nil, fmt.Errorf("run %s has not finished; only terminal runs can be replayed", sourceRunID)
	}
	replay := types.Run{
		RunID:             NewRunID(),
		TenantID:          tenantID,
		Status:            types.RunQueued,
		ExecutionMode:     types.ModeReplay,
		AssetClass:        src.AssetClass,
		TradeProposalJSON: src.TradeProposalJSON,
		SourceRunID:       src.RunID,
		LockedProductID:   src.LockedProductID,
		StartedAt:         r.now().UTC(),
	}
	if err := r.store.CreateRun(replay); err != nil {
		return nil, err
	}
	return &replay, nil
}

// runContext threads node outputs through the DAG.
type runContext struct {
	run      *types.Run
	proposal *Proposal

	portfolio     *types.ExecutableState
	totalUSD      float64
	policyVerdict string
	exec          *execOutputs
}

type nodeFunc func(ctx context.Context, rc *runContext) (map[string]any, error)

// Execute drives the run's DAG to a terminal state (or PAUSED awaiting
// approval). Calling it again on a PAUSED run re-evaluates the approval node
// against the decided approval row and continues.
func (r *Runner) Execute(ctx context.Context, runID, tenantID string) (*Result, error) {
	run, err := r.store.GetRun(runID, tenantID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s already terminal (%s)", runID, run.Status)
	}

	proposal, err := ParseProposal(run.TradeProposalJSON)
	if err != nil {
		return r.fail(run, "", types.CodeExecutionFailed, err), nil
	}

	timeout := r.cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.store.UpdateRunStatus(runID, types.RunRunning); err != nil {
		return nil, err
	}
	r.appendEvent(run, types.EventPlanCreated, map[string]any{
		"nodes":   nodeOrder,
		"mode":    run.ExecutionMode,
		"actions": len(proposal.Actions),
	})

	rc := &runContext{run: run, proposal: proposal}
	nodes := map[string]nodeFunc{
		NodePortfolio:      r.portfolioNode,
		NodePolicyCheck:    r.policyNode,
		NodeApproval:       r.approvalNode,
		NodeExecution:      r.executionNode,
		NodeReconciliation: r.reconciliationNode,
	}

	for _, name := range nodeOrder {
		if err := ctx.Err(); err != nil {
			return r.fail(run, name, types.CodeExecutionTimeout,
				fmt.Errorf("budget exhausted before node %s", name)), nil
		}

		_, err := r.runNode(ctx, rc, name, nodes[name])
		if errors.Is(err, errPaused) {
			if uerr := r.store.UpdateRunStatus(runID, types.RunPaused); uerr != nil {
				r.logger.Warn("pausing run failed", "run_id", runID, "error", uerr)
			}
			r.appendEvent(run, types.EventApprovalRequired, map[string]any{"node": name})
			return &Result{
				RunID: runID, Status: types.RunPaused, ExecutionMode: run.ExecutionMode,
				SafeSummary: "This live trade is waiting for approval before anything executes.",
			}, nil
		}
		var rej *rejection
		if errors.As(err, &rej) {
			return r.terminal(run, name, types.RunRejected, rej.Code, rej.Reason), nil
		}
		if err != nil {
			code := types.CodeExecutionFailed
			if errors.Is(err, context.DeadlineExceeded) {
				code = types.CodeExecutionTimeout
			}
			return r.fail(run, name, code, err), nil
		}
	}

	if err := r.store.UpdateRunStatus(runID, types.RunCompleted); err != nil {
		r.logger.Warn("completing run failed", "run_id", runID, "error", err)
	}
	metrics.Runs.WithLabelValues(string(types.RunCompleted)).Inc()

	res := r.buildResult(rc)
	res.Status = types.RunCompleted
	r.appendEvent(run, types.EventRunCompleted, map[string]any{
		"order_ids":      res.OrderIDs,
		"fill_confirmed": res.FillConfirmed,
	})
	return res, nil
}

// runNode persists the node lifecycle around fn.
func (r *Runner) runNode(ctx context.Context, rc *runContext, name string, fn nodeFunc) (map[string]any, error) {
	started := r.now().UTC()
	node := types.DagNode{
		NodeID:     rc.run.RunID + ":" + name,
		RunID:      rc.run.RunID,
		Name:       name,
		Status:     "RUNNING",
		InputsJSON: mustJSON(map[string]any{"mode": rc.run.ExecutionMode, "asset_class": rc.run.AssetClass}),
		StartedAt:  started,
	}
	if err := r.store.SaveNode(node); err != nil {
		return nil, err
	}
	r.appendEvent(rc.run, types.EventStepStarted, map[string]any{"node": name})

	outputs, err := fn(ctx, rc)

	completed := r.now().UTC()
	node.CompletedAt = &completed
	switch {
	case errors.Is(err, errPaused):
		node.Status = "PAUSED"
		node.OutputsJSON = mustJSON(map[string]any{"awaiting": "approval"})
	case err != nil:
		node.Status = "FAILED"
		node.ErrorJSON = mustJSON(map[string]any{"error": err.Error()})
		r.appendEvent(rc.run, types.EventStepFailed, map[string]any{"node": name, "error": err.Error()})
	default:
		node.Status = "COMPLETED"
		node.OutputsJSON = mustJSON(outputs)
		r.appendEvent(rc.run, types.EventStepCompleted, map[string]any{"node": name})
	}
	if serr := r.store.SaveNode(node); serr != nil {
		r.logger.Warn("saving node failed", "run_id", rc.run.RunID, "node", name, "error", serr)
	}
	return outputs, err
}

// portfolioNode performs the run's single authoritative balance read and
// values it with the prices locked at staging time.
func (r *Runner) portfolioNode(ctx context.Context, rc *runContext) (map[string]any, error) {
	live := rc.run.ExecutionMode == types.ModeLive
	state, err := r.balances.Fetch(ctx, rc.run.TenantID, live)
	if err != nil {
		return nil, fmt.Errorf("portfolio read: %w", err)
	}
	rc.portfolio = state

	var total float64
	for cur, b := range state.Balances {
		if resolve.IsCash(cur) {
			total += b.AvailableQty + b.HoldQty
			continue
		}
		if price := rc.proposal.Prices[cur+"-USD"]; price > 0 {
			total += (b.AvailableQty + b.HoldQty) * price
		}
	}
	rc.totalUSD = total

	return map[string]any{
		"source":     state.Source,
		"currencies": len(state.Balances),
		"total_usd":  total,
	}, nil
}

// policyNode records the policy verdict. LIVE with the feature flag off is a
// hard denial; LIVE plans above the notional cap escalate to approval.
func (r *Runner) policyNode(_ context.Context, rc *runContext) (map[string]any, error) {
	verdict := PolicyAllowed
	detail := map[string]any{}

	if rc.run.ExecutionMode == types.ModeLive {
		if !r.cfg.EnableLiveTrading {
			verdict = PolicyDenied
			detail["reason"] = string(types.CodeLiveTradingDisabled)
		} else if cap := r.cfg.LiveMaxNotionalUSD; cap > 0 {
			var planned float64
			for _, a := range rc.proposal.Actions {
				planned += a.AmountUSD
			}
			if planned > cap {
				verdict = PolicyRequiresApproval
				detail["planned_usd"] = planned
				detail["cap_usd"] = cap
			}
		}
	}

	rc.policyVerdict = verdict
	if err := r.store.RecordPolicyEvent(rc.run.RunID, rc.run.TenantID, verdict, mustJSON(detail)); err != nil {
		return nil, err
	}
	if verdict == PolicyDenied {
		return nil, &rejection{Code: types.CodeLiveTradingDisabled, Reason: types.CodeLiveTradingDisabled.Message()}
	}
	return map[string]any{"verdict": verdict}, nil
}

// approvalNode auto-approves PAPER runs, plans the user already confirmed,
// and non-LIVE plans the policy allowed. A LIVE run escalated by policy gets
// one PENDING approval row and pauses until it is decided.
func (r *Runner) approvalNode(_ context.Context, rc *runContext) (map[string]any, error) {
	auto := rc.run.ExecutionMode == types.ModePaper ||
		rc.proposal.Confirmed ||
		(rc.run.ExecutionMode != types.ModeLive && rc.policyVerdict == PolicyAllowed)

	if auto && rc.policyVerdict != PolicyRequiresApproval {
		return map[string]any{"approved": true, "auto": true}, nil
	}

	approvals, err := r.store.ListApprovalsByRun(rc.run.RunID)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		switch a.Status {
		case "APPROVED":
			return map[string]any{"approved": true, "approval_id": a.ApprovalID}, nil
		case "REJECTED":
			return nil, &rejection{Code: types.CodeExecutionFailed, Reason: "approval rejected"}
		case "PENDING":
			return nil, errPaused
		}
	}

	a := store.Approval{
		ApprovalID: "apr_" + r.newID(),
		RunID:      rc.run.RunID,
		TenantID:   rc.run.TenantID,
		Status:     "PENDING",
		Reason:     "live plan exceeds the auto-approval threshold",
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.CreateApproval(a); err != nil {
		return nil, err
	}
	return nil, errPaused
}

// reconciliationNode reads back DB-authoritative order state, writes the
// post-trade snapshot, and records the run diagnostics artifact.
func (r *Runner) reconciliationNode(ctx context.Context, rc *runContext) (map[string]any, error) {
	orders, err := r.store.ListOrdersByRun(rc.run.RunID)
	if err != nil {
		return nil, err
	}

	statuses := map[string]string{}
	fillConfirmed := len(orders) > 0
	for _, o := range orders {
		statuses[o.OrderID] = string(o.Status)
		if o.Status != types.OrderFilled || o.FilledQty <= 0 {
			fillConfirmed = false
		}
	}
	if rc.exec != nil {
		rc.exec.orderStatuses = statuses
		rc.exec.fillConfirmed = fillConfirmed
	}

	// Post-trade snapshot; best effort, the chart just loses a point if the
	// read fails.
	if state, err := r.balances.Fetch(ctx, rc.run.TenantID, rc.run.ExecutionMode == types.ModeLive); err == nil {
		r.saveSnapshot(rc, "snap_post_"+rc.run.RunID, state)
	}

	diag := map[string]any{
		"orders":         len(orders),
		"order_statuses": statuses,
		"fill_confirmed": fillConfirmed,
	}
	if err := r.store.SaveArtifact(rc.run.RunID, NodeReconciliation, types.ArtifactRunDiagnostics, mustJSON(diag)); err != nil {
		r.logger.Warn("saving diagnostics failed", "run_id", rc.run.RunID, "error", err)
	}
	return diag, nil
}

func (r *Runner) saveSnapshot(rc *runContext, snapshotID string, state *types.ExecutableState) {
	balances := make(map[string]float64, len(state.Balances))
	for cur, b := range state.Balances {
		balances[cur] = b.AvailableQty + b.HoldQty
	}
	snap := store.PortfolioSnapshot{
		SnapshotID:   snapshotID,
		TenantID:     rc.run.TenantID,
		BalancesJSON: mustJSON(balances),
		TotalUSD:     rc.totalUSD,
		TakenAt:      r.now().UTC(),
	}
	if err := r.store.SaveSnapshot(snap); err != nil {
		r.logger.Warn("saving snapshot failed", "run_id", rc.run.RunID, "snapshot_id", snapshotID, "error", err)
	}
}

func (r *Runner) buildResult(rc *runContext) *Result {
	res := &Result{
		RunID:         rc.run.RunID,
		ExecutionMode: rc.run.ExecutionMode,
		OrderStatuses: map[string]string{},
		EvidenceRefs: []string{
			"/api/v1/runs/" + rc.run.RunID,
			"/api/v1/runs/" + rc.run.RunID + "/trace",
		},
	}
	if rc.exec != nil {
		res.OrderIDs = rc.exec.orderIDs
		res.OrderStatuses = rc.exec.orderStatuses
		res.FillConfirmed = rc.exec.fillConfirmed
		res.SafeSummary = rc.exec.safeSummary
	}
	if res.SafeSummary == "" {
		res.SafeSummary = "The run finished; see the trace for order details."
	}
	return res
}

// fail transitions the run to FAILED, recording the node that did not finish.
func (r *Runner) fail(run *types.Run, node string, code types.Code, err error) *Result {
	r.logger.Error("run failed", "run_id", run.RunID, "node", node, "code", code, "error", err)
	r.store.SaveArtifact(run.RunID, node, types.ArtifactExecutionFailure, mustJSON(map[string]any{
		"node":  node,
		"code":  code,
		"error": err.Error(),
	}))
	return r.terminal(run, node, types.RunFailed, code, err.Error())
}

func (r *Runner) terminal(run *types.Run, node string, status types.RunStatus, code types.Code, reason string) *Result {
	if err := r.store.UpdateRunStatus(run.RunID, status); err != nil {
		r.logger.Warn("terminal transition failed", "run_id", run.RunID, "error", err)
	}
	metrics.Runs.WithLabelValues(string(status)).Inc()
	r.appendEvent(run, types.EventRunFailed, map[string]any{
		"node": node, "code": code, "reason": reason, "status": status,
	})
	return &Result{
		RunID:         run.RunID,
		Status:        status,
		ExecutionMode: run.ExecutionMode,
		OrderStatuses: map[string]string{},
		FailureCode:   code,
		SafeSummary:   code.Message(),
		EvidenceRefs:  []string{"/api/v1/runs/" + run.RunID + "/trace"},
	}
}

func (r *Runner) appendEvent(run *types.Run, eventType string, payload map[string]any) {
	raw := mustJSON(payload)
	seq, err := r.store.AppendEvent(run.RunID, run.TenantID, eventType, raw)
	if err != nil {
		r.logger.Warn("appending event failed", "run_id", run.RunID, "event", eventType, "error", err)
		return
	}
	if r.publish != nil {
		r.publish(types.RunEvent{
			Seq: seq, RunID: run.RunID, TenantID: run.TenantID,
			EventType: eventType, Payload: raw, TS: r.now().UTC(),
		})
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
