package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"executiondesk/internal/balance"
	"executiondesk/internal/broker"
	"executiondesk/internal/config"
	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

func testPrices() map[string]float64 {
	return map[string]float64{"BTC-USD": 50000, "ETH-USD": 2500}
}

func testRules() map[string]types.ResolvedProductRules {
	return map[string]types.ResolvedProductRules{
		"BTC-USD": {ProductID: "BTC-USD", Source: types.RulePreview, Verified: true,
			BaseMinSize: 0.00001, BaseIncrement: 0.00000001, MinMarketFunds: 1},
		"ETH-USD": {ProductID: "ETH-USD", Source: types.RulePreview, Verified: true,
			BaseMinSize: 0.0001, BaseIncrement: 0.00000001, MinMarketFunds: 1},
	}
}

type fixture struct {
	store  *store.Store
	runner *Runner
}

func newFixture(t *testing.T, cfg config.TradingConfig, balances map[string]float64) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate("../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if balances != nil {
		raw, _ := json.Marshal(balances)
		if err := st.SaveSnapshot(store.PortfolioSnapshot{
			SnapshotID: "snap_seed", TenantID: "t1", BalancesJSON: string(raw),
			TakenAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	logger := slog.New(slog.DiscardHandler)
	paper := broker.NewPaper(func(_ context.Context, productID string) (float64, error) {
		if p, ok := testPrices()[productID]; ok {
			return p, nil
		}
		return 0, fmt.Errorf("no price for %s", productID)
	})
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 10 * time.Second
	}

	// Tests run LIVE plans against the simulator too; mode routing itself is
	// covered by TestPaperRunNeverReachesLiveBroker.
	runner := New(st, paper, paper, balance.New(st, nil, logger), cfg, logger)
	return &fixture{store: st, runner: runner}
}

func (f *fixture) stage(t *testing.T, mode types.ExecutionMode, class types.AssetClass, lock string, p Proposal) *types.Run {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal proposal: %v", err)
	}
	conf := &types.Confirmation{
		TenantID:        "t1",
		Mode:            mode,
		ProposalJSON:    string(raw),
		LockedProductID: lock,
	}
	run, err := f.runner.StageRun(conf, class)
	if err != nil {
		t.Fatalf("stage run: %v", err)
	}
	return run
}

func buyBTC(amountUSD float64) types.TradeAction {
	return types.TradeAction{
		Side: types.BUY, Asset: "BTC", ProductID: "BTC-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: amountUSD,
	}
}

func TestPaperBuyRunCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(), Confirmed: true,
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED (code %s)", res.Status, res.FailureCode)
	}
	if len(res.OrderIDs) != 1 {
		t.Fatalf("order ids = %v", res.OrderIDs)
	}
	if !res.FillConfirmed {
		t.Error("paper fill must confirm")
	}

	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 1 || orders[0].Status != types.OrderFilled {
		t.Fatalf("orders = %+v", orders)
	}
	if orders[0].FilledQty <= 0 || orders[0].AvgFillPrice != 50000 {
		t.Errorf("fill writeback: qty=%v avg=%v", orders[0].FilledQty, orders[0].AvgFillPrice)
	}

	fills, _ := f.store.ListFills(orders[0].OrderID)
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1", len(fills))
	}

	snaps, _ := f.store.ListSnapshots("t1")
	var pre, post bool
	for _, s := range snaps {
		if s.SnapshotID == "snap_pre_"+run.RunID {
			pre = true
		}
		if s.SnapshotID == "snap_post_"+run.RunID {
			post = true
		}
	}
	if !pre || !post {
		t.Errorf("snapshots pre=%v post=%v", pre, post)
	}
}

// recordingBroker captures every placement so tests can assert which
// provider a run reached.
type recordingBroker struct {
	placed []broker.OrderRequest
}

func (b *recordingBroker) Name() string { return "coinbase" }

func (b *recordingBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	b.placed = append(b.placed, req)
	return &broker.OrderAck{OrderID: fmt.Sprintf("live-%d", len(b.placed)), Status: types.OrderFilled}, nil
}

func (b *recordingBroker) GetOrder(_ context.Context, orderID string) (*broker.OrderState, error) {
	return &broker.OrderState{OrderID: orderID, Status: types.OrderFilled}, nil
}

func (b *recordingBroker) GetFills(context.Context, string) ([]broker.FillRecord, error) {
	return nil, nil
}

func (b *recordingBroker) GetBalances(context.Context) ([]broker.AccountBalance, error) {
	return nil, nil
}

func (b *recordingBroker) PreviewOrder(context.Context, broker.OrderRequest) (*broker.PreviewResult, error) {
	return &broker.PreviewResult{OK: true}, nil
}

func TestPaperRunNeverReachesLiveBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})

	logger := slog.New(slog.DiscardHandler)
	live := &recordingBroker{}
	paper := broker.NewPaper(func(_ context.Context, productID string) (float64, error) {
		if p, ok := testPrices()[productID]; ok {
			return p, nil
		}
		return 0, fmt.Errorf("no price for %s", productID)
	})
	runner := New(f.store, live, paper, balance.New(f.store, nil, logger),
		config.TradingConfig{EnableLiveTrading: true, ExecutionTimeout: 10 * time.Second}, logger)

	raw, _ := json.Marshal(Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(), Confirmed: true,
	})
	staged, err := runner.StageRun(&types.Confirmation{
		TenantID: "t1", Mode: types.ModePaper,
		ProposalJSON: string(raw), LockedProductID: "BTC-USD",
	}, types.AssetCrypto)
	if err != nil {
		t.Fatalf("stage run: %v", err)
	}

	res, err := runner.Execute(context.Background(), staged.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted || len(res.OrderIDs) != 1 {
		t.Fatalf("res = %+v", res)
	}
	if len(live.placed) != 0 {
		t.Fatalf("paper run placed %d order(s) through the live broker: %+v", len(live.placed), live.placed)
	}
	orders, _ := f.store.ListOrdersByRun(staged.RunID)
	if len(orders) != 1 || orders[0].Provider != "paper" {
		t.Fatalf("orders = %+v, want one paper fill", orders)
	}

	// A replay of that run stays on the simulator too.
	replay, err := runner.StageReplay(staged.RunID, "t1")
	if err != nil {
		t.Fatalf("stage replay: %v", err)
	}
	if _, err := runner.Execute(context.Background(), replay.RunID, "t1"); err != nil {
		t.Fatalf("execute replay: %v", err)
	}
	if len(live.placed) != 0 {
		t.Fatalf("replay run reached the live broker: %+v", live.placed)
	}
}

func TestClientOrderIDsDeriveFromRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(),
	})

	if _, err := f.runner.Execute(context.Background(), run.RunID, "t1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 1 || orders[0].ClientOrderID != run.RunID+"-1" {
		t.Fatalf("orders = %+v, want client id %s-1", orders, run.RunID)
	}
}

func TestRetriedExecutionReusesPriorOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(),
	})

	// A prior attempt already placed this run's first order.
	now := time.Now().UTC()
	prior := types.Order{
		OrderID: "ord_prior", RunID: run.RunID, TenantID: "t1",
		Provider: "paper", Symbol: "BTC-USD", Side: types.BUY,
		OrderType: "market", NotionalUSD: 25, Status: types.OrderFilled,
		ClientOrderID: run.RunID + "-1", CreatedAt: now, StatusUpdatedAt: now,
	}
	if _, _, err := f.store.InsertOrder(prior); err != nil {
		t.Fatalf("seed prior order: %v", err)
	}

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.OrderIDs) != 1 || res.OrderIDs[0] != "ord_prior" {
		t.Fatalf("order ids = %v, want the prior order reused", res.OrderIDs)
	}
	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 1 {
		t.Fatalf("orders = %+v, want no duplicate placement", orders)
	}
}

func TestEventOrderingStartsWithPlanCreated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(),
	})

	if _, err := f.runner.Execute(context.Background(), run.RunID, "t1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	events, _ := f.store.ListEvents(run.RunID, 0)
	if len(events) == 0 || events[0].EventType != types.EventPlanCreated {
		t.Fatalf("first event = %v, want PLAN_CREATED", events)
	}
	var sawSubmitted, sawFilled bool
	for _, e := range events {
		if e.EventType == types.EventOrderSubmitted {
			sawSubmitted = true
		}
		if e.EventType == types.EventOrderFilled {
			if !sawSubmitted {
				t.Error("ORDER_FILLED before ORDER_SUBMITTED")
			}
			sawFilled = true
		}
	}
	if !sawFilled {
		t.Error("no ORDER_FILLED event")
	}
	if events[len(events)-1].EventType != types.EventRunCompleted {
		t.Errorf("last event = %s, want RUN_COMPLETED", events[len(events)-1].EventType)
	}
}

func TestDecisionLockOverridesSymbol(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	drifted := types.TradeAction{
		Side: types.BUY, Asset: "ETH", ProductID: "ETH-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: 25,
	}
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{drifted},
		Prices:  testPrices(), Rules: testRules(),
	})

	if _, err := f.runner.Execute(context.Background(), run.RunID, "t1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 1 || orders[0].Symbol != "BTC-USD" {
		t.Fatalf("orders = %+v, want locked BTC-USD", orders)
	}
}

func TestDemoSafeModeBlocksLiveCrypto(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{DemoSafeMode: true, EnableLiveTrading: true},
		map[string]float64{"USD": 100})
	run := f.stage(t, types.ModeLive, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(), Confirmed: true,
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.OrderIDs) != 0 {
		t.Fatalf("demo mode placed orders: %v", res.OrderIDs)
	}

	events, _ := f.store.ListEvents(run.RunID, 0)
	blocked := false
	for _, e := range events {
		if e.EventType == types.EventDemoModeLiveBlocked {
			blocked = true
		}
	}
	if !blocked {
		t.Error("no DEMO_MODE_LIVE_BLOCKED event")
	}
	if !hasArtifact(t, f.store, run.RunID, types.ArtifactDemoModeBlocked) {
		t.Error("no demo_mode_blocked artifact")
	}
}

func TestStockPlanCreatesTickets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{EnableLiveTrading: true}, map[string]float64{"USD": 1000})
	action := types.TradeAction{
		Side: types.BUY, Asset: "AAPL", ProductID: "AAPL-USD",
		AmountMode: types.AmountQuoteUSD, AmountUSD: 200,
	}
	run := f.stage(t, types.ModeAssistedLive, types.AssetStock, "AAPL-USD", Proposal{
		Actions:   []types.TradeAction{action},
		Prices:    map[string]float64{"AAPL-USD": 200},
		Confirmed: true,
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("status = %s (code %s)", res.Status, res.FailureCode)
	}

	tickets, _ := f.store.ListTicketsByRun(run.RunID)
	if len(tickets) != 1 {
		t.Fatalf("tickets = %+v", tickets)
	}
	if tickets[0].SuggestedQty != 1 || tickets[0].LimitPrice != 200 {
		t.Errorf("ticket sizing = %+v", tickets[0])
	}
	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 0 {
		t.Errorf("assisted path placed orders: %+v", orders)
	}
}

func TestPolicyDeniesLiveWithoutFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{EnableLiveTrading: false}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModeLive, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(), Confirmed: true,
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunRejected {
		t.Fatalf("status = %s, want REJECTED", res.Status)
	}
	if res.FailureCode != types.CodeLiveTradingDisabled {
		t.Errorf("code = %s", res.FailureCode)
	}

	events, _ := f.store.ListPolicyEventsByRun(run.RunID)
	if len(events) != 1 || events[0].Verdict != PolicyDenied {
		t.Errorf("policy events = %+v", events)
	}
}

func TestLargeLivePlanPausesForApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{
		EnableLiveTrading: true, LiveMaxNotionalUSD: 10,
	}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModeLive, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(50)},
		Prices:  testPrices(), Rules: testRules(), Confirmed: true,
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunPaused {
		t.Fatalf("status = %s, want PAUSED", res.Status)
	}

	approvals, _ := f.store.ListApprovalsByRun(run.RunID)
	if len(approvals) != 1 || approvals[0].Status != "PENDING" {
		t.Fatalf("approvals = %+v", approvals)
	}

	// A second call while still pending must not create another approval.
	if res, _ = f.runner.Execute(context.Background(), run.RunID, "t1"); res.Status != types.RunPaused {
		t.Fatalf("re-execute status = %s", res.Status)
	}
	if approvals, _ = f.store.ListApprovalsByRun(run.RunID); len(approvals) != 1 {
		t.Fatalf("duplicate approval rows: %+v", approvals)
	}

	// Decide and resume.
	if won, err := f.store.DecideApproval(approvals[0].ApprovalID, "APPROVED"); err != nil || !won {
		t.Fatalf("decide: won=%v err=%v", won, err)
	}
	res, err = f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("resumed status = %s (code %s)", res.Status, res.FailureCode)
	}
	if len(res.OrderIDs) != 1 {
		t.Errorf("orders after approval = %v", res.OrderIDs)
	}
}

func TestAutoSellExecutesBeforeBuy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 5, "ETH": 1})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		AutoSell: &AutoSellDirective{
			Symbol: "ETH", ProductID: "ETH-USD", SellAmountUSD: 21.10,
			Reason: "raise cash for the BTC buy",
		},
		Prices: testPrices(), Rules: testRules(),
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("status = %s (code %s)", res.Status, res.FailureCode)
	}

	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 2 {
		t.Fatalf("orders = %+v, want sell then buy", orders)
	}
	if orders[0].Side != types.SELL || orders[0].Symbol != "ETH-USD" {
		t.Errorf("first order = %+v, want the auto-sell", orders[0])
	}
	if orders[1].Side != types.BUY || orders[1].Symbol != "BTC-USD" {
		t.Errorf("second order = %+v, want the funded buy", orders[1])
	}
	if !hasArtifact(t, f.store, run.RunID, types.ArtifactAutoSellReceipt) {
		t.Error("no auto_sell_receipt artifact")
	}
}

func TestMinNotionalBottomGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(0.50)},
		Prices:  testPrices(), Rules: testRules(),
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.OrderIDs) != 0 {
		t.Fatalf("sub-dollar order placed: %v", res.OrderIDs)
	}
	if !strings.Contains(res.SafeSummary, "failed validation") {
		t.Errorf("summary = %q", res.SafeSummary)
	}
}

func TestSellAllPaper(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"BTC": 0.5})
	action := types.TradeAction{
		Side: types.SELL, Asset: "BTC", ProductID: "BTC-USD",
		AmountMode: types.AmountAll, SellAll: true,
	}
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{action},
		Prices:  testPrices(), Rules: testRules(),
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunCompleted || !res.FillConfirmed {
		t.Fatalf("res = %+v", res)
	}
	orders, _ := f.store.ListOrdersByRun(run.RunID)
	if len(orders) != 1 || orders[0].Qty != 0.5 {
		t.Fatalf("orders = %+v, want qty 0.5", orders)
	}
}

func TestRunTimeoutFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{ExecutionTimeout: time.Nanosecond},
		map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(),
	})

	res, err := f.runner.Execute(context.Background(), run.RunID, "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != types.RunFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.FailureCode != types.CodeExecutionTimeout {
		t.Errorf("code = %s, want EXECUTION_TIMEOUT", res.FailureCode)
	}

	got, _ := f.store.GetRun(run.RunID, "t1")
	if !got.Status.Terminal() {
		t.Errorf("run left non-terminal: %s", got.Status)
	}
}

func TestTerminalRunCannotReExecute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.TradingConfig{}, map[string]float64{"USD": 100})
	run := f.stage(t, types.ModePaper, types.AssetCrypto, "BTC-USD", Proposal{
		Actions: []types.TradeAction{buyBTC(25)},
		Prices:  testPrices(), Rules: testRules(),
	})
	if _, err := f.runner.Execute(context.Background(), run.RunID, "t1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := f.runner.Execute(context.Background(), run.RunID, "t1"); err == nil {
		t.Fatal("re-executing a terminal run must error")
	}
}

func hasArtifact(t *testing.T, st *store.Store, runID, artifactType string) bool {
	t.Helper()
	artifacts, err := st.ListArtifacts(runID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	for _, a := range artifacts {
		if a.ArtifactType == artifactType {
			return true
		}
	}
	return false
}
