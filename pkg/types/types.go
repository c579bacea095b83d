// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — products, balances,
// resolved trading rules, trade actions and contexts, confirmations, runs,
// orders, fills, and run events. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ExecutionMode selects how a confirmed plan is carried out.
type ExecutionMode string

const (
	ModePaper        ExecutionMode = "PAPER"         // simulated fills, no broker calls
	ModeLive         ExecutionMode = "LIVE"          // real orders against the broker
	ModeAssistedLive ExecutionMode = "ASSISTED_LIVE" // ticket generation for manual placement
	ModeReplay       ExecutionMode = "REPLAY"        // replay a prior run's locked proposal
)

// AssetClass distinguishes crypto pairs from equities. Stocks always take the
// ASSISTED_LIVE path; the broker adapter is never called for them.
type AssetClass string

const (
	AssetCrypto AssetClass = "CRYPTO"
	AssetStock  AssetClass = "STOCK"
)

// AmountMode says how the user sized an action.
type AmountMode string

const (
	AmountQuoteUSD AmountMode = "quote_usd" // "$3 of BTC"
	AmountBaseQty  AmountMode = "base_qty"  // "0.001 BTC"
	AmountAll      AmountMode = "all"       // "all my BTC"
)

// RuleSource labels the provenance of resolved product rules. Only preview
// rules are authoritative; everything else renders as "(estimated)".
type RuleSource string

const (
	RulePreview     RuleSource = "preview"     // live broker preview call
	RuleCatalog     RuleSource = "catalog"     // persisted product catalog
	RuleFallback    RuleSource = "fallback"    // built-in safe table for major pairs
	RuleUnavailable RuleSource = "unavailable" // every tier missed; action must block
)

// ————————————————————————————————————————————————————————————————————————
// Products and balances
// ————————————————————————————————————————————————————————————————————————

// ProductStatus enumerates exchange listing states. Only online products with
// trading enabled accept market orders.
type ProductStatus string

const (
	ProductOnline     ProductStatus = "online"
	ProductOffline    ProductStatus = "offline"
	ProductCancelOnly ProductStatus = "cancel_only"
	ProductDelisted   ProductStatus = "delisted"
)

// Product is one catalog entry: a tradable pair and its exchange-imposed
// rules. BaseMinSize is in base units (BTC), MinMarketFunds in quote units
// (USD) — the two must never be conflated.
type Product struct {
	ProductID       string        `json:"product_id"`
	BaseCurrency    string        `json:"base_currency"`
	QuoteCurrency   string        `json:"quote_currency"`
	BaseMinSize     string        `json:"base_min_size"`
	BaseIncrement   string        `json:"base_increment"`
	QuoteIncrement  string        `json:"quote_increment"`
	MinMarketFunds  string        `json:"min_market_funds"`
	Status          ProductStatus `json:"status"`
	TradingDisabled bool          `json:"trading_disabled"`
	LimitOnly       bool          `json:"limit_only"`
	RefreshedAt     time.Time     `json:"refreshed_at"`
}

// Tradeable reports whether market orders are currently allowed.
func (p Product) Tradeable() bool {
	return p.Status == ProductOnline && !p.TradingDisabled
}

// ExecutableBalance is the exchange-side view of one currency: what can be
// spent now (available) and what is tied up in open orders (hold).
type ExecutableBalance struct {
	Currency     string    `json:"currency"`
	AvailableQty float64   `json:"available_qty"`
	HoldQty      float64   `json:"hold_qty"`
	AccountUUID  string    `json:"account_uuid"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExecutableState is the single authoritative balance read per trade intent.
type ExecutableState struct {
	Balances  map[string]ExecutableBalance `json:"balances"`
	FetchedAt time.Time                    `json:"fetched_at"`
	Source    string                       `json:"source"`
}

// Balance sources.
const (
	BalanceSourceBroker   = "broker_accounts"
	BalanceSourceSnapshot = "portfolio_snapshot_fallback"
)

// ResolvedProductRules is the output of the metadata precedence chain.
// Verified is true iff the rules came from an authoritative broker preview;
// catalog and fallback rules are estimates and must be labelled as such.
type ResolvedProductRules struct {
	ProductID       string     `json:"product_id"`
	Source          RuleSource `json:"rule_source"`
	BaseMinSize     float64    `json:"base_min_size"`
	BaseIncrement   float64    `json:"base_increment"`
	MinMarketFunds  float64    `json:"min_market_funds"`
	Status          string     `json:"status"`
	TradingDisabled bool       `json:"trading_disabled"`
	LimitOnly       bool       `json:"limit_only"`
	Verified        bool       `json:"verified"`
	CacheAgeSeconds float64    `json:"cache_age_seconds,omitempty"`
}

// Estimated returns the suffix attached to rule-derived numbers in user
// messages when the rules did not come from an authoritative source.
func (r ResolvedProductRules) Estimated() string {
	if r.Verified {
		return ""
	}
	return " (estimated)"
}

// ————————————————————————————————————————————————————————————————————————
// Trade actions
// ————————————————————————————————————————————————————————————————————————

// TradeAction is one requested (side, asset, amount) triplet. A single intent
// may carry several actions executed sequentially.
type TradeAction struct {
	Side         Side       `json:"side"`
	Asset        string     `json:"asset"`      // normalised symbol, e.g. "BTC"
	ProductID    string     `json:"product_id"` // e.g. "BTC-USD"
	AmountMode   AmountMode `json:"amount_mode"`
	AmountUSD    float64    `json:"amount_usd"`
	SellAll      bool       `json:"sell_all"`
	RequestedQty float64    `json:"requested_qty,omitempty"`
	// Qty is set at execution time from the increment-aligned safe quantity.
	Qty float64 `json:"qty,omitempty"`
	// ParentOrderID links a recycler SELL to the BUY it funds ("auto_sell").
	ParentOrderID string `json:"parent_order_id,omitempty"`
}

// Key identifies an action in diagnostics projections: SIDE_ASSET_MODE.
func (a TradeAction) Key() string {
	return string(a.Side) + "_" + a.Asset + "_" + string(a.AmountMode)
}

// ResolutionStatus classifies one requested symbol against live balances and
// the product catalog. Exactly one status applies; first match wins.
type ResolutionStatus string

const (
	ResolutionOK          ResolutionStatus = "OK"
	ResolutionNotHeld     ResolutionStatus = "NOT_HELD"
	ResolutionQtyZero     ResolutionStatus = "QTY_ZERO"
	ResolutionFundsOnHold ResolutionStatus = "FUNDS_ON_HOLD"
	ResolutionNoProduct   ResolutionStatus = "NO_PRODUCT"
	ResolutionNotTradable ResolutionStatus = "NOT_TRADABLE"
	ResolutionLimitOnly   ResolutionStatus = "LIMIT_ONLY"
)

// AssetResolution is the resolver's verdict for one symbol.
type AssetResolution struct {
	Symbol    string           `json:"symbol"`
	ProductID string           `json:"product_id,omitempty"`
	Status    ResolutionStatus `json:"status"`
	Message   string           `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Preflight
// ————————————————————————————————————————————————————————————————————————

// PreflightStatus is the outcome of the deterministic checks for one action.
type PreflightStatus string

const (
	PreflightReady    PreflightStatus = "READY"
	PreflightAdjusted PreflightStatus = "ADJUSTED"
	PreflightBlocked  PreflightStatus = "BLOCKED"
)

// PreflightResult carries one action's verdict with a single primary reason
// code (empty for READY).
type PreflightResult struct {
	Action            TradeAction     `json:"action"`
	Status            PreflightStatus `json:"status"`
	ReasonCode        Code            `json:"reason_code,omitempty"`
	Message           string          `json:"message,omitempty"`
	FixOptions        []string        `json:"fix_options,omitempty"`
	AdjustedAmountUSD float64         `json:"adjusted_amount_usd,omitempty"`
	AdjustedQty       float64         `json:"adjusted_qty,omitempty"`
	EstimatedFeeUSD   float64         `json:"estimated_fee_usd,omitempty"`
	RuleSource        RuleSource      `json:"rule_source,omitempty"`
	AutoSell          *RecycleResult  `json:"auto_sell_proposal,omitempty"`
}

// RecycleResult is the funds recycler's proposal to raise a BUY shortfall by
// selling another holding first. The user still confirms it separately.
type RecycleResult struct {
	NeedsRecycle  bool    `json:"needs_recycle"`
	SellSymbol    string  `json:"sell_symbol,omitempty"`
	SellAmountUSD float64 `json:"sell_amount_usd,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Confirmations
// ————————————————————————————————————————————————————————————————————————

// ConfirmationStatus is the lifecycle of a pending trade handle. PENDING
// reaches exactly one terminal state.
type ConfirmationStatus string

const (
	ConfirmPending   ConfirmationStatus = "PENDING"
	ConfirmConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmCancelled ConfirmationStatus = "CANCELLED"
	ConfirmExpired   ConfirmationStatus = "EXPIRED"
	ConfirmRejected  ConfirmationStatus = "REJECTED"
)

// Confirmation is a TTL-bounded handle exchanging a staged plan for a single
// run. LockedProductID persisted here overrides any symbol in the proposal at
// execution time (defence against symbol drift).
type Confirmation struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenant_id"`
	ConversationID  string             `json:"conversation_id"`
	Status          ConfirmationStatus `json:"status"`
	Mode            ExecutionMode      `json:"mode"`
	ProposalJSON    string             `json:"proposal_json"`
	InsightJSON     string             `json:"insight_json,omitempty"`
	LockedProductID string             `json:"locked_product_id"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	RunID           string             `json:"run_id,omitempty"`
}

// ConfirmationIDPrefix is mandatory on every confirmation id; malformed ids
// are rejected before any database read.
const ConfirmationIDPrefix = "conf_"

// ————————————————————————————————————————————————————————————————————————
// Runs, orders, fills
// ————————————————————————————————————————————————————————————————————————

// RunStatus is the DAG run lifecycle. Terminal states are COMPLETED, FAILED,
// and REJECTED; the runner promises no run stays RUNNING past its timeout.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunRejected  RunStatus = "REJECTED"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunRejected
}

// Run is one execution of a confirmed plan.
type Run struct {
	RunID             string        `json:"run_id"`
	TenantID          string        `json:"tenant_id"`
	Status            RunStatus     `json:"status"`
	ExecutionMode     ExecutionMode `json:"execution_mode"`
	AssetClass        AssetClass    `json:"asset_class"`
	TradeProposalJSON string        `json:"trade_proposal_json"`
	SourceRunID       string        `json:"source_run_id,omitempty"`
	LockedProductID   string        `json:"locked_product_id"`
	MetadataJSON      string        `json:"metadata_json,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// OrderStatus tracks an order from submission through the provider's
// terminal states plus local bookkeeping states.
type OrderStatus string

const (
	OrderSubmitted   OrderStatus = "SUBMITTED"
	OrderOpen        OrderStatus = "OPEN"
	OrderPending     OrderStatus = "PENDING"
	OrderPendingFill OrderStatus = "PENDING_FILL"
	OrderPartial     OrderStatus = "PARTIALLY_FILLED"
	OrderFilled      OrderStatus = "FILLED"
	OrderCanceled    OrderStatus = "CANCELED"
	OrderRejected    OrderStatus = "REJECTED"
	OrderExpired     OrderStatus = "EXPIRED"
	OrderFailed      OrderStatus = "FAILED"
	OrderTimeout     OrderStatus = "TIMEOUT"
)

// TerminalOrder reports whether the provider will never change this status.
func TerminalOrder(s OrderStatus) bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Order is one submission to a provider. ClientOrderID is the idempotency
// key, unique within (tenant, provider): re-submitting it returns the
// existing order instead of hitting the exchange again.
type Order struct {
	OrderID         string      `json:"order_id"`
	RunID           string      `json:"run_id"`
	TenantID        string      `json:"tenant_id"`
	Provider        string      `json:"provider"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	OrderType       string      `json:"order_type"`
	Qty             float64     `json:"qty,omitempty"`
	NotionalUSD     float64     `json:"notional_usd"`
	Status          OrderStatus `json:"status"`
	ClientOrderID   string      `json:"client_order_id"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	TotalFees       float64     `json:"total_fees"`
	CreatedAt       time.Time   `json:"created_at"`
	StatusUpdatedAt time.Time   `json:"status_updated_at"`
	StatusReason    string      `json:"status_reason,omitempty"`
}

// Fill is one provider execution against an order.
type Fill struct {
	FillID             string    `json:"fill_id"`
	OrderID            string    `json:"order_id"`
	RunID              string    `json:"run_id"`
	ProductID          string    `json:"product_id"`
	Price              float64   `json:"price"`
	Size               float64   `json:"size"`
	Fee                float64   `json:"fee"`
	TradeID            string    `json:"trade_id"`
	LiquidityIndicator string    `json:"liquidity_indicator"`
	FilledAt           time.Time `json:"filled_at"`
}

// DagNode records one orchestrator node's execution.
type DagNode struct {
	NodeID      string     `json:"node_id"`
	RunID       string     `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	InputsJSON  string     `json:"inputs_json,omitempty"`
	OutputsJSON string     `json:"outputs_json,omitempty"`
	ErrorJSON   string     `json:"error_json,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunEvent is one append-only entry in a run's ordered event log (the SSE
// stream replays these in insertion order).
type RunEvent struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload_json"`
	TS        time.Time `json:"ts"`
}

// Event type names emitted by the orchestrator.
const (
	EventPlanCreated         = "PLAN_CREATED"
	EventStepStarted         = "STEP_STARTED"
	EventStepCompleted       = "STEP_COMPLETED"
	EventStepFailed          = "STEP_FAILED"
	EventRunCompleted        = "RUN_COMPLETED"
	EventRunFailed           = "RUN_FAILED"
	EventOrderSubmitted      = "ORDER_SUBMITTED"
	EventOrderFilled         = "ORDER_FILLED"
	EventOrderPendingFill    = "ORDER_PENDING_FILL"
	EventDemoModeLiveBlocked = "DEMO_MODE_LIVE_BLOCKED"
	EventTradeTicketCreated  = "TRADE_TICKET_CREATED"
	EventApprovalRequired    = "APPROVAL_REQUIRED"
)

// Artifact type names persisted per (run, step).
const (
	ArtifactOrderIntent      = "order_intent"
	ArtifactOrderRules       = "order_rules"
	ArtifactTradeReceipt     = "trade_receipt"
	ArtifactExecutionFailure = "execution_failure"
	ArtifactDemoModeBlocked  = "demo_mode_blocked"
	ArtifactTradeTicket      = "trade_ticket"
	ArtifactAutoSellReceipt  = "auto_sell_receipt"
	ArtifactMinRulesTrace    = "min_rules_trace"
	ArtifactBalanceMismatch  = "balance_mismatch_diagnostic"
	ArtifactRunDiagnostics   = "run_diagnostics"
)

// TradeTicket is the ASSISTED_LIVE deliverable: a manual placement ticket
// with a suggested quantity and limit price.
type TradeTicket struct {
	TicketID     string    `json:"ticket_id"`
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	SuggestedQty float64   `json:"suggested_qty"`
	LimitPrice   float64   `json:"limit_price"`
	NotionalUSD  float64   `json:"notional_usd"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}
