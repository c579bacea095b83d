package types

// Code is a stable machine-readable error/reason code. Codes appear in API
// error envelopes, preflight results, and run artifacts; their spelling is
// part of the external contract and must not change.
type Code string

// Provider / metadata codes.
const (
	CodeProductDetailsUnavailable Code = "PRODUCT_DETAILS_UNAVAILABLE"
	CodeProductAPITimeout         Code = "PRODUCT_API_TIMEOUT"
	CodeProductAPIRateLimited     Code = "PRODUCT_API_RATE_LIMITED"
	CodeProductNotFound           Code = "PRODUCT_NOT_FOUND"
	CodeProviderUnavailable       Code = "PROVIDER_UNAVAILABLE"
)

// Balance / validation codes.
const (
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientCash    Code = "INSUFFICIENT_CASH"
	CodeBelowMin            Code = "BELOW_MIN"
	CodeBelowMinimumSize    Code = "BELOW_MINIMUM_SIZE"
	CodeInvalidPrecision    Code = "INVALID_PRECISION"
	CodeExceedsHoldings     Code = "EXCEEDS_HOLDINGS"
	CodeFundsOnHold         Code = "FUNDS_ON_HOLD"
	CodeQtyZero             Code = "QTY_ZERO"
	CodeNotHeld             Code = "NOT_HELD"
	CodeNoBalance           Code = "NO_BALANCE"
	CodeNoProduct           Code = "NO_PRODUCT"
	CodeNotTradable         Code = "NOT_TRADABLE"
	CodeLimitOnly           Code = "LIMIT_ONLY"
)

// Order placement codes.
const (
	CodeOrderRejected  Code = "ORDER_REJECTED"
	CodeOrderTimeout   Code = "ORDER_TIMEOUT"
	CodeBrokerAPIError Code = "BROKER_API_ERROR"
)

// Execution codes.
const (
	CodeExecutionTimeout    Code = "EXECUTION_TIMEOUT"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeDemoModeLiveBlocked Code = "DEMO_MODE_LIVE_BLOCKED"
)

// Config / auth codes.
const (
	CodeCredentialsMissing  Code = "CREDENTIALS_MISSING"
	CodeLiveTradingDisabled Code = "LIVE_TRADING_DISABLED"
	CodeLiveDisabled        Code = "LIVE_DISABLED"
	CodeDBSchemaOutdated    Code = "DB_SCHEMA_OUTDATED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeRequestTooLarge     Code = "REQUEST_TOO_LARGE"
)

// Generic codes.
const (
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// codeInfo pairs the canonical user message with a remediation hint.
type codeInfo struct {
	message     string
	remediation string
}

var codeTable = map[Code]codeInfo{
	CodeProductDetailsUnavailable: {"Trading rules for this product are temporarily unavailable.", "Retry in a moment, or cancel the trade."},
	CodeProductAPITimeout:         {"The exchange metadata service timed out.", "Retry in a moment."},
	CodeProductAPIRateLimited:     {"The exchange metadata service is rate limiting requests.", "Wait a minute and retry."},
	CodeProductNotFound:           {"The exchange does not list this product.", "Check the symbol and try again."},
	CodeProviderUnavailable:       {"Trading rules could not be resolved from any source.", "Retry, or cancel the trade."},

	CodeInsufficientBalance: {"Your balance is not sufficient for this trade.", "Reduce the amount or deposit funds."},
	CodeInsufficientCash:    {"You do not have enough cash for this purchase.", "Reduce the amount, deposit funds, or sell another holding first."},
	CodeBelowMin:            {"The amount is below the venue's minimum order size.", "Increase the amount to meet the minimum."},
	CodeBelowMinimumSize:    {"The computed order size is below the venue's minimum.", "Increase the amount to meet the minimum."},
	CodeInvalidPrecision:    {"The order size does not align to the product's increment.", "Adjust the amount."},
	CodeExceedsHoldings:     {"The requested amount exceeds your holdings.", "Confirm selling your maximum, or cancel."},
	CodeFundsOnHold:         {"Your funds for this asset are currently on hold.", "Wait for open orders to settle, then retry."},
	CodeQtyZero:             {"You hold a zero quantity of this asset.", "Buy some first, or pick another asset."},
	CodeNotHeld:             {"You do not hold this asset.", "Check your portfolio for assets you can sell."},
	CodeNoBalance:           {"No sellable balance was found for this asset.", "Check your portfolio and retry."},
	CodeNoProduct:           {"No tradable market exists for this asset.", "Pick an asset with a USD or USDC market."},
	CodeNotTradable:         {"This product is not currently tradable.", "Pick another asset or try later."},
	CodeLimitOnly:           {"This product only accepts limit orders right now.", "Market orders are unavailable; try later."},

	CodeOrderRejected:  {"The exchange rejected the order.", "Review the rejection reason and adjust the trade."},
	CodeOrderTimeout:   {"The order did not reach a terminal state in time.", "Check the order status before retrying."},
	CodeBrokerAPIError: {"The broker API returned an error.", "Retry in a moment."},

	CodeExecutionTimeout:    {"Execution did not finish within the configured timeout.", "Check the run trace for the unfinished step."},
	CodeExecutionFailed:     {"Execution failed.", "Check the run trace for details."},
	CodeDemoModeLiveBlocked: {"Live crypto execution is blocked in demo safe mode.", "Set DEMO_SAFE_MODE=false to allow live crypto execution."},

	CodeCredentialsMissing:  {"Broker credentials are not configured.", "Set COINBASE_API_KEY_NAME and COINBASE_API_PRIVATE_KEY (or _PATH)."},
	CodeLiveTradingDisabled: {"Live trading is not enabled.", "Set ENABLE_LIVE_TRADING=true to enable live orders."},
	CodeLiveDisabled:        {"Live trading is disabled by the kill switch.", "Set TRADING_DISABLE_LIVE=false to re-enable live trading."},
	CodeDBSchemaOutdated:    {"The database schema is out of date.", "Restart backend after applying pending migrations."},
	CodeRateLimited:         {"Too many requests; the rate limit was exceeded.", "Wait a minute and retry."},
	CodeRequestTooLarge:     {"The request body is too large.", "Shorten the request and retry."},

	CodeValidationError: {"The request failed validation.", "Correct the request and retry."},
	CodeInternalError:   {"An internal error occurred.", "Retry; if it persists, contact support with the request id."},
}

// Message returns the canonical user-facing message for a code.
func (c Code) Message() string {
	if info, ok := codeTable[c]; ok {
		return info.message
	}
	return codeTable[CodeInternalError].message
}

// Remediation returns the canonical remediation hint for a code.
func (c Code) Remediation() string {
	if info, ok := codeTable[c]; ok {
		return info.remediation
	}
	return codeTable[CodeInternalError].remediation
}
