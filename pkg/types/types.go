// Package types defines the shared data vocabulary of the trading core:
// symbols, ticks, quotes, books, bars, campaigns, positions, orders, signals
// and the staleness/regime/breaker context types that flow between engines.
//
// All persisted financial fields use shopspring/decimal rather than float64
// so that prices, quantities and USD totals never accumulate binary
// floating-point error across the lifetime of a campaign.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a directional position side.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// OrderSide is the exchange-facing buy/sell direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType enumerates the kinds of orders the campaign engine submits.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopLoss   OrderType = "stop_loss"
	OrderTakeProfit OrderType = "take_profit"
	OrderOCO        OrderType = "oco"
)

// OrderStatus is the lifecycle state of a CampaignOrder.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
	OrderRejected        OrderStatus = "rejected"
)

// PositionState is the lifecycle state of a CampaignPosition.
type PositionState string

const (
	PositionOpen    PositionState = "open"
	PositionClosing PositionState = "closing"
	PositionClosed  PositionState = "closed"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseSLHit         CloseReason = "sl_hit"
	CloseTPHit         CloseReason = "tp_hit"
	CloseSignalExit    CloseReason = "signal_exit"
	CloseRebalanceExit CloseReason = "rebalance_exit"
	CloseBreakerExit   CloseReason = "breaker_exit"
	CloseManual        CloseReason = "manual"
)

// SignalStatus is the lifecycle state of a Signal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalExpired  SignalStatus = "expired"
	SignalCanceled SignalStatus = "cancelled"
)

// CampaignStatus is the lifecycle state of a Campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignStopped   CampaignStatus = "stopped"
)

// InvestorProfile gates which volatility regimes a campaign may trade in
// and how aggressively it may size positions (see VRE regime permissions).
type InvestorProfile string

const (
	ProfileConservative InvestorProfile = "C"
	ProfileModerate     InvestorProfile = "M"
	ProfileAggressive   InvestorProfile = "A"
	ProfileSuperAgg     InvestorProfile = "SA"
	ProfileFund         InvestorProfile = "F"
)

// RegimeLevel is the Volatility Regime Engine's classification output.
type RegimeLevel string

const (
	RegimeLow     RegimeLevel = "LOW"
	RegimeNormal  RegimeLevel = "NORMAL"
	RegimeHigh    RegimeLevel = "HIGH"
	RegimeExtreme RegimeLevel = "EXTREME"
)

// StalenessLevel is the per-(symbol,feed) freshness classification.
type StalenessLevel string

const (
	StalenessFresh      StalenessLevel = "FRESH"
	StalenessWarn       StalenessLevel = "WARN"
	StalenessHard       StalenessLevel = "HARD"
	StalenessKill       StalenessLevel = "KILL"
	StalenessQuarantine StalenessLevel = "QUARANTINE"
)

// BreakerLevel tags which tier of the circuit breaker service a
// CircuitBreakerEvent or Evaluate call concerns.
type BreakerLevel string

const (
	BreakerAsset   BreakerLevel = "asset"
	BreakerCluster BreakerLevel = "cluster"
	BreakerGlobal  BreakerLevel = "global"
)

// BreakerEventType enumerates append-only CircuitBreakerEvent kinds.
type BreakerEventType string

const (
	BreakerTriggered BreakerEventType = "triggered"
	BreakerReset     BreakerEventType = "reset"
	BreakerAutoReset BreakerEventType = "auto_reset"
)

// BarPeriod is the aggregation window of a Bar.
type BarPeriod string

const (
	Bar1s BarPeriod = "1s"
	Bar1m BarPeriod = "1m"
	Bar1h BarPeriod = "1h"
)

// Symbol is an exchange-scoped trading pair. Canonical form is "BASE/QUOTE";
// Native carries whatever identifier the exchange itself expects.
type Symbol struct {
	Exchange  string
	Canonical string // e.g. "BTC/USD"
	Native    string // e.g. "BTCUSDT"

	Volume24h    decimal.Decimal
	Spread       decimal.Decimal
	Depth        decimal.Decimal
	DailyATR     decimal.Decimal
	Unsupported  bool
	SubscribeErr int // consecutive subscription-error count
	RefreshedAt  time.Time
}

// Tick is a single trade/price observation for a symbol.
type Tick struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// L1Quote is the best bid/ask for a symbol.
type L1Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Spread returns AskPrice - BidPrice.
func (q L1Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// L2Level is one price/quantity level of an order book side.
type L2Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// L2Book is a full depth snapshot: bids descending, asks ascending.
type L2Book struct {
	Symbol    string    `json:"symbol"`
	Bids      []L2Level `json:"bids"`
	Asks      []L2Level `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is an OHLCV aggregate over a fixed period.
type Bar struct {
	Symbol     string          `json:"symbol"`
	Period     BarPeriod       `json:"period"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int             `json:"trade_count"`
	VWAP       decimal.Decimal `json:"vwap"`
	BarTS      time.Time       `json:"bar_ts"`
}

// Portfolio is one tenant's account: the owning identity for campaigns and
// the scope key for the circuit breaker's asset/cluster/global tiers.
type Portfolio struct {
	ID           string
	Name         string
	BaseCurrency string
	CreatedAt    time.Time
}

// Campaign is one autonomous trading mandate owned by a portfolio.
type Campaign struct {
	ID              string
	PortfolioID     string
	InvestorProfile InvestorProfile
	StartDate       time.Time
	EndDate         time.Time
	InitialCapital  decimal.Decimal
	CurrentEquity   decimal.Decimal
	Status          CampaignStatus

	// RiskConfigSnapshot and SelectionConfigSnapshot are opaque, immutable
	// JSON blobs captured once at campaign creation (see design notes on
	// immutable config snapshots).
	RiskConfigSnapshot      string
	SelectionConfigSnapshot string
}

// CampaignRiskState is the single mutable risk ledger of a campaign.
type CampaignRiskState struct {
	CampaignID          string
	CurrentEquity       decimal.Decimal
	EquityHighWatermark decimal.Decimal
	DailyPnL            decimal.Decimal
	DailyLossPct        decimal.Decimal
	CurrentDDPct        decimal.Decimal
	LossInRByPair       map[string]decimal.Decimal
	CBPairTriggered     map[string]bool
	CBDailyTriggered    bool
	CBCampaignTriggered bool
	CBCooldownUntil     time.Time
	CurrentTradableSet  []string
	LastRebalanceTS     time.Time
	LastAuditTS         time.Time
	LastDailyResetTS    time.Time
}

// CampaignPosition is one open/closing/closed directional position.
type CampaignPosition struct {
	ID          string
	CampaignID  string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	ATRAtEntry  decimal.Decimal
	RiskAmount  decimal.Decimal // "1R" = |entry-SL| * quantity
	State       PositionState
	CloseReason CloseReason
	OCOGroupID  string // links to the SL+TP bracket guarding this position
	OpenedAt    time.Time
	ClosedAt    time.Time
	RealizedPnL decimal.Decimal
}

// CampaignOrder is one exchange-facing order belonging to a campaign.
type CampaignOrder struct {
	ID              string
	InternalOrderID string // idempotency key, generated before any exchange call
	CampaignID      string
	Symbol          string
	Side            OrderSide
	OrderType       OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Stop            decimal.Decimal
	Limit           decimal.Decimal
	OCOGroupID      string
	Status          OrderStatus
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SignalConfig tunes signal generation for one (portfolio, symbol) pair.
type SignalConfig struct {
	PortfolioID     string
	Symbol          string
	LongATRMult     decimal.Decimal
	ShortATRMult    decimal.Decimal
	TP1Mult         decimal.Decimal
	TP2Mult         decimal.Decimal
	SLMult          decimal.Decimal
	TP1ClosePct     decimal.Decimal
	RiskPerTradeBps int
	Timeframe       BarPeriod
	Enabled         bool
}

// Signal is an immutable snapshot of a generation-time trading decision.
type Signal struct {
	ID                   string
	PortfolioID          string
	Symbol               string
	Side                 Side
	Price                decimal.Decimal
	EMA12                decimal.Decimal
	EMA36                decimal.Decimal
	ATR                  decimal.Decimal
	TP1                  decimal.Decimal
	TP2                  decimal.Decimal
	SL                   decimal.Decimal
	PositionSize         decimal.Decimal
	ConfigSnapshot       SignalConfig
	RiskPerTradeBpsUsed  int
	BreakerStateSnapshot string
	Status               SignalStatus
	ExecutionReason      string
	ExpirationReason     string
	GeneratedAt          time.Time
}

// StalenessState is the freshness classification of one (exchange, symbol,
// feed) triple.
type StalenessState struct {
	Exchange           string
	Symbol             string
	FeedType           string
	LastUpdateTS       time.Time
	SecondsSinceUpdate float64
	Level              StalenessLevel
	HardSince          time.Time // when level first reached >= HARD, for observability only
}

// VREContext is the per-symbol state of the volatility regime classifier.
type VREContext struct {
	Symbol            string
	PendingRegime     RegimeLevel
	Confirmations     int
	CurrentRegime     RegimeLevel
	CyclesInRegime    int
	CooldownRemaining int
	LastRegimeChange  time.Time
	SpikeGuardUntil   time.Time
}

// CircuitBreakerEvent is one append-only record of a breaker state change.
type CircuitBreakerEvent struct {
	ID          string
	PortfolioID string
	Level       BreakerLevel
	EventType   BreakerEventType
	Symbol      string
	Cluster     string
	Reason      string
	Metadata    string // JSON blob: thresholds, observed values
	Timestamp   time.Time
}

// AuditRecord is one hash-chained append-only audit log entry.
type AuditRecord struct {
	Seq       int64
	Action    string
	EntityID  string
	Payload   string // JSON
	PrevHash  string
	Hash      string
	Timestamp time.Time
}
