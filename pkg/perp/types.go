package perp

import (
	"math/big"
	"time"
)

// All monetary values, prices, and sizes are fixed-point integers scaled
// by 1e7 (seven decimals). Ratios and fees are in basis points.
const (
	PriceDecimals = 7

	// BpsDenominator converts basis points to a fraction.
	BpsDenominator = 10_000
)

var (
	priceScale = big.NewInt(10_000_000)
	bpsDenom   = big.NewInt(BpsDenominator)
	secondsPerHour = big.NewInt(3600)

	// maxSanePrice bounds oracle prices to catch corrupt feed data.
	maxSanePrice = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// OrderKind discriminates the pending order types.
type OrderKind uint8

const (
	OrderLimit OrderKind = iota + 1
	OrderStopLoss
	OrderTakeProfit
)

func (k OrderKind) String() string {
	switch k {
	case OrderLimit:
		return "limit"
	case OrderStopLoss:
		return "stop_loss"
	case OrderTakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

// Position is an open leveraged position. Collateral is held in the
// liquidity pool's account under the position ID.
type Position struct {
	ID         uint64   `json:"id"`
	Trader     string   `json:"trader"`
	MarketID   uint32   `json:"market_id"`
	IsLong     bool     `json:"is_long"`
	Collateral *big.Int `json:"collateral"`
	Size       *big.Int `json:"size"`
	EntryPrice *big.Int `json:"entry_price"`

	// Funding accumulator snapshots taken at entry (and refreshed on
	// increase), used to charge only funding accrued while open.
	EntryFundingLong  *big.Int `json:"entry_funding_long"`
	EntryFundingShort *big.Int `json:"entry_funding_short"`

	// LastInteraction anchors the borrowing-fee accrual window.
	LastInteraction  time.Time `json:"last_interaction"`
	LiquidationPrice *big.Int  `json:"liquidation_price"`
}

func (p *Position) clone() *Position {
	c := *p
	c.Collateral = new(big.Int).Set(p.Collateral)
	c.Size = new(big.Int).Set(p.Size)
	c.EntryPrice = new(big.Int).Set(p.EntryPrice)
	c.EntryFundingLong = new(big.Int).Set(p.EntryFundingLong)
	c.EntryFundingShort = new(big.Int).Set(p.EntryFundingShort)
	c.LiquidationPrice = new(big.Int).Set(p.LiquidationPrice)
	return &c
}

// Order is a pending conditional order. Limit orders escrow collateral
// plus the execution fee in the position manager's account; stop-loss
// and take-profit orders escrow only the execution fee.
type Order struct {
	ID       uint64    `json:"id"`
	Kind     OrderKind `json:"kind"`
	Trader   string    `json:"trader"`
	MarketID uint32    `json:"market_id"`

	// PositionID links stop-loss/take-profit orders to the position they
	// close. Zero for limit orders until execution.
	PositionID uint64 `json:"position_id,omitempty"`

	IsLong          bool     `json:"is_long"`
	TriggerPrice    *big.Int `json:"trigger_price"`
	AcceptablePrice *big.Int `json:"acceptable_price"`

	// Limit-order fields.
	Collateral *big.Int `json:"collateral,omitempty"`
	Size       *big.Int `json:"size,omitempty"`

	// ClosePercentage is the share of the position to close, in basis
	// points, for stop-loss/take-profit orders. 10000 closes fully.
	ClosePercentage int64 `json:"close_percentage,omitempty"`

	ExecutionFee *big.Int  `json:"execution_fee"`
	Expiration   time.Time `json:"expiration,omitempty"` // zero = never
	CreatedAt    time.Time `json:"created_at"`
}

func (o *Order) clone() *Order {
	c := *o
	c.TriggerPrice = new(big.Int).Set(o.TriggerPrice)
	c.AcceptablePrice = new(big.Int).Set(o.AcceptablePrice)
	if o.Collateral != nil {
		c.Collateral = new(big.Int).Set(o.Collateral)
	}
	if o.Size != nil {
		c.Size = new(big.Int).Set(o.Size)
	}
	c.ExecutionFee = new(big.Int).Set(o.ExecutionFee)
	return &c
}

func (o *Order) expired(now time.Time) bool {
	return !o.Expiration.IsZero() && now.After(o.Expiration)
}

// Market tracks per-market open interest and funding state.
type Market struct {
	ID              uint32   `json:"id"`
	MaxOpenInterest *big.Int `json:"max_open_interest"`
	LongOI          *big.Int `json:"long_oi"`
	ShortOI         *big.Int `json:"short_oi"`
	Paused          bool     `json:"paused"`

	// BaseFundingRate and MaxFundingRate are in bps per hour.
	BaseFundingRate int64 `json:"base_funding_rate"`
	MaxFundingRate  int64 `json:"max_funding_rate"`

	// FundingRate is the rate set by the last update, bps per hour,
	// positive when longs pay shorts.
	FundingRate       int64     `json:"funding_rate"`
	LastFundingUpdate time.Time `json:"last_funding_update"`

	// Cumulative funding per side in bps-seconds. A position's funding
	// cost is the delta of its side's accumulator since entry, divided
	// by 3600 and applied to its size. Negative deltas are credits.
	CumFundingLong  *big.Int `json:"cum_funding_long"`
	CumFundingShort *big.Int `json:"cum_funding_short"`
}

func (m *Market) clone() *Market {
	c := *m
	c.MaxOpenInterest = new(big.Int).Set(m.MaxOpenInterest)
	c.LongOI = new(big.Int).Set(m.LongOI)
	c.ShortOI = new(big.Int).Set(m.ShortOI)
	c.CumFundingLong = new(big.Int).Set(m.CumFundingLong)
	c.CumFundingShort = new(big.Int).Set(m.CumFundingShort)
	return &c
}

// mulDiv computes a*b/den with truncation toward zero.
func mulDiv(a, b, den *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, den)
}

// bpsOf computes amount*bps/10000.
func bpsOf(amount *big.Int, bps int64) *big.Int {
	return mulDiv(amount, big.NewInt(bps), bpsDenom)
}
