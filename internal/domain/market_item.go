package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSaleDuration is how long a sale stays open when no duration is
// configured.
const DefaultSaleDuration = 60 * time.Second

// MarketItem is an active sale: a seller's time-boxed offer of a quantity
// of one item type. Values handed out by the market manager are snapshots.
type MarketItem struct {
	ItemID          string
	ItemType        ItemType
	Quantity        decimal.Decimal // remaining, never negative
	InitialQuantity decimal.Decimal
	SellerID        string
	SaleStartTime   time.Time
	MaxSaleDuration time.Duration
}

// RemainingTime returns max(0, MaxSaleDuration - elapsed) at now.
func (m MarketItem) RemainingTime(now time.Time) time.Duration {
	remaining := m.MaxSaleDuration - now.Sub(m.SaleStartTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the sale duration has fully elapsed at now.
func (m MarketItem) Expired(now time.Time) bool {
	return m.RemainingTime(now) == 0
}

// Sold returns the quantity bought so far.
func (m MarketItem) Sold() decimal.Decimal {
	return m.InitialQuantity.Sub(m.Quantity)
}

// ItemStock is a seller's reserve of one item type that is not on sale.
// Invariant: 0 <= Quantity <= MaxQuantity.
type ItemStock struct {
	Quantity    decimal.Decimal
	MaxQuantity decimal.Decimal
}

// EndReason records why a sale ended.
type EndReason string

const (
	EndManual  EndReason = "manual"
	EndSoldOut EndReason = "sold_out"
	EndExpired EndReason = "expired"
)

// SaleRecord is the history entry written when a sale ends.
type SaleRecord struct {
	Item     MarketItem // final snapshot, Quantity is what was left unsold
	Sold     decimal.Decimal
	Returned decimal.Decimal // quantity moved back to reserve stock
	EndedAt  time.Time
	Reason   EndReason
}
