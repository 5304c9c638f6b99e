package protocol

import (
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
)

// NewItemView renders a sale snapshot for the wire, computing its remaining
// time at now.
func NewItemView(item domain.MarketItem, now time.Time) ItemView {
	return ItemView{
		ItemID:          item.ItemID,
		Name:            string(item.ItemType),
		Quantity:        domain.QuantityToFloat(item.Quantity),
		SellerID:        item.SellerID,
		RemainingTime:   item.RemainingTime(now).Seconds(),
		SaleStartTime:   float64(item.SaleStartTime.UnixNano()) / float64(time.Second),
		MaxSaleDuration: item.MaxSaleDuration.Seconds(),
	}
}

// NewItemViews renders a list of sale snapshots. The result is never nil.
func NewItemViews(items []domain.MarketItem, now time.Time) []ItemView {
	views := make([]ItemView, 0, len(items))
	for _, item := range items {
		views = append(views, NewItemView(item, now))
	}
	return views
}
