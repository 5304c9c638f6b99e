package service

import (
	"strings"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/engine"
	"github.com/shopspring/decimal"
)

// PurchaseOutcome is the result of a buyer's purchase. Quantity is the
// amount applied (or refused). Ended is set when the purchase sold the
// sale out and the sale was closed.
type PurchaseOutcome struct {
	Accepted bool
	Quantity decimal.Decimal
	Item     domain.MarketItem
	Ended    *domain.SaleRecord
}

// MarketService validates participant requests in wire terms (item names,
// float quantities, ownership) and applies them to the market.
type MarketService struct {
	market          *engine.MarketManager
	initialStock    decimal.Decimal
	resetOnRegister bool
}

// NewMarketService creates a new MarketService. Every seller that registers
// receives initialStock of each item type.
func NewMarketService(market *engine.MarketManager, initialStock decimal.Decimal, resetOnRegister bool) *MarketService {
	return &MarketService{
		market:          market,
		initialStock:    initialStock,
		resetOnRegister: resetOnRegister,
	}
}

// RegisterSeller initializes a seller's reserve stock. It reports whether
// stock was written.
func (s *MarketService) RegisterSeller(sellerID string) bool {
	return s.market.InitializeSellerStock(sellerID, s.initialStock, s.resetOnRegister)
}

// StartSale validates the item name and quantity and opens a sale.
func (s *MarketService) StartSale(sellerID, name string, quantity float64) (domain.MarketItem, error) {
	itemType, err := domain.ParseItemType(name)
	if err != nil {
		return domain.MarketItem{}, err
	}
	qty, err := domain.QuantityFromFloat(quantity)
	if err != nil {
		return domain.MarketItem{}, err
	}
	return s.market.StartSale(sellerID, itemType, qty)
}

// EndSale ends the seller's sale. An empty itemID selects the seller's
// active sale; otherwise the sale must belong to the seller.
func (s *MarketService) EndSale(sellerID, itemID string) (domain.SaleRecord, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		item, ok := s.market.ActiveSale(sellerID)
		if !ok {
			return domain.SaleRecord{}, domain.ErrSaleNotFound
		}
		itemID = item.ItemID
	} else {
		item, ok := s.market.Item(itemID)
		if !ok {
			return domain.SaleRecord{}, domain.ErrSaleNotFound
		}
		if item.SellerID != sellerID {
			return domain.SaleRecord{}, domain.ErrNotSaleOwner
		}
	}

	rec, ok := s.market.EndSale(itemID, domain.EndManual)
	if !ok {
		// Expired between the lookup and the end.
		return domain.SaleRecord{}, domain.ErrSaleNotFound
	}
	return rec, nil
}

// Purchase buys quantity of an active sale. A purchase that leaves
// nothing to sell ends the sale.
func (s *MarketService) Purchase(itemID string, quantity float64) (PurchaseOutcome, error) {
	if strings.TrimSpace(itemID) == "" {
		return PurchaseOutcome{}, &domain.ValidationError{Message: "item_id is required"}
	}
	qty, err := domain.QuantityFromFloat(quantity)
	if err != nil {
		return PurchaseOutcome{}, err
	}
	res, err := s.market.TryPurchase(itemID, qty)
	if err != nil {
		return PurchaseOutcome{}, err
	}

	out := PurchaseOutcome{Accepted: res.Accepted, Quantity: qty, Item: res.Item}
	if res.Accepted && res.Item.Quantity.IsZero() {
		if rec, ok := s.market.EndSale(itemID, domain.EndSoldOut); ok {
			out.Ended = &rec
		}
	}
	return out, nil
}

// ActiveItems returns the live sales, oldest first.
func (s *MarketService) ActiveItems() []domain.MarketItem {
	return s.market.ActiveItems()
}

// SellerStock returns the seller's reserve per item type.
func (s *MarketService) SellerStock(sellerID string) (map[domain.ItemType]decimal.Decimal, error) {
	return s.market.SellerStock(sellerID)
}

// ActiveSale returns the seller's current sale, if any.
func (s *MarketService) ActiveSale(sellerID string) (domain.MarketItem, bool) {
	return s.market.ActiveSale(sellerID)
}

// History returns the seller's ended sales. Unknown sellers are reported
// as domain.ErrSellerNotFound.
func (s *MarketService) History(sellerID string) ([]domain.SaleRecord, error) {
	if _, err := s.market.SellerStock(sellerID); err != nil {
		return nil, err
	}
	return s.market.History(sellerID), nil
}

// SetNotifier installs the receiver of expiry and rotation events.
func (s *MarketService) SetNotifier(n engine.SaleNotifier) {
	s.market.SetNotifier(n)
}

// Close cancels all pending sale expiries.
func (s *MarketService) Close() {
	s.market.Close()
}
