package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrClosed is returned by StartSale once the manager has been closed.
var ErrClosed = errors.New("market_closed")

// SaleNotifier receives sale transitions that no request caused: timer
// expiry and the automatic rotation that may follow it. It is called
// without the manager lock held.
type SaleNotifier interface {
	SaleExpired(rec domain.SaleRecord)
	SaleRotated(item domain.MarketItem)
}

// Options configures a MarketManager. Zero values select the defaults.
type Options struct {
	SaleDuration time.Duration // default domain.DefaultSaleDuration
	AutoRotate   bool          // start the seller's next item type after an expiry
	History      *store.HistoryStore
	Logger       *slog.Logger
	Now          func() time.Time
}

// PurchaseResult is the outcome of TryPurchase. Item is the sale snapshot
// after the purchase was applied (or refused).
type PurchaseResult struct {
	Accepted bool
	Item     domain.MarketItem
}

// MarketManager is the sole authority over sale and stock state. Every
// method is safe for concurrent use; a single mutex guards all state.
type MarketManager struct {
	mu       sync.Mutex
	sales    *saleIndex
	bySeller map[string]string // seller_id → active item_id
	stocks   map[string]map[domain.ItemType]*domain.ItemStock
	closed   bool

	duration   time.Duration
	autoRotate bool
	history    *store.HistoryStore
	notifier   SaleNotifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewMarketManager creates an empty market.
func NewMarketManager(opts Options) *MarketManager {
	if opts.SaleDuration <= 0 {
		opts.SaleDuration = domain.DefaultSaleDuration
	}
	if opts.History == nil {
		opts.History = store.NewHistoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MarketManager{
		sales:      newSaleIndex(),
		bySeller:   make(map[string]string),
		stocks:     make(map[string]map[domain.ItemType]*domain.ItemStock),
		duration:   opts.SaleDuration,
		autoRotate: opts.AutoRotate,
		history:    opts.History,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// SetNotifier installs the receiver of expiry and rotation events.
func (m *MarketManager) SetNotifier(n SaleNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// InitializeSellerStock creates one stock entry per item type with
// quantity = max = initial. For a known seller it is a no-op unless reset
// is set, in which case every entry is re-initialized. It reports whether
// stock was written.
func (m *MarketManager) InitializeSellerStock(sellerID string, initial decimal.Decimal, reset bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stocks[sellerID]; exists && !reset {
		return false
	}
	stocks := make(map[domain.ItemType]*domain.ItemStock, len(domain.ItemTypes))
	for _, t := range domain.ItemTypes {
		stocks[t] = &domain.ItemStock{Quantity: initial, MaxQuantity: initial}
	}
	m.stocks[sellerID] = stocks
	return true
}

// StartSale moves quantity of itemType from the seller's reserve into a new
// sale and schedules its expiry.
func (m *MarketManager) StartSale(sellerID string, itemType domain.ItemType, quantity decimal.Decimal) (domain.MarketItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.MarketItem{}, ErrClosed
	}
	return m.startSaleLocked(sellerID, itemType, quantity)
}

func (m *MarketManager) startSaleLocked(sellerID string, itemType domain.ItemType, quantity decimal.Decimal) (domain.MarketItem, error) {
	stocks, ok := m.stocks[sellerID]
	if !ok {
		return domain.MarketItem{}, domain.ErrSellerNotFound
	}
	if !quantity.IsPositive() {
		return domain.MarketItem{}, &domain.ValidationError{Message: "quantity must be greater than 0"}
	}
	stock, ok := stocks[itemType]
	if !ok {
		return domain.MarketItem{}, &domain.ValidationError{Message: fmt.Sprintf("invalid item type: %s", itemType)}
	}
	if _, active := m.bySeller[sellerID]; active {
		return domain.MarketItem{}, domain.ErrSaleAlreadyActive
	}
	if quantity.GreaterThan(stock.Quantity) {
		return domain.MarketItem{}, domain.ErrInsufficientStock
	}

	stock.Quantity = stock.Quantity.Sub(quantity)
	item := domain.MarketItem{
		ItemID:          "item_" + uuid.NewString(),
		ItemType:        itemType,
		Quantity:        quantity,
		InitialQuantity: quantity,
		SellerID:        sellerID,
		SaleStartTime:   m.now(),
		MaxSaleDuration: m.duration,
	}
	entry := &saleEntry{item: item}
	itemID := item.ItemID
	entry.timer = time.AfterFunc(m.duration, func() { m.handleExpiry(itemID) })

	m.sales.insert(entry)
	m.bySeller[sellerID] = itemID
	return item, nil
}

// TryPurchase buys quantity of an active sale, all or nothing. The check
// and the decrement happen in one critical section, so concurrent buyers
// can never overdraw a sale.
func (m *MarketManager) TryPurchase(itemID string, quantity decimal.Decimal) (PurchaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sales.get(itemID)
	if !ok || entry.item.Expired(m.now()) {
		return PurchaseResult{}, domain.ErrSaleNotFound
	}
	if !quantity.IsPositive() {
		return PurchaseResult{}, &domain.ValidationError{Message: "quantity must be greater than 0"}
	}
	if quantity.GreaterThan(entry.item.Quantity) {
		return PurchaseResult{Accepted: false, Item: entry.item}, nil
	}
	entry.item.Quantity = entry.item.Quantity.Sub(quantity)
	return PurchaseResult{Accepted: true, Item: entry.item}, nil
}

// EndSale ends a sale: it cancels the expiry task, returns the unsold
// remainder to the seller's reserve and records the sale in history.
// Ending an unknown or already ended sale is a no-op that returns false.
func (m *MarketManager) EndSale(itemID string, reason domain.EndReason) (domain.SaleRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sales.get(itemID)
	if !ok {
		return domain.SaleRecord{}, false
	}
	return m.endLocked(entry, reason), true
}

func (m *MarketManager) endLocked(entry *saleEntry, reason domain.EndReason) domain.SaleRecord {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	item := entry.item
	m.sales.remove(item.ItemID)
	if m.bySeller[item.SellerID] == item.ItemID {
		delete(m.bySeller, item.SellerID)
	}

	if stock, ok := m.stocks[item.SellerID][item.ItemType]; ok {
		stock.Quantity = stock.Quantity.Add(item.Quantity)
		// A reset while the sale was open may leave less headroom than the
		// remainder.
		if stock.Quantity.GreaterThan(stock.MaxQuantity) {
			stock.Quantity = stock.MaxQuantity
		}
	}

	rec := domain.SaleRecord{
		Item:     item,
		Sold:     item.Sold(),
		Returned: item.Quantity,
		EndedAt:  m.now(),
		Reason:   reason,
	}
	m.history.Append(rec)
	return rec
}

// handleExpiry is the expiry task of a sale. The sale may have ended by
// another path after the timer fired, so it is looked up again under the
// lock.
func (m *MarketManager) handleExpiry(itemID string) {
	m.mu.Lock()
	entry, ok := m.sales.get(itemID)
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	rec := m.endLocked(entry, domain.EndExpired)

	var (
		rotated    domain.MarketItem
		didRotate  bool
		rotateErr  error
		notifier   = m.notifier
		autoRotate = m.autoRotate
	)
	if autoRotate {
		rotated, didRotate, rotateErr = m.rotateLocked(rec.Item)
	}
	m.mu.Unlock()

	m.logger.Info("sale expired",
		slog.String("item_id", itemID),
		slog.String("seller_id", rec.Item.SellerID),
		slog.String("returned", rec.Returned.String()),
	)
	if rotateErr != nil {
		m.logger.Error("sale rotation failed",
			slog.String("seller_id", rec.Item.SellerID),
			slog.String("error", rotateErr.Error()),
		)
	}

	if notifier != nil {
		notifier.SaleExpired(rec)
		if didRotate {
			notifier.SaleRotated(rotated)
		}
	}
}

// rotateLocked starts a sale of the seller's next item type, in rotation
// order after prev's type, that has reserve stock. The whole reserve goes
// on sale.
func (m *MarketManager) rotateLocked(prev domain.MarketItem) (domain.MarketItem, bool, error) {
	stocks, ok := m.stocks[prev.SellerID]
	if !ok {
		return domain.MarketItem{}, false, nil
	}
	next := prev.ItemType
	for i := 0; i < len(domain.ItemTypes)-1; i++ {
		next = next.Next()
		stock := stocks[next]
		if !stock.Quantity.IsPositive() {
			continue
		}
		item, err := m.startSaleLocked(prev.SellerID, next, stock.Quantity)
		if err != nil {
			return domain.MarketItem{}, false, err
		}
		return item, true, nil
	}
	return domain.MarketItem{}, false, nil
}

// ActiveItems returns a snapshot of live sales, oldest first. Sales whose
// duration has elapsed are excluded even if their expiry task has not run.
func (m *MarketManager) ActiveItems() []domain.MarketItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	items := make([]domain.MarketItem, 0, m.sales.len())
	m.sales.ascend(func(e *saleEntry) bool {
		if !e.item.Expired(now) {
			items = append(items, e.item)
		}
		return true
	})
	return items
}

// Item returns a snapshot of one active sale.
func (m *MarketManager) Item(itemID string) (domain.MarketItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sales.get(itemID)
	if !ok {
		return domain.MarketItem{}, false
	}
	return entry.item, true
}

// ActiveSale returns the seller's current sale, if any.
func (m *MarketManager) ActiveSale(sellerID string) (domain.MarketItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	itemID, ok := m.bySeller[sellerID]
	if !ok {
		return domain.MarketItem{}, false
	}
	entry, ok := m.sales.get(itemID)
	if !ok {
		return domain.MarketItem{}, false
	}
	return entry.item, true
}

// SellerStock returns the seller's reserve per item type.
func (m *MarketManager) SellerStock(sellerID string) (map[domain.ItemType]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stocks, ok := m.stocks[sellerID]
	if !ok {
		return nil, domain.ErrSellerNotFound
	}
	result := make(map[domain.ItemType]decimal.Decimal, len(stocks))
	for t, s := range stocks {
		result[t] = s.Quantity
	}
	return result, nil
}

// History returns the seller's ended sales in chronological order.
func (m *MarketManager) History(sellerID string) []domain.SaleRecord {
	return m.history.BySeller(sellerID)
}

// Close cancels every pending expiry task. Sales stay listed but no longer
// expire, and no new sale can start.
func (m *MarketManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.sales.ascend(func(e *saleEntry) bool {
		if e.timer != nil {
			e.timer.Stop()
		}
		return true
	})
}
