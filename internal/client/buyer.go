package client

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/protocol"
)

// Buyer is a buyer participant. It keeps a cache of active sales, fed by
// list_items replies and stock_update broadcasts.
type Buyer struct {
	*Runtime

	mu    sync.RWMutex
	items map[string]protocol.ItemView
}

// NewBuyer creates a buyer that is not yet connected.
func NewBuyer(cfg Config, logger *slog.Logger) *Buyer {
	b := &Buyer{items: make(map[string]protocol.ItemView)}
	b.Runtime = NewRuntime(cfg, b, logger)
	return b
}

// Start connects and registers as a buyer.
func (b *Buyer) Start(ctx context.Context) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	_, err := b.Register(ctx, domain.RoleBuyer)
	return err
}

// ProcessUpdate implements UpdateProcessor.
func (b *Buyer) ProcessUpdate(msg protocol.Message) {
	switch p := msg.Payload.(type) {
	case protocol.ListItems:
		b.mu.Lock()
		clear(b.items)
		for _, item := range p.Items {
			b.items[item.ItemID] = item
		}
		b.mu.Unlock()
	case protocol.StockUpdate:
		b.mu.Lock()
		if p.Quantity <= 0 || p.RemainingTime <= 0 {
			delete(b.items, p.ItemID)
		} else {
			b.items[p.ItemID] = p.ItemView
		}
		b.mu.Unlock()
	case protocol.Error:
		b.logger.Warn("server error", slog.String("error", p.Error))
	}
}

// ListItems asks the server for the active sales.
func (b *Buyer) ListItems(ctx context.Context) ([]protocol.ItemView, error) {
	resp, err := b.Request(ctx, b.NewMessage(protocol.ListItems{}), b.cfg.ReadTimeout, protocol.TypeListItems)
	if err != nil {
		return nil, err
	}
	return resp.Payload.(protocol.ListItems).Items, nil
}

// Buy requests quantity of a sale. It reports whether the purchase was
// accepted; a refusal for insufficient quantity is not an error.
func (b *Buyer) Buy(ctx context.Context, itemID string, quantity float64) (bool, error) {
	msg := b.NewMessage(protocol.BuyRequest{ItemID: itemID, Quantity: quantity})
	resp, err := b.Request(ctx, msg, b.cfg.ReadTimeout, protocol.TypeBuyResponse)
	if err != nil {
		return false, err
	}
	return resp.Payload.(protocol.BuyResponse).Success, nil
}

// Items returns the cached sales, oldest first.
func (b *Buyer) Items() []protocol.ItemView {
	b.mu.RLock()
	items := make([]protocol.ItemView, 0, len(b.items))
	for _, item := range b.items {
		items = append(items, item)
	}
	b.mu.RUnlock()

	slices.SortFunc(items, func(x, y protocol.ItemView) int {
		if c := cmp.Compare(x.SaleStartTime, y.SaleStartTime); c != 0 {
			return c
		}
		return cmp.Compare(x.ItemID, y.ItemID)
	})
	return items
}
