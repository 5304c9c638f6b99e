package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/protocol"
)

// SaleState is the seller's view of its current sale.
type SaleState struct {
	ItemID   string
	Name     string
	Quantity float64 // remaining
	Sold     float64
}

// Seller is a seller participant. It tracks its current sale from replies
// and the server's purchase and end notifications.
type Seller struct {
	*Runtime

	mu      sync.Mutex
	current *SaleState
}

// NewSeller creates a seller that is not yet connected.
func NewSeller(cfg Config, logger *slog.Logger) *Seller {
	s := &Seller{}
	s.Runtime = NewRuntime(cfg, s, logger)
	return s
}

// Start connects and registers as a seller.
func (s *Seller) Start(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	_, err := s.Register(ctx, domain.RoleSeller)
	return err
}

// ProcessUpdate implements UpdateProcessor.
func (s *Seller) ProcessUpdate(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := msg.Payload.(type) {
	case protocol.SaleStart:
		if p.Success {
			s.current = &SaleState{ItemID: p.ItemID, Name: p.Name, Quantity: p.Quantity}
		}
	case protocol.BuyResponse:
		if p.Success && p.BuyerID != "" && s.current != nil && s.current.ItemID == p.ItemID {
			s.current.Sold += p.Quantity
			if p.Remaining != nil {
				s.current.Quantity = *p.Remaining
			}
			s.logger.Info("item sold",
				slog.String("item_id", p.ItemID),
				slog.String("buyer_id", p.BuyerID),
				slog.Float64("quantity", p.Quantity),
			)
		}
	case protocol.SaleEnd:
		if p.Success && s.current != nil && (p.ItemID == "" || p.ItemID == s.current.ItemID) {
			s.current = nil
		}
	case protocol.StockUpdate:
		if s.current != nil && s.current.ItemID == p.ItemID {
			s.current.Quantity = p.Quantity
		}
	case protocol.Error:
		s.logger.Warn("server error", slog.String("error", p.Error))
	}
}

// StartSale opens a sale of quantity of the named item.
func (s *Seller) StartSale(ctx context.Context, name string, quantity float64) (protocol.SaleStart, error) {
	msg := s.NewMessage(protocol.SaleStart{Name: name, Quantity: quantity})
	resp, err := s.Request(ctx, msg, s.cfg.ReadTimeout, protocol.TypeSaleStart)
	if err != nil {
		return protocol.SaleStart{}, err
	}
	return resp.Payload.(protocol.SaleStart), nil
}

// EndSale ends the seller's sale. An empty itemID ends whichever sale is
// active.
func (s *Seller) EndSale(ctx context.Context, itemID string) (protocol.SaleEnd, error) {
	msg := s.NewMessage(protocol.SaleEnd{ItemID: itemID})
	resp, err := s.Request(ctx, msg, s.cfg.ReadTimeout, protocol.TypeSaleEnd)
	if err != nil {
		return protocol.SaleEnd{}, err
	}
	return resp.Payload.(protocol.SaleEnd), nil
}

// CurrentSale returns the sale the seller believes is active.
func (s *Seller) CurrentSale() (SaleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return SaleState{}, false
	}
	return *s.current, true
}
