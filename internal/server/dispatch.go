package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/engine"
	"github.com/efreitasn/marketsim/internal/protocol"
)

// dispatch routes one message by the session's role. Request errors become
// error replies; the session always survives them.
func (s *Server) dispatch(sess *session, msg protocol.Message, logger *slog.Logger) {
	nodeID, role := sess.identity()
	logger.Debug("message received", slog.String("type", string(msg.Type)))

	switch role {
	case domain.RoleBuyer:
		switch p := msg.Payload.(type) {
		case protocol.ListItems:
			s.reply(sess, protocol.ListItems{Items: protocol.NewItemViews(s.market.ActiveItems(), time.Now())})
			return
		case protocol.BuyRequest:
			s.handleBuy(sess, nodeID, p, logger)
			return
		}
	case domain.RoleSeller:
		switch p := msg.Payload.(type) {
		case protocol.SaleStart:
			s.handleSaleStart(sess, nodeID, p, logger)
			return
		case protocol.SaleEnd:
			s.handleSaleEnd(sess, nodeID, p, logger)
			return
		}
	}
	s.replyError(sess, fmt.Sprintf("unsupported message type for %s: %s", role, msg.Type))
}

func (s *Server) handleBuy(sess *session, buyerID string, req protocol.BuyRequest, logger *slog.Logger) {
	out, err := s.market.Purchase(req.ItemID, req.Quantity)
	if err != nil {
		s.replyError(sess, errorText(err))
		return
	}
	qty := domain.QuantityToFloat(out.Quantity)
	if !out.Accepted {
		s.stats.purchasesRejected.Add(1)
		s.reply(sess, protocol.BuyResponse{Success: false, ItemID: req.ItemID, Quantity: qty})
		return
	}

	s.stats.purchasesAccepted.Add(1)
	logger.Info("purchase accepted",
		slog.String("item_id", req.ItemID),
		slog.String("quantity", out.Quantity.String()),
		slog.String("remaining", out.Item.Quantity.String()),
	)
	remaining := domain.QuantityToFloat(out.Item.Quantity)
	s.sendTo(out.Item.SellerID, protocol.BuyResponse{
		Success:   true,
		ItemID:    req.ItemID,
		Quantity:  qty,
		BuyerID:   buyerID,
		Remaining: &remaining,
	})
	s.reply(sess, protocol.BuyResponse{Success: true, ItemID: req.ItemID, Quantity: qty})
	s.broadcast(domain.RoleBuyer, protocol.StockUpdate{ItemView: protocol.NewItemView(out.Item, time.Now())})

	if out.Ended != nil {
		s.stats.salesEnded.Add(1)
		s.sendTo(out.Item.SellerID, protocol.SaleEnd{
			ItemID:  req.ItemID,
			Success: true,
			Reason:  string(domain.EndSoldOut),
		})
	}
}

func (s *Server) handleSaleStart(sess *session, sellerID string, req protocol.SaleStart, logger *slog.Logger) {
	item, err := s.market.StartSale(sellerID, req.Name, req.Quantity)
	if err != nil {
		s.replyError(sess, errorText(err))
		return
	}

	s.stats.salesStarted.Add(1)
	logger.Info("sale started",
		slog.String("item_id", item.ItemID),
		slog.String("item_type", string(item.ItemType)),
		slog.String("quantity", item.Quantity.String()),
	)
	now := time.Now()
	s.reply(sess, saleStartReply(item, now))
	s.broadcast(domain.RoleBuyer, protocol.StockUpdate{ItemView: protocol.NewItemView(item, now)})
}

func (s *Server) handleSaleEnd(sess *session, sellerID string, req protocol.SaleEnd, logger *slog.Logger) {
	rec, err := s.market.EndSale(sellerID, req.ItemID)
	if err != nil {
		s.replyError(sess, errorText(err))
		return
	}

	s.stats.salesEnded.Add(1)
	logger.Info("sale ended",
		slog.String("item_id", rec.Item.ItemID),
		slog.String("returned", rec.Returned.String()),
	)
	s.reply(sess, protocol.SaleEnd{ItemID: rec.Item.ItemID, Success: true, Reason: string(rec.Reason)})
	s.broadcast(domain.RoleBuyer, protocol.StockUpdate{ItemView: endedView(rec)})
}

// SaleExpired tells the seller its sale timed out and buyers that it is
// gone.
func (s *Server) SaleExpired(rec domain.SaleRecord) {
	s.stats.salesEnded.Add(1)
	s.sendTo(rec.Item.SellerID, protocol.SaleEnd{
		ItemID:  rec.Item.ItemID,
		Success: true,
		Reason:  string(rec.Reason),
	})
	s.broadcast(domain.RoleBuyer, protocol.StockUpdate{ItemView: endedView(rec)})
}

// SaleRotated announces a sale the market opened on the seller's behalf.
func (s *Server) SaleRotated(item domain.MarketItem) {
	s.stats.salesStarted.Add(1)
	now := time.Now()
	s.sendTo(item.SellerID, saleStartReply(item, now))
	s.broadcast(domain.RoleBuyer, protocol.StockUpdate{ItemView: protocol.NewItemView(item, now)})
}

var _ engine.SaleNotifier = (*Server)(nil)

func saleStartReply(item domain.MarketItem, now time.Time) protocol.SaleStart {
	return protocol.SaleStart{
		Name:          string(item.ItemType),
		Quantity:      domain.QuantityToFloat(item.Quantity),
		Success:       true,
		ItemID:        item.ItemID,
		RemainingTime: item.RemainingTime(now).Seconds(),
	}
}

// endedView renders an ended sale for buyers: zero remaining time tells
// them to drop it.
func endedView(rec domain.SaleRecord) protocol.ItemView {
	view := protocol.NewItemView(rec.Item, rec.EndedAt)
	view.RemainingTime = 0
	return view
}

// errorText maps a request error to the human-readable text of an error
// reply.
func errorText(err error) string {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, domain.ErrSellerNotFound):
		return "seller not found"
	case errors.Is(err, domain.ErrSaleNotFound):
		return "sale not found"
	case errors.Is(err, domain.ErrSaleAlreadyActive):
		return "seller already has an active sale"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient stock"
	case errors.Is(err, domain.ErrNotSaleOwner):
		return "sale belongs to another seller"
	case errors.Is(err, engine.ErrClosed):
		return "market is closed"
	default:
		return "internal error"
	}
}
