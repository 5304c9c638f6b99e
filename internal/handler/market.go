package handler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/protocol"
	"github.com/efreitasn/marketsim/internal/service"
	"github.com/go-chi/chi/v5"
)

// MarketHandler serves the market state endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

type itemsResponse struct {
	Items []protocol.ItemView `json:"items"`
	Count int                 `json:"count"`
}

type stockEntryResponse struct {
	ItemType string  `json:"item_type"`
	Quantity float64 `json:"quantity"`
}

type stockResponse struct {
	SellerID   string               `json:"seller_id"`
	Stock      []stockEntryResponse `json:"stock"`
	ActiveSale *protocol.ItemView   `json:"active_sale"`
}

type saleRecordResponse struct {
	ItemID          string  `json:"item_id"`
	ItemType        string  `json:"item_type"`
	InitialQuantity float64 `json:"initial_quantity"`
	Sold            float64 `json:"sold"`
	Returned        float64 `json:"returned"`
	Reason          string  `json:"reason"`
	StartedAt       string  `json:"started_at"`
	EndedAt         string  `json:"ended_at"`
}

type historyResponse struct {
	SellerID string               `json:"seller_id"`
	Sales    []saleRecordResponse `json:"sales"`
}

// ListItems handles GET /items.
func (h *MarketHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items := protocol.NewItemViews(h.marketSvc.ActiveItems(), time.Now())
	WriteJSON(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

// GetStock handles GET /sellers/{seller_id}/stock.
func (h *MarketHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "seller_id")

	stock, err := h.marketSvc.SellerStock(sellerID)
	if err != nil {
		mapMarketError(w, sellerID, err)
		return
	}

	resp := stockResponse{
		SellerID: sellerID,
		Stock:    make([]stockEntryResponse, 0, len(stock)),
	}
	// Report in rotation order.
	for _, t := range domain.ItemTypes {
		if q, ok := stock[t]; ok {
			resp.Stock = append(resp.Stock, stockEntryResponse{ItemType: string(t), Quantity: domain.QuantityToFloat(q)})
		}
	}
	if item, ok := h.marketSvc.ActiveSale(sellerID); ok {
		view := protocol.NewItemView(item, time.Now())
		resp.ActiveSale = &view
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /sellers/{seller_id}/history.
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "seller_id")

	records, err := h.marketSvc.History(sellerID)
	if err != nil {
		mapMarketError(w, sellerID, err)
		return
	}

	resp := historyResponse{
		SellerID: sellerID,
		Sales:    make([]saleRecordResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Sales = append(resp.Sales, saleRecordResponse{
			ItemID:          rec.Item.ItemID,
			ItemType:        string(rec.Item.ItemType),
			InitialQuantity: domain.QuantityToFloat(rec.Item.InitialQuantity),
			Sold:            domain.QuantityToFloat(rec.Sold),
			Returned:        domain.QuantityToFloat(rec.Returned),
			Reason:          string(rec.Reason),
			StartedAt:       rec.Item.SaleStartTime.UTC().Format(time.RFC3339Nano),
			EndedAt:         rec.EndedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ServerHandler serves the connection server endpoints.
type ServerHandler struct {
	monitor ServerMonitor
}

// NewServerHandler creates a new ServerHandler.
func NewServerHandler(monitor ServerMonitor) *ServerHandler {
	return &ServerHandler{monitor: monitor}
}

// ListSessions handles GET /sessions.
func (h *ServerHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.monitor.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetStats handles GET /stats.
func (h *ServerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.monitor.Stats())
}

// mapMarketError maps domain errors to HTTP responses for market endpoints.
func mapMarketError(w http.ResponseWriter, sellerID string, err error) {
	switch {
	case errors.Is(err, domain.ErrSellerNotFound):
		WriteError(w, http.StatusNotFound, "seller_not_found", fmt.Sprintf("Seller %s not found", sellerID))
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
