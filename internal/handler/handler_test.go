package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/engine"
	"github.com/efreitasn/marketsim/internal/feed"
	"github.com/efreitasn/marketsim/internal/server"
	"github.com/efreitasn/marketsim/internal/service"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// fakeMonitor returns canned server state.
type fakeMonitor struct {
	stats    server.Stats
	sessions []server.ClientInfo
}

func (m *fakeMonitor) Stats() server.Stats            { return m.stats }
func (m *fakeMonitor) Sessions() []server.ClientInfo { return m.sessions }

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router    http.Handler
	marketSvc *service.MarketService
	monitor   *fakeMonitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	market := engine.NewMarketManager(engine.Options{SaleDuration: time.Hour})
	marketSvc := service.NewMarketService(market, decimal.NewFromInt(5), false)
	t.Cleanup(marketSvc.Close)

	monitor := &fakeMonitor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		router:    NewRouter(marketSvc, monitor, nil, logger),
		marketSvc: marketSvc,
		monitor:   monitor,
	}
}

func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// --- Healthz ---

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.get(t, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

// --- Market Endpoints ---

func TestItems_Empty(t *testing.T) {
	env := newTestEnv(t)
	rr := env.get(t, "/items")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	items, ok := resp["items"].([]any)
	if !ok {
		t.Fatalf("items should be an array, got %T", resp["items"])
	}
	if len(items) != 0 || resp["count"] != float64(0) {
		t.Fatalf("expected empty list, got %v", resp)
	}
}

func TestItems_ListsActiveSales(t *testing.T) {
	env := newTestEnv(t)
	env.marketSvc.RegisterSeller("seller_1")
	env.marketSvc.RegisterSeller("seller_2")
	first, err := env.marketSvc.StartSale("seller_1", "flower", 2)
	if err != nil {
		t.Fatalf("StartSale: %v", err)
	}
	if _, err := env.marketSvc.StartSale("seller_2", "oil", 1.5); err != nil {
		t.Fatalf("StartSale: %v", err)
	}

	rr := env.get(t, "/items")
	var resp struct {
		Items []map[string]any `json:"items"`
		Count int              `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 2 || len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %+v", resp)
	}
	var got map[string]any
	for _, item := range resp.Items {
		if item["item_id"] == first.ItemID {
			got = item
		}
	}
	if got == nil {
		t.Fatalf("item %s not listed", first.ItemID)
	}
	if got["item_id"] != first.ItemID || got["name"] != "flower" || got["quantity"] != float64(2) {
		t.Errorf("first item = %v", got)
	}
	if got["seller_id"] != "seller_1" {
		t.Errorf("seller_id = %v", got["seller_id"])
	}
	if rt, _ := got["remaining_time"].(float64); rt <= 0 || rt > 3600 {
		t.Errorf("remaining_time = %v", got["remaining_time"])
	}
}

func TestStock_Success(t *testing.T) {
	env := newTestEnv(t)
	env.marketSvc.RegisterSeller("seller_1")
	if _, err := env.marketSvc.StartSale("seller_1", "sugar", 1.25); err != nil {
		t.Fatalf("StartSale: %v", err)
	}

	rr := env.get(t, "/sellers/seller_1/stock")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SellerID string `json:"seller_id"`
		Stock    []struct {
			ItemType string  `json:"item_type"`
			Quantity float64 `json:"quantity"`
		} `json:"stock"`
		ActiveSale *map[string]any `json:"active_sale"`
	}
	decodeJSON(t, rr, &resp)

	if resp.SellerID != "seller_1" {
		t.Errorf("seller_id = %q", resp.SellerID)
	}
	if len(resp.Stock) != len(domain.ItemTypes) {
		t.Fatalf("expected %d stock entries, got %d", len(domain.ItemTypes), len(resp.Stock))
	}
	for i, entry := range resp.Stock {
		if entry.ItemType != string(domain.ItemTypes[i]) {
			t.Errorf("stock[%d] = %s, want %s", i, entry.ItemType, domain.ItemTypes[i])
		}
		want := 5.0
		if entry.ItemType == "sugar" {
			want = 3.75
		}
		if entry.Quantity != want {
			t.Errorf("%s quantity = %v, want %v", entry.ItemType, entry.Quantity, want)
		}
	}
	if resp.ActiveSale == nil || (*resp.ActiveSale)["name"] != "sugar" {
		t.Errorf("active_sale = %v", resp.ActiveSale)
	}
}

func TestStock_NoActiveSale(t *testing.T) {
	env := newTestEnv(t)
	env.marketSvc.RegisterSeller("seller_1")

	rr := env.get(t, "/sellers/seller_1/stock")
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if v, ok := resp["active_sale"]; !ok || v != nil {
		t.Errorf("active_sale = %v, want null", v)
	}
}

func TestSellerEndpoints_NotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/sellers/ghost/stock", "/sellers/ghost/history"} {
		t.Run(path, func(t *testing.T) {
			rr := env.get(t, path)
			if rr.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rr.Code)
			}
			var resp map[string]string
			decodeJSON(t, rr, &resp)
			if resp["error"] != "seller_not_found" {
				t.Errorf("error = %q", resp["error"])
			}
			if !strings.Contains(resp["message"], "ghost") {
				t.Errorf("message = %q", resp["message"])
			}
		})
	}
}

func TestHistory_Success(t *testing.T) {
	env := newTestEnv(t)
	env.marketSvc.RegisterSeller("seller_1")
	item, err := env.marketSvc.StartSale("seller_1", "potato", 4)
	if err != nil {
		t.Fatalf("StartSale: %v", err)
	}
	if _, err := env.marketSvc.Purchase(item.ItemID, 1); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if _, err := env.marketSvc.EndSale("seller_1", ""); err != nil {
		t.Fatalf("EndSale: %v", err)
	}

	rr := env.get(t, "/sellers/seller_1/history")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Sales []map[string]any `json:"sales"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Sales) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Sales))
	}
	rec := resp.Sales[0]
	if rec["item_id"] != item.ItemID || rec["reason"] != "manual" {
		t.Errorf("record = %v", rec)
	}
	if rec["sold"] != float64(1) || rec["returned"] != float64(3) || rec["initial_quantity"] != float64(4) {
		t.Errorf("quantities = %v", rec)
	}
	endedAt, _ := rec["ended_at"].(string)
	if _, err := time.Parse(time.RFC3339Nano, endedAt); err != nil {
		t.Errorf("ended_at not RFC 3339: %v", err)
	}
}

func TestHistory_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	env.marketSvc.RegisterSeller("seller_1")

	rr := env.get(t, "/sellers/seller_1/history")
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if sales, ok := resp["sales"].([]any); !ok || len(sales) != 0 {
		t.Errorf("sales = %v, want []", resp["sales"])
	}
}

// --- Server Endpoints ---

func TestSessions(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.monitor.sessions = []server.ClientInfo{
		{NodeID: "seller_2", Role: domain.RoleSeller, State: domain.ClientRegistered, ConnectedAt: now},
		{NodeID: "buyer_1", Role: domain.RoleBuyer, State: domain.ClientActive, ConnectedAt: now.Add(-time.Second)},
	}

	rr := env.get(t, "/sessions")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Sessions []map[string]any `json:"sessions"`
		Count    int              `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d", resp.Count)
	}
	if resp.Sessions[0]["node_id"] != "buyer_1" || resp.Sessions[0]["state"] != "active" {
		t.Errorf("sessions not ordered by connect time: %v", resp.Sessions)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.stats = server.Stats{ActiveConnections: 3, Accepted: 7, PurchasesAccepted: 2}

	rr := env.get(t, "/stats")
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["active_connections"] != float64(3) || resp["accepted"] != float64(7) || resp["purchases_accepted"] != float64(2) {
		t.Errorf("stats = %v", resp)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.get(t, "/orders"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

// --- Feed ---

func TestFeed_UpgradesThroughRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	market := engine.NewMarketManager(engine.Options{})
	marketSvc := service.NewMarketService(market, decimal.NewFromInt(5), false)
	defer marketSvc.Close()

	hub := feed.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(NewRouter(marketSvc, &fakeMonitor{}, hub, logger))
	defer srv.Close()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/feed", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish([]byte(`{"type":"stock_update"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"type":"stock_update"}` {
		t.Errorf("message = %s", data)
	}
}

func TestFeed_NotMountedWithoutHub(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.get(t, "/feed"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}
