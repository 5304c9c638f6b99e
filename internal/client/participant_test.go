package client

import (
	"context"
	"testing"
	"time"

	"github.com/efreitasn/marketsim/internal/engine"
	"github.com/efreitasn/marketsim/internal/protocol"
)

func startParticipants(t *testing.T, opts engine.Options) (*Seller, *Buyer) {
	t.Helper()
	addr := startMarket(t, opts)
	ctx := context.Background()

	seller := NewSeller(Config{Addr: addr}, discardLogger())
	if err := seller.Start(ctx); err != nil {
		t.Fatalf("seller Start: %v", err)
	}
	t.Cleanup(func() { seller.Close() })

	buyer := NewBuyer(Config{Addr: addr}, discardLogger())
	if err := buyer.Start(ctx); err != nil {
		t.Fatalf("buyer Start: %v", err)
	}
	t.Cleanup(func() { buyer.Close() })
	return seller, buyer
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestParticipants_TradeFlow(t *testing.T) {
	seller, buyer := startParticipants(t, engine.Options{})
	ctx := context.Background()

	sale, err := seller.StartSale(ctx, "Flower", 5)
	if err != nil {
		t.Fatalf("StartSale: %v", err)
	}
	if sale.Name != "flower" || sale.Quantity != 5 || sale.RemainingTime <= 0 {
		t.Errorf("sale_start reply = %+v", sale)
	}
	if cur, ok := seller.CurrentSale(); !ok || cur.ItemID != sale.ItemID {
		t.Errorf("current sale = %+v, %v", cur, ok)
	}

	items, err := buyer.ListItems(ctx)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != sale.ItemID {
		t.Fatalf("items = %+v", items)
	}

	ok, err := buyer.Buy(ctx, sale.ItemID, 3)
	if err != nil || !ok {
		t.Fatalf("Buy(3) = %v, %v", ok, err)
	}
	ok, err = buyer.Buy(ctx, sale.ItemID, 3)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if ok {
		t.Fatal("expected second purchase of 3 to be refused")
	}

	eventually(t, func() bool {
		cur, ok := seller.CurrentSale()
		return ok && cur.Quantity == 2 && cur.Sold == 3
	}, "seller did not observe the purchase")
	eventually(t, func() bool {
		cached := buyer.Items()
		return len(cached) == 1 && cached[0].Quantity == 2
	}, "buyer cache did not apply the stock update")

	end, err := seller.EndSale(ctx, "")
	if err != nil {
		t.Fatalf("EndSale: %v", err)
	}
	if !end.Success || end.ItemID != sale.ItemID {
		t.Errorf("sale_end reply = %+v", end)
	}
	if _, ok := seller.CurrentSale(); ok {
		t.Error("seller still tracks an ended sale")
	}
	eventually(t, func() bool { return len(buyer.Items()) == 0 }, "buyer cache still lists the ended sale")
}

func TestParticipants_ExpiryClearsState(t *testing.T) {
	seller, buyer := startParticipants(t, engine.Options{SaleDuration: 100 * time.Millisecond})
	ctx := context.Background()

	if _, err := seller.StartSale(ctx, "oil", 1); err != nil {
		t.Fatalf("StartSale: %v", err)
	}
	eventually(t, func() bool { return len(buyer.Items()) == 1 }, "buyer did not see the sale")

	eventually(t, func() bool {
		_, ok := seller.CurrentSale()
		return !ok
	}, "seller still tracks an expired sale")
	eventually(t, func() bool { return len(buyer.Items()) == 0 }, "buyer still lists an expired sale")
}

func TestBuyer_ProcessUpdate(t *testing.T) {
	b := NewBuyer(Config{Addr: "127.0.0.1:1"}, discardLogger())

	b.ProcessUpdate(protocol.New("server", protocol.ListItems{Items: []protocol.ItemView{
		{ItemID: "b", Quantity: 1, RemainingTime: 10, SaleStartTime: 2},
		{ItemID: "a", Quantity: 1, RemainingTime: 10, SaleStartTime: 1},
	}}))
	if items := b.Items(); len(items) != 2 || items[0].ItemID != "a" {
		t.Fatalf("items = %+v", items)
	}

	b.ProcessUpdate(protocol.New("server", protocol.StockUpdate{ItemView: protocol.ItemView{ItemID: "a", Quantity: 0, RemainingTime: 10}}))
	b.ProcessUpdate(protocol.New("server", protocol.StockUpdate{ItemView: protocol.ItemView{ItemID: "b", Quantity: 1, RemainingTime: 0}}))
	if items := b.Items(); len(items) != 0 {
		t.Fatalf("items = %+v, want empty", items)
	}

	b.ProcessUpdate(protocol.New("server", protocol.StockUpdate{ItemView: protocol.ItemView{ItemID: "c", Quantity: 4, RemainingTime: 5}}))
	if items := b.Items(); len(items) != 1 || items[0].Quantity != 4 {
		t.Fatalf("items = %+v", items)
	}
}
