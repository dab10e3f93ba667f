package storage

import (
	"testing"
	"time"
)

func testOrder(id string) *Order {
	return &Order{
		ID:         id,
		Maker:      "12D3KooWMaker",
		Status:     OrderStatusOpen,
		BaseAsset:  "BTC",
		QuoteAsset: "rune:840000:1",
		Side:       "buy",
		Amount:     "1.5",
		Filled:     "0",
		Price:      "0.0001",
		CreatedAt:  time.Now(),
	}
}

func TestOrderSaveAndGet(t *testing.T) {
	store, _ := newTestStorage(t)

	order := testOrder("order-1")
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	got, err := store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.BaseAsset != order.BaseAsset || got.QuoteAsset != order.QuoteAsset {
		t.Errorf("GetOrder() pair = %s/%s, want %s/%s", got.BaseAsset, got.QuoteAsset, order.BaseAsset, order.QuoteAsset)
	}
	if got.Amount != order.Amount {
		t.Errorf("GetOrder() amount = %s, want %s", got.Amount, order.Amount)
	}
}

func TestOrderNotFound(t *testing.T) {
	store, _ := newTestStorage(t)

	_, err := store.GetOrder("missing")
	if err != ErrOrderNotFound {
		t.Errorf("GetOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestSaveOrderUpsertsStatus(t *testing.T) {
	store, _ := newTestStorage(t)

	order := testOrder("order-2")
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	order.Status = OrderStatusFilled
	order.Filled = "1.5"
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() upsert error = %v", err)
	}

	got, err := store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want %s", got.Status, OrderStatusFilled)
	}
	if got.Filled != "1.5" {
		t.Errorf("Filled = %s, want 1.5", got.Filled)
	}
}

func TestGetOpenOrders(t *testing.T) {
	store, _ := newTestStorage(t)

	o1 := testOrder("order-3")
	o2 := testOrder("order-4")
	o2.Status = OrderStatusCancelled

	if err := store.SaveOrder(o1); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	if err := store.SaveOrder(o2); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	open, err := store.GetOpenOrders(o1.BaseAsset, o1.QuoteAsset)
	if err != nil {
		t.Fatalf("GetOpenOrders() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != o1.ID {
		t.Errorf("GetOpenOrders() = %+v, want only %s", open, o1.ID)
	}
}

func TestDeleteOrder(t *testing.T) {
	store, _ := newTestStorage(t)

	order := testOrder("order-5")
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	if err := store.DeleteOrder(order.ID); err != nil {
		t.Fatalf("DeleteOrder() error = %v", err)
	}

	if err := store.DeleteOrder(order.ID); err != ErrOrderNotFound {
		t.Errorf("DeleteOrder() on missing order = %v, want ErrOrderNotFound", err)
	}
}

func TestExpireOldOrders(t *testing.T) {
	store, _ := newTestStorage(t)

	order := testOrder("order-6")
	past := time.Now().Add(-time.Hour)
	order.ExpiresAt = &past
	if err := store.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	count, err := store.ExpireOldOrders()
	if err != nil {
		t.Fatalf("ExpireOldOrders() error = %v", err)
	}
	if count != 1 {
		t.Errorf("ExpireOldOrders() = %d, want 1", count)
	}

	got, err := store.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != OrderStatusExpired {
		t.Errorf("Status = %s, want %s", got.Status, OrderStatusExpired)
	}
}
