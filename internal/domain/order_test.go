package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// helper для создания заказа с двумя позициями.
func makeOrder(t *testing.T) *domain.Order {
	t.Helper()

	now := time.Now().UTC()
	order, err := domain.NewOrder("order-1", domain.Buyer{ID: "buyer-1", Email: "buyer@example.com"}, now)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	items := []domain.OrderItem{
		{ID: "item-1", GoodsID: 10, UnitPriceMinor: 100, Qty: 5, CreatedAt: now},
		{ID: "item-2", GoodsID: 11, UnitPriceMinor: 2500, Qty: 1, CreatedAt: now},
	}
	for _, item := range items {
		if err := order.AddItem(item); err != nil {
			t.Fatalf("add item: %v", err)
		}
	}
	return order
}

func TestOrder_TotalAccumulatesOnAttach(t *testing.T) {
	order := makeOrder(t)

	if order.TotalMinor != 3000 {
		t.Fatalf("expected total 3000, got %d", order.TotalMinor)
	}
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
	for _, item := range order.Items {
		if item.OrderID != order.ID {
			t.Fatalf("item %s not assigned to order", item.ID)
		}
	}
}

func TestOrder_ReassigningItemIsFatal(t *testing.T) {
	order := makeOrder(t)
	other, err := domain.NewOrder("order-2", domain.Buyer{ID: "buyer-1"}, time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	err = other.AddItem(order.Items[0])
	if !errors.Is(err, domain.ErrItemAlreadyAssigned) {
		t.Fatalf("expected ErrItemAlreadyAssigned, got %v", err)
	}
	if !domain.IsFatal(err) {
		t.Fatal("reassignment must be classified as fatal")
	}
	if other.TotalMinor != 0 || len(other.Items) != 0 {
		t.Fatal("rejected item must not change the order")
	}
}

func TestOrder_AddItemValidation(t *testing.T) {
	cases := []struct {
		name string
		item domain.OrderItem
		want error
	}{
		{name: "zero qty", item: domain.OrderItem{ID: "i", Qty: 0, UnitPriceMinor: 1}, want: domain.ErrItemQtyInvalid},
		{name: "negative price", item: domain.OrderItem{ID: "i", Qty: 1, UnitPriceMinor: -1}, want: domain.ErrItemPriceInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, _ := domain.NewOrder("order-1", domain.Buyer{ID: "b"}, time.Now())
			if err := order.AddItem(tc.item); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrder_ValidateInvariantsDetectsTamperedTotal(t *testing.T) {
	order := makeOrder(t)
	order.TotalMinor = 1

	if len(order.ValidateInvariants()) == 0 {
		t.Fatal("expected total mismatch to be reported")
	}
}

func TestNewOrder_RequiresBuyer(t *testing.T) {
	if _, err := domain.NewOrder("order-1", domain.Buyer{}, time.Now()); !errors.Is(err, domain.ErrBuyerRequired) {
		t.Fatalf("expected ErrBuyerRequired, got %v", err)
	}
}

func TestGoods_DecreaseStock(t *testing.T) {
	limited := domain.Goods{ID: 1, Stock: domain.StockOf(2)}
	if err := limited.DecreaseStock(2); err != nil {
		t.Fatalf("decrease to zero: %v", err)
	}
	if *limited.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", *limited.Stock)
	}
	if err := limited.DecreaseStock(1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if *limited.Stock != 0 {
		t.Fatal("failed decrement must not change stock")
	}

	unlimited := domain.Goods{ID: 2}
	if err := unlimited.DecreaseStock(1000); err != nil {
		t.Fatalf("unlimited goods must skip stock check: %v", err)
	}
	if unlimited.Stock != nil {
		t.Fatal("unlimited goods must stay unlimited")
	}

	limited.IncreaseStock(3)
	if *limited.Stock != 3 {
		t.Fatalf("expected restored stock 3, got %d", *limited.Stock)
	}
}
