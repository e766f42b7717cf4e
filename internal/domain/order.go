package domain

import (
	"fmt"
	"time"
)

// Buyer: идентичность покупателя, приходящая от слоя аутентификации.
type Buyer struct {
	ID    string
	Email string
}

// OrderItem: позиция заказа с зафиксированной на момент покупки ценой.
type OrderItem struct {
	ID      string
	OrderID string
	GoodsID int64
	Name    string
	// UnitPriceMinor: цена за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
	Qty            int32
	CreatedAt      time.Time
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() int64 {
	return i.UnitPriceMinor * int64(i.Qty)
}

// assign привязывает позицию к заказу. Повторная привязка: ошибка программиста.
func (i *OrderItem) assign(orderID string) error {
	if i.OrderID != "" {
		return fmt.Errorf("%w: item %s belongs to order %s", ErrItemAlreadyAssigned, i.ID, i.OrderID)
	}
	i.OrderID = orderID
	return nil
}

// Order: агрегат заказа. После создания не меняется; итог копится при добавлении позиций.
type Order struct {
	ID         string
	BuyerID    string
	BuyerEmail string
	TotalMinor int64
	Items      []OrderItem
	CreatedAt  time.Time
}

// NewOrder создаёт пустой заказ покупателя.
func NewOrder(id string, buyer Buyer, now time.Time) (*Order, error) {
	if buyer.ID == "" {
		return nil, ErrBuyerRequired
	}
	return &Order{
		ID:         id,
		BuyerID:    buyer.ID,
		BuyerEmail: buyer.Email,
		CreatedAt:  now,
	}, nil
}

// AddItem привязывает позицию к заказу и увеличивает итог на её стоимость.
func (o *Order) AddItem(item OrderItem) error {
	if item.Qty <= 0 {
		return ErrItemQtyInvalid
	}
	if item.UnitPriceMinor < 0 {
		return ErrItemPriceInvalid
	}
	if err := item.assign(o.ID); err != nil {
		return err
	}
	o.Items = append(o.Items, item)
	o.TotalMinor += item.Subtotal()
	return nil
}

// GoodsIDs возвращает идентификаторы товаров заказа в порядке позиций.
func (o *Order) GoodsIDs() []int64 {
	ids := make([]int64, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.GoodsID)
	}
	return ids
}

// ValidateInvariants проверяет инварианты агрегата и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.BuyerID == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if item.OrderID != o.ID {
			errs = append(errs, fmt.Errorf("item %s is not assigned to order %s", item.ID, o.ID))
		}
		calc += item.Subtotal()
	}
	if calc != o.TotalMinor {
		errs = append(errs, fmt.Errorf("order total %d does not match items sum %d", o.TotalMinor, calc))
	}

	return errs
}
