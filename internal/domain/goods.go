package domain

import "time"

// Goods: товар каталога в том объёме, который нужен ядру оформления заказа.
type Goods struct {
	ID         int64
	Name       string
	PriceMinor int64
	// Stock: доступный остаток; nil означает, что товар не лимитирован.
	Stock     *int32
	Deleted   bool
	UpdatedAt time.Time
}

// StockLimited сообщает, ведётся ли учёт остатка для товара.
func (g *Goods) StockLimited() bool {
	return g.Stock != nil
}

// DecreaseStock списывает qty единиц. Для нелимитированных товаров проверка пропускается.
func (g *Goods) DecreaseStock(qty int32) error {
	if qty <= 0 {
		return ErrItemQtyInvalid
	}
	if g.Stock == nil {
		return nil
	}
	if *g.Stock < qty {
		return ErrInsufficientStock
	}
	left := *g.Stock - qty
	g.Stock = &left
	return nil
}

// IncreaseStock возвращает qty единиц на склад (отмена брошенного заказа).
func (g *Goods) IncreaseStock(qty int32) {
	if g.Stock == nil || qty <= 0 {
		return
	}
	restored := *g.Stock + qty
	g.Stock = &restored
}

// StockOf: удобный конструктор лимитированного остатка.
func StockOf(n int32) *int32 {
	return &n
}
