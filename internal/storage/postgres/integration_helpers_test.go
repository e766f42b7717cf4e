package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// openStoreForIntegrationTest подключается к MARKETPAY_POSTGRES_TEST_DSN и пропускает тест, если база недоступна.
func openStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("MARKETPAY_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("MARKETPAY_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `
		TRUNCATE TABLE email_outbox, payments, order_items, orders, goods RESTART IDENTITY CASCADE
	`); err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
	return store
}

func seedGoods(t *testing.T, store *Store, goods ...domain.Goods) {
	t.Helper()

	for _, g := range goods {
		var stock any
		if g.Stock != nil {
			stock = *g.Stock
		}
		if _, err := store.DB().ExecContext(context.Background(), `
			INSERT INTO goods (id, name, price_minor, stock, deleted) VALUES ($1,$2,$3,$4,$5)
		`, g.ID, g.Name, g.PriceMinor, stock, g.Deleted); err != nil {
			t.Fatalf("seed goods %d: %v", g.ID, err)
		}
	}
}
