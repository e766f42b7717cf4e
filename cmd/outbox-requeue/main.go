package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	defaultLimit   = 100
	envPostgresDSN = "MARKETPAY_POSTGRES_DSN"
)

func main() {
	var (
		dsn   string
		limit int
	)
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	flag.IntVar(&limit, "limit", defaultLimit, "maximum number of FAILED_TO_PUBLISH jobs to requeue")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv(envPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", envPostgresDSN)
	}
	if limit <= 0 {
		fail("limit must be positive, got %d", limit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, limit, time.Now, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func run(ctx context.Context, tx domain.Transactor, limit int, now func() time.Time, out io.Writer) error {
	requeued, err := outbox.Requeue(ctx, tx, limit, now().UTC())
	switch {
	case errors.Is(err, outbox.ErrNothingToRequeue):
		_, _ = fmt.Fprintln(out, "no failed outbox jobs to requeue")
		return nil
	case err != nil:
		return fmt.Errorf("requeue failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "requeued %d outbox jobs\n", requeued)
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
