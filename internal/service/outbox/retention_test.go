package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/memory"
)

func TestRetentionSweeper_DeletesOnlyOldResolvedJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	old := now.Add(-31 * 24 * time.Hour)
	for i, status := range []domain.EmailOutboxStatus{
		domain.EmailOutboxPublished,
		domain.EmailOutboxFailedToPublish,
		domain.EmailOutboxPending,
	} {
		store.PutJob(domain.EmailOutboxJob{ID: fmt.Sprintf("old-%d", i), Status: status, CreatedAt: old, UpdatedAt: old})
	}
	store.PutJob(domain.EmailOutboxJob{ID: "fresh", Status: domain.EmailOutboxPublished, CreatedAt: now, UpdatedAt: now})

	sweeper := NewRetentionSweeper(store, WithRetentionClock(func() time.Time { return now }))
	deleted, err := sweeper.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	ids := make([]string, 0)
	for _, j := range store.Jobs() {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"old-2", "fresh"}, ids)
}

func TestRetentionSweeper_DeletesInBatches(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	old := now.Add(-40 * 24 * time.Hour)
	for i := 0; i < 7; i++ {
		store.PutJob(domain.EmailOutboxJob{ID: fmt.Sprintf("job-%d", i), Status: domain.EmailOutboxPublished, CreatedAt: old, UpdatedAt: old})
	}

	sweeper := NewRetentionSweeper(store,
		WithRetentionBatchSize(3),
		WithRetentionClock(func() time.Time { return now }),
	)
	require.NoError(t, sweeper.Tick(context.Background()))
	assert.Empty(t, store.Jobs())
}

func TestRetentionSweeper_StopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRetentionSweeper(memory.NewStore()).DeleteExpired(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
