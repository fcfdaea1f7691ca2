package settlement_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
)

func exerciseJournal(t *testing.T, journal settlement.Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-late", "s-early"} {
		err := journal.Put(ctx, billing.PendingSettlement{
			Final:     billing.Final{SessionID: id, UserID: "u1", ElapsedSeconds: 301, ProvisionalDebit: 2},
			StoppedAt: base.Add(time.Duration(1-i) * time.Minute),
		})
		require.NoError(t, err)
	}

	entry, ok, err := journal.Get(ctx, "s-late")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), entry.Final.ProvisionalDebit)

	list, err := journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s-early", list[0].Final.SessionID, "oldest first")

	entry.Attempts = 3
	entry.LastError = "ledger HTTP 503"
	require.NoError(t, journal.Put(ctx, entry))
	entry, _, err = journal.Get(ctx, "s-late")
	require.NoError(t, err)
	require.Equal(t, 3, entry.Attempts)

	require.NoError(t, journal.Delete(ctx, "s-late"))
	require.NoError(t, journal.Delete(ctx, "s-early"))
	_, ok, err = journal.Get(ctx, "s-late")
	require.NoError(t, err)
	require.False(t, ok)

	list, err = journal.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, settlement.NewMemoryJournal())
}

func TestRedisJournal(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	require.NoError(t, rdb.Ping(context.Background()).Err())

	journal := settlement.NewRedisJournalWithClient(rdb)
	t.Cleanup(func() { _ = journal.Close() })
	exerciseJournal(t, journal)
}
