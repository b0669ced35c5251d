package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, client *mockRPC, redisClient *redis.Client) (*RetryQueue, *testWallet, solana.PublicKey) {
	t.Helper()
	tw := newTestWallet(t, client)
	treasury := solana.NewWallet().PublicKey()
	q := NewRetryQueue(redisClient, tw.locker, tw.signer, treasury, 10_000, testLogger())
	return q, tw, treasury
}

func queuedPayment(tw *testWallet, lamports string) *FailedPayment {
	return &FailedPayment{
		UserID:         "user-1",
		WalletID:       tw.wallet.ID,
		WalletAddress:  tw.wallet.Address,
		AmountLamports: lamports,
		UsdCost:        0.01,
		Description:    "test charge",
	}
}

func TestQueueFailedPaymentAndDepth(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, tw, _ := newTestQueue(t, newMockRPC(), redisClient)
	ctx := context.Background()

	fp := queuedPayment(tw, "66667")
	require.NoError(t, q.QueueFailedPayment(ctx, fp))
	assert.NotEmpty(t, fp.ID)
	assert.False(t, fp.Timestamp.IsZero())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestProcessQueueRetriesSuccessfully(t *testing.T) {
	client := newMockRPC()
	q, tw, _ := newTestQueue(t, client, nil)
	ctx := context.Background()

	client.setBalance(tw.wallet.Address, 1_000_000)
	require.NoError(t, q.QueueFailedPayment(ctx, queuedPayment(tw, "66667")))

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Processed: 1, Succeeded: 1}, stats)
	assert.Equal(t, 1, client.sentCount())

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)
}

func TestProcessQueueSkipsSpendWhenBalanceMissing(t *testing.T) {
	client := newMockRPC()
	q, tw, _ := newTestQueue(t, client, nil)
	ctx := context.Background()

	// The wallet no longer covers amount plus fee buffer. If the original
	// broadcast actually landed, this is exactly the state we would see, and
	// retrying must not double spend.
	client.setBalance(tw.wallet.Address, 50_000)
	require.NoError(t, q.QueueFailedPayment(ctx, queuedPayment(tw, "66667")))

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Processed: 1, Failed: 1}, stats)
	assert.Zero(t, client.sentCount())

	// Still queued for a later sweep with a bumped attempt count.
	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth)
}

func TestProcessQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	client := newMockRPC()
	client.sendErr = errors.New("node down")
	q, tw, _ := newTestQueue(t, client, nil)
	ctx := context.Background()

	client.setBalance(tw.wallet.Address, 1_000_000)
	fp := queuedPayment(tw, "66667")
	fp.Attempts = maxPaymentAttempts - 1
	require.NoError(t, q.QueueFailedPayment(ctx, fp))

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Processed: 1, Failed: 1}, stats)

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)

	dead, err := q.DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, uint32(maxPaymentAttempts), dead[0].Attempts)
	assert.NotEmpty(t, dead[0].LastError)
}

func TestProcessQueueDropsExpiredEntries(t *testing.T) {
	client := newMockRPC()
	q, tw, _ := newTestQueue(t, client, nil)
	ctx := context.Background()

	fp := queuedPayment(tw, "66667")
	fp.Timestamp = time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, q.QueueFailedPayment(ctx, fp))

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Failed: 1}, stats)
	assert.Zero(t, client.sentCount())

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)
}

func TestProcessQueueBoundedByStartingDepth(t *testing.T) {
	client := newMockRPC()
	client.sendErr = errors.New("still down")
	q, tw, _ := newTestQueue(t, client, nil)
	ctx := context.Background()

	client.setBalance(tw.wallet.Address, 1_000_000)
	require.NoError(t, q.QueueFailedPayment(ctx, queuedPayment(tw, "66667")))

	// A failing entry is requeued; one sweep must process it exactly once.
	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth)
}
