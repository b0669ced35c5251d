package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
	"github.com/solgate-labs/solgate/custody"
)

const (
	failedPaymentsKey    = "solgate:queue:failed-payments"
	deadLetterKey        = "solgate:queue:failed-payments:dead"
	maxPaymentAttempts   = 5
	failedPaymentMaxAge  = 7 * 24 * time.Hour
	transferRetryBudget  = 2
	transferRetryBackoff = 500 * time.Millisecond
)

// FailedPayment is a custodial charge whose broadcast failed and is awaiting
// retry. Attempts only ever increase.
type FailedPayment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	WalletID       string    `json:"walletId"`
	WalletAddress  string    `json:"walletAddress"`
	AmountLamports string    `json:"amountDue"`
	UsdCost        float64   `json:"usdCost"`
	Description    string    `json:"description"`
	Timestamp      time.Time `json:"timestamp"`
	Attempts       uint32    `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
}

// QueueStats summarizes one queue sweep.
type QueueStats struct {
	Processed int
	Succeeded int
	Failed    int
}

// RetryQueue durably retries failed custodial payments with at-least-once
// semantics. Entries exceeding the attempt ceiling move to a dead-letter
// list for manual operator reconciliation; they are never silently dropped.
type RetryQueue struct {
	store     listStore
	locker    *custody.Locker
	signer    *custody.Signer
	treasury  solana.PublicKey
	feeBuffer *big.Int
	log       *logrus.Entry
}

// NewRetryQueue creates a RetryQueue. client may be nil, in which case the
// queue lives in process memory and is lost on restart.
func NewRetryQueue(client *redis.Client, locker *custody.Locker, signer *custody.Signer, treasury solana.PublicKey, feeBuffer uint64, log *logrus.Entry) *RetryQueue {
	var store listStore
	if client != nil {
		store = newRedisStore(client)
	} else {
		log.Warn("no redis configured, failed-payment queue is in-process only and lost on restart")
		store = newMemoryStore()
	}
	return &RetryQueue{
		store:     store,
		locker:    locker,
		signer:    signer,
		treasury:  treasury,
		feeBuffer: new(big.Int).SetUint64(feeBuffer),
		log:       log,
	}
}

// QueueFailedPayment appends a failed payment for later retry. The append is
// atomic so concurrent failures cannot lose each other's entries.
func (q *RetryQueue) QueueFailedPayment(ctx context.Context, fp *FailedPayment) error {
	if fp.ID == "" {
		fp.ID = uuid.NewString()
	}
	if fp.Timestamp.IsZero() {
		fp.Timestamp = time.Now()
	}

	data, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("marshal failed payment: %w", err)
	}
	if err := q.store.Push(ctx, failedPaymentsKey, data); err != nil {
		return fmt.Errorf("enqueue failed payment: %w", err)
	}

	q.log.WithFields(map[string]interface{}{
		"id":       fp.ID,
		"user_id":  fp.UserID,
		"lamports": fp.AmountLamports,
	}).Info("queued failed payment for retry")
	return nil
}

// Depth returns the number of entries currently awaiting retry.
func (q *RetryQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.Len(ctx, failedPaymentsKey)
}

// ProcessQueue retries every queued payment once. Entries that succeed leave
// the queue; entries that fail again are requeued with a bumped attempt
// count, or moved to the dead-letter list once the ceiling is reached.
func (q *RetryQueue) ProcessQueue(ctx context.Context) (QueueStats, error) {
	var stats QueueStats

	depth, err := q.store.Len(ctx, failedPaymentsKey)
	if err != nil {
		return stats, fmt.Errorf("read queue depth: %w", err)
	}

	// Bounded by the starting depth so requeued entries are not reprocessed
	// in the same sweep.
	for i := int64(0); i < depth; i++ {
		data, err := q.store.Pop(ctx, failedPaymentsKey)
		if err != nil {
			return stats, fmt.Errorf("dequeue failed payment: %w", err)
		}
		if data == nil {
			break
		}

		var fp FailedPayment
		if err := json.Unmarshal(data, &fp); err != nil {
			q.log.WithError(err).Warn("dropping undecodable queue entry")
			stats.Failed++
			continue
		}

		if time.Since(fp.Timestamp) > failedPaymentMaxAge {
			q.log.WithField("id", fp.ID).Warn("dropping failed payment past retention window")
			stats.Failed++
			continue
		}

		stats.Processed++
		fp.Attempts++

		if err := q.retryPayment(ctx, &fp); err != nil {
			fp.LastError = err.Error()
			stats.Failed++

			if fp.Attempts >= maxPaymentAttempts {
				q.deadLetter(ctx, &fp)
				continue
			}
			requeued, _ := json.Marshal(&fp)
			if pushErr := q.store.Push(ctx, failedPaymentsKey, requeued); pushErr != nil {
				q.log.WithError(pushErr).WithField("id", fp.ID).Error("failed to requeue payment")
			}
			continue
		}
		stats.Succeeded++
	}

	return stats, nil
}

// retryPayment re-attempts one custodial charge under the wallet lock. The
// balance is re-validated against the wallet's current state, not the queued
// amount alone: if the original attempt actually landed on-chain, the missing
// balance stops a duplicate spend here.
func (q *RetryQueue) retryPayment(ctx context.Context, fp *FailedPayment) error {
	amount := new(big.Int)
	if _, ok := amount.SetString(fp.AmountLamports, 10); !ok {
		return fmt.Errorf("bad amount %q", fp.AmountLamports)
	}

	wallet, err := solana.PublicKeyFromBase58(fp.WalletAddress)
	if err != nil {
		return fmt.Errorf("bad wallet address: %w", err)
	}

	return q.locker.WithLock(ctx, fp.WalletAddress, func(ctx context.Context) error {
		balance, err := q.signer.Balance(ctx, wallet)
		if err != nil {
			return fmt.Errorf("balance check: %w", err)
		}
		needed := new(big.Int).Add(amount, q.feeBuffer)
		if balance.Cmp(needed) < 0 {
			return fmt.Errorf("%w: have %s, need %s lamports", solgate.ErrInsufficientBalance, balance, needed)
		}

		return solgate.Retry(ctx, transferRetryBudget, transferRetryBackoff, func() error {
			result := q.signer.Transfer(ctx, fp.WalletID, wallet, q.treasury, amount)
			if !result.Success {
				return errors.New(result.Error)
			}
			q.log.WithFields(map[string]interface{}{
				"id":        fp.ID,
				"signature": result.Signature,
			}).Info("queued payment retried successfully")
			return nil
		})
	})
}

func (q *RetryQueue) deadLetter(ctx context.Context, fp *FailedPayment) {
	q.log.WithFields(map[string]interface{}{
		"id":       fp.ID,
		"user_id":  fp.UserID,
		"attempts": fp.Attempts,
		"error":    fp.LastError,
	}).Warn("failed payment exhausted retries, needs manual reconciliation")

	data, _ := json.Marshal(fp)
	if err := q.store.Push(ctx, deadLetterKey, data); err != nil {
		q.log.WithError(err).WithField("id", fp.ID).Error("failed to record dead-lettered payment")
	}
}

// DeadLettered drains and returns entries that exhausted their retries, for
// operator reconciliation tooling.
func (q *RetryQueue) DeadLettered(ctx context.Context) ([]FailedPayment, error) {
	var out []FailedPayment
	for {
		data, err := q.store.Pop(ctx, deadLetterKey)
		if err != nil {
			return out, err
		}
		if data == nil {
			return out, nil
		}
		var fp FailedPayment
		if err := json.Unmarshal(data, &fp); err != nil {
			continue
		}
		out = append(out, fp)
	}
}

// StartSweeper runs ProcessQueue on an interval until ctx is cancelled. It
// is the only long-lived background work in the payment stack.
func (q *RetryQueue) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := q.ProcessQueue(ctx)
				if err != nil {
					q.log.WithError(err).Warn("queue sweep failed")
					continue
				}
				if stats.Processed > 0 {
					q.log.WithFields(map[string]interface{}{
						"processed": stats.Processed,
						"succeeded": stats.Succeeded,
						"failed":    stats.Failed,
					}).Info("queue sweep complete")
				}
			}
		}
	}()
}
