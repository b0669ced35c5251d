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
	refundKeyPrefix = "solgate:refund:"
	refundRetention = 30 * 24 * time.Hour
)

// RefundStatus tracks a refund's lifecycle. Transitions are monotonic:
// Pending moves to Completed or Failed and never reverses.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// PendingRefund is the durable record of a refund attempt. It is written
// before the compensating transfer is attempted, so a crash mid-refund still
// leaves an auditable, resumable record.
type PendingRefund struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"userId"`
	WalletAddress       string       `json:"walletAddress"`
	AmountLamports      string       `json:"amountDue"`
	UsdAmount           float64      `json:"usdAmount"`
	Reason              string       `json:"reason"`
	OriginalTransaction string       `json:"originalTransactionId"`
	Status              RefundStatus `json:"status"`
	RefundTransaction   string       `json:"refundTransactionId,omitempty"`
	Error               string       `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
}

// RefundResult reports the outcome of an IssueRefund call.
type RefundResult struct {
	Success         bool
	RefundID        string
	RefundSignature string
	ManualRequired  bool
}

// RefundManager issues compensating transfers from the treasury wallet after
// a paid-for service failed to complete.
type RefundManager struct {
	store            recordStore
	signer           *custody.Signer // nil when no treasury signing path is configured
	treasury         solana.PublicKey
	treasuryWalletID string
	feeBuffer        *big.Int
	log              *logrus.Entry
}

// NewRefundManager creates a RefundManager. signer may be nil when the
// treasury has no signing path; every refund then flags manual handling.
func NewRefundManager(client *redis.Client, signer *custody.Signer, treasury solana.PublicKey, treasuryWalletID string, feeBuffer uint64, log *logrus.Entry) *RefundManager {
	var store recordStore
	if client != nil {
		store = newRedisStore(client)
	} else {
		store = newMemoryStore()
	}
	return &RefundManager{
		store:            store,
		signer:           signer,
		treasury:         treasury,
		treasuryWalletID: treasuryWalletID,
		feeBuffer:        new(big.Int).SetUint64(feeBuffer),
		log:              log,
	}
}

// IssueRefund attempts a compensating transfer of lamports from the treasury
// back to walletAddress. The PendingRefund record is persisted before any
// transfer attempt. Treasury balance is checked first and the refund fails
// closed (ManualRequired) rather than attempting a transfer that would
// itself fail.
func (m *RefundManager) IssueRefund(ctx context.Context, userID, walletAddress string, lamports *big.Int, usdAmount float64, reason, originalTxID string) RefundResult {
	refund := &PendingRefund{
		ID:                  uuid.NewString(),
		UserID:              userID,
		WalletAddress:       walletAddress,
		AmountLamports:      lamports.String(),
		UsdAmount:           usdAmount,
		Reason:              reason,
		OriginalTransaction: originalTxID,
		Status:              RefundPending,
		CreatedAt:           time.Now(),
	}
	m.save(ctx, refund)

	manual := func(why string) RefundResult {
		refund.Error = why
		m.save(ctx, refund)
		m.log.WithFields(map[string]interface{}{
			"refund_id":   refund.ID,
			"user_id":     userID,
			"original_tx": originalTxID,
			"reason":      why,
		}).Warn("refund requires manual handling")
		return RefundResult{Success: false, RefundID: refund.ID, ManualRequired: true}
	}

	if m.signer == nil {
		return manual("no treasury signing path configured")
	}

	recipient, err := solana.PublicKeyFromBase58(walletAddress)
	if err != nil {
		refund.Status = RefundFailed
		refund.Error = fmt.Sprintf("bad recipient address: %v", err)
		m.save(ctx, refund)
		return RefundResult{Success: false, RefundID: refund.ID, ManualRequired: true}
	}

	balance, err := m.signer.Balance(ctx, m.treasury)
	if err != nil {
		return manual(fmt.Sprintf("treasury balance check failed: %v", err))
	}
	needed := new(big.Int).Add(lamports, m.feeBuffer)
	if balance.Cmp(needed) < 0 {
		return manual(fmt.Sprintf("treasury balance too low: have %s, need %s lamports", balance, needed))
	}

	var signature string
	err = solgate.Retry(ctx, transferRetryBudget, transferRetryBackoff, func() error {
		result := m.signer.Transfer(ctx, m.treasuryWalletID, m.treasury, recipient, lamports)
		if !result.Success {
			return errors.New(result.Error)
		}
		signature = result.Signature
		return nil
	})
	if err != nil {
		refund.Status = RefundFailed
		refund.Error = err.Error()
		m.save(ctx, refund)
		m.log.WithError(err).WithField("refund_id", refund.ID).Error("refund transfer failed")
		return RefundResult{Success: false, RefundID: refund.ID, ManualRequired: true}
	}

	refund.Status = RefundCompleted
	refund.RefundTransaction = signature
	m.save(ctx, refund)

	m.log.WithFields(map[string]interface{}{
		"refund_id":   refund.ID,
		"signature":   signature,
		"lamports":    lamports.String(),
		"original_tx": originalTxID,
	}).Info("refund issued")

	return RefundResult{Success: true, RefundID: refund.ID, RefundSignature: signature}
}

// Refund fetches a refund record by id, or nil when unknown or expired.
func (m *RefundManager) Refund(ctx context.Context, id string) (*PendingRefund, error) {
	data, err := m.store.Get(ctx, refundKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var refund PendingRefund
	if err := json.Unmarshal(data, &refund); err != nil {
		return nil, fmt.Errorf("decode refund record: %w", err)
	}
	return &refund, nil
}

func (m *RefundManager) save(ctx context.Context, refund *PendingRefund) {
	data, err := json.Marshal(refund)
	if err != nil {
		m.log.WithError(err).Error("marshal refund record")
		return
	}
	if err := m.store.Save(ctx, refundKeyPrefix+refund.ID, data, refundRetention); err != nil {
		m.log.WithError(err).WithField("refund_id", refund.ID).Error("persist refund record")
	}
}
