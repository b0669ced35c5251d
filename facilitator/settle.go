package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	solgate "github.com/solgate-labs/solgate"
)

// Settle broadcasts an already-verified payment, waits for confirmation, and
// re-derives the realized transfer from the confirmed transaction's balance
// deltas at the treasury. The delta check is independent of and stricter
// than verification: verification reads declared instruction data, this
// reads actual ledger effect, so a transaction that passes static checks but
// delivers less (fee and rent interactions) is reported as a failed
// settlement even though the broadcast succeeded.
func (f *Facilitator) Settle(ctx context.Context, payload *solgate.PaymentPayload, reqs *solgate.PaymentRequirements) *solgate.SettleResult {
	fail := func(reason, txSig string) *solgate.SettleResult {
		return &solgate.SettleResult{
			Success:     false,
			ErrorReason: reason,
			Transaction: txSig,
			Network:     f.network,
		}
	}

	required, err := reqs.AmountLamports()
	if err != nil {
		return fail(err.Error(), "")
	}

	tx, err := decodeTransaction(payload)
	if err != nil {
		return fail(err.Error(), "")
	}
	if len(tx.Message.AccountKeys) == 0 {
		return fail("transaction has no account keys", "")
	}
	payer := tx.Message.AccountKeys[0].String()

	sig, err := f.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fail(fmt.Sprintf("broadcast failed: %v", err), "")
	}

	if err := f.awaitConfirmation(ctx, sig, tx.Message.RecentBlockhash); err != nil {
		result := fail(err.Error(), sig.String())
		result.Payer = payer
		return result
	}

	delivered, err := f.treasuryDelta(ctx, sig)
	if err != nil {
		result := fail(fmt.Sprintf("could not validate settled amount: %v", err), sig.String())
		result.Payer = payer
		return result
	}
	if delivered.Cmp(required) < 0 {
		f.log.WithFields(map[string]interface{}{
			"signature": sig.String(),
			"delivered": delivered.String(),
			"required":  required.String(),
		}).Warn("settlement delivered less than required")
		result := fail(fmt.Sprintf("settled amount below requirement: delivered %s lamports, required %s", delivered, required), sig.String())
		result.Payer = payer
		return result
	}

	f.log.WithFields(map[string]interface{}{
		"signature": sig.String(),
		"lamports":  delivered.String(),
		"payer":     payer,
	}).Info("payment settled")

	return &solgate.SettleResult{
		Success:     true,
		Transaction: sig.String(),
		Network:     f.network,
		Payer:       payer,
	}
}

// awaitConfirmation polls signature status until the transaction confirms.
// It gives up when the transaction's blockhash expires or the confirmation
// timeout elapses, so a stalled network can never hang a request forever.
func (f *Facilitator) awaitConfirmation(ctx context.Context, sig solana.Signature, blockhash solana.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := f.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on-chain: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		} else if err == nil {
			// Not seen yet. If the blockhash is no longer valid the
			// transaction can never land.
			valid, bhErr := f.client.IsBlockhashValid(ctx, blockhash, rpc.CommitmentConfirmed)
			if bhErr == nil && valid != nil && !valid.Value {
				return fmt.Errorf("blockhash expired before confirmation")
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// treasuryDelta fetches the confirmed transaction and returns the lamport
// balance increase at the treasury account.
func (f *Facilitator) treasuryDelta(ctx context.Context, sig solana.Signature) (*big.Int, error) {
	maxVersion := uint64(0)
	result, err := f.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch confirmed transaction: %w", err)
	}
	if result == nil || result.Meta == nil || result.Transaction == nil {
		return nil, fmt.Errorf("confirmed transaction has no metadata")
	}

	confirmed, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode confirmed transaction: %w", err)
	}

	for i, key := range confirmed.Message.AccountKeys {
		if !key.Equals(f.treasury) {
			continue
		}
		if i >= len(result.Meta.PreBalances) || i >= len(result.Meta.PostBalances) {
			return nil, fmt.Errorf("balance arrays shorter than account keys")
		}
		pre := new(big.Int).SetUint64(result.Meta.PreBalances[i])
		post := new(big.Int).SetUint64(result.Meta.PostBalances[i])
		return new(big.Int).Sub(post, pre), nil
	}
	return nil, fmt.Errorf("treasury account not present in confirmed transaction")
}
