package facilitator

import (
	"context"
	"fmt"

	solgate "github.com/solgate-labs/solgate"
)

// Verify checks a payment payload against requirements without broadcasting.
// Checks run cheapest-first so malformed or underfunded submissions never
// reach the network simulation. Every failure is reported in the result, not
// as an error: an invalid payment is a normal outcome, not a fault.
func (f *Facilitator) Verify(ctx context.Context, payload *solgate.PaymentPayload, reqs *solgate.PaymentRequirements) *solgate.VerifyResult {
	if payload.Network != reqs.Network {
		return invalid(fmt.Sprintf("network mismatch: payment is for %s, requirement is %s", payload.Network, reqs.Network))
	}

	required, err := reqs.AmountLamports()
	if err != nil {
		return invalid(err.Error())
	}

	tx, err := decodeTransaction(payload)
	if err != nil {
		return invalid(err.Error())
	}

	if len(tx.Signatures) == 0 {
		return invalid("transaction has no signatures")
	}
	if len(tx.Message.AccountKeys) == 0 {
		return invalid("transaction has no account keys")
	}

	// The first account key is the fee payer, which is also the first signer.
	payer := tx.Message.AccountKeys[0]

	transferred := f.sumTreasuryTransfers(tx)
	if transferred.Sign() == 0 {
		return invalid("no transfer to treasury found in transaction")
	}
	if transferred.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("insufficient transfer amount: got %s lamports, need %s", transferred, required))
	}

	// Structural checks passed; now the expensive one. Simulation catches
	// invalid blockhashes, missing balances, and bad signatures without
	// committing anything on-chain.
	sim, err := f.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return invalid(fmt.Sprintf("simulation request failed: %v", err))
	}
	if sim.Value != nil && sim.Value.Err != nil {
		return invalid(fmt.Sprintf("simulation failed: %v", sim.Value.Err))
	}

	f.log.WithFields(map[string]interface{}{
		"payer":    payer.String(),
		"lamports": transferred.String(),
	}).Debug("payment verified")

	return &solgate.VerifyResult{
		IsValid: true,
		Payer:   payer.String(),
	}
}

func invalid(reason string) *solgate.VerifyResult {
	return &solgate.VerifyResult{IsValid: false, InvalidReason: reason}
}
