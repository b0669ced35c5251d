package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
)

// RPCClient is the subset of Solana RPC operations the signer needs.
// Satisfied by *rpc.Client.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
}

// KeyAuthorizer signs custodial transactions with server-held keys scoped to
// a wallet id. Private keys never cross this boundary; only wallet id,
// addresses, and amounts do.
type KeyAuthorizer interface {
	SignTransaction(ctx context.Context, walletID string, tx *solana.Transaction) error
}

// MemoryAuthorizer is a KeyAuthorizer over an in-memory key table. Suitable
// for single-node deployments and tests; production deployments implement
// KeyAuthorizer against a KMS.
type MemoryAuthorizer struct {
	keys map[string]solana.PrivateKey
}

// NewMemoryAuthorizer creates an authorizer from walletID -> base58 private key.
func NewMemoryAuthorizer(keys map[string]string) (*MemoryAuthorizer, error) {
	parsed := make(map[string]solana.PrivateKey, len(keys))
	for walletID, raw := range keys {
		key, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid private key for wallet %s: %w", walletID, err)
		}
		parsed[walletID] = key
	}
	return &MemoryAuthorizer{keys: parsed}, nil
}

// AddKey registers a key for a wallet id.
func (a *MemoryAuthorizer) AddKey(walletID string, key solana.PrivateKey) {
	if a.keys == nil {
		a.keys = make(map[string]solana.PrivateKey)
	}
	a.keys[walletID] = key
}

func (a *MemoryAuthorizer) SignTransaction(ctx context.Context, walletID string, tx *solana.Transaction) error {
	key, ok := a.keys[walletID]
	if !ok {
		return fmt.Errorf("no signing key for wallet %s", walletID)
	}
	pub := key.PublicKey()
	_, err := tx.PartialSign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// TransferResult reports a custodial transfer outcome. Returned instead of an
// error so callers can drive retry and refund policy without exception-style
// control flow.
type TransferResult struct {
	Signature string
	Success   bool
	Error     string
}

// Signer builds, signs, and submits native transfers from custodial wallets.
type Signer struct {
	client  RPCClient
	auth    KeyAuthorizer
	network string
	log     *logrus.Entry

	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// NewSigner creates a custodial Signer.
func NewSigner(client RPCClient, auth KeyAuthorizer, network string, log *logrus.Entry) *Signer {
	return &Signer{
		client:         client,
		auth:           auth,
		network:        network,
		log:            log,
		confirmTimeout: 60 * time.Second,
		pollInterval:   500 * time.Millisecond,
	}
}

// Balance returns the current lamport balance of an address.
func (s *Signer) Balance(ctx context.Context, address solana.PublicKey) (*big.Int, error) {
	result, err := s.client.GetBalance(ctx, address, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return new(big.Int).SetUint64(result.Value), nil
}

// Transfer moves lamports from a custodial wallet to a destination. The
// blockhash is fetched from the same RPC client used for submission so a
// cross-endpoint blockhash mismatch cannot occur.
func (s *Signer) Transfer(ctx context.Context, walletID string, from, to solana.PublicKey, lamports *big.Int) TransferResult {
	fail := func(format string, args ...interface{}) TransferResult {
		msg := fmt.Sprintf(format, args...)
		s.log.WithFields(map[string]interface{}{
			"wallet_id": walletID,
			"from":      from.String(),
			"to":        to.String(),
			"lamports":  lamports.String(),
		}).Warn("custodial transfer failed: " + msg)
		return TransferResult{Success: false, Error: msg}
	}

	if !lamports.IsUint64() {
		return fail("amount out of range: %s", lamports)
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fail("failed to get blockhash: %v", err)
	}

	instruction := system.NewTransferInstruction(lamports.Uint64(), from, to).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return fail("failed to build transaction: %v", err)
	}

	if err := s.auth.SignTransaction(ctx, walletID, tx); err != nil {
		return fail("signing failed: %v", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fail("broadcast failed: %v", err)
	}

	if err := s.awaitConfirmation(ctx, sig, recent.Value.Blockhash); err != nil {
		return TransferResult{Signature: sig.String(), Success: false, Error: err.Error()}
	}

	s.log.WithFields(map[string]interface{}{
		"wallet_id": walletID,
		"signature": sig.String(),
		"lamports":  lamports.String(),
	}).Info("custodial transfer confirmed")

	return TransferResult{Signature: sig.String(), Success: true}
}

func (s *Signer) awaitConfirmation(ctx context.Context, sig solana.Signature, blockhash solana.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := s.client.GetSignatureStatuses(ctx, true, sig)
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
			valid, bhErr := s.client.IsBlockhashValid(ctx, blockhash, rpc.CommitmentConfirmed)
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
