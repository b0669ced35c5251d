// Package facilitator verifies and settles native-SOL x402 payments against
// a single treasury address. Verification inspects a client-submitted signed
// transaction without broadcasting it; settlement broadcasts, confirms, and
// re-validates the realized balance delta at the treasury.
package facilitator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
)

// RPCClient is the subset of Solana RPC operations the facilitator needs.
// Satisfied by *rpc.Client; narrowed for dependency injection in tests.
type RPCClient interface {
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Facilitator verifies and settles payments for one network and treasury.
type Facilitator struct {
	client   RPCClient
	network  string
	treasury solana.PublicKey
	log      *logrus.Entry

	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// New creates a Facilitator. The treasury address is required and validated
// up front: accepting payments into an unparseable destination fails closed.
func New(client RPCClient, network, treasuryAddress string, log *logrus.Entry) (*Facilitator, error) {
	if treasuryAddress == "" {
		return nil, solgate.ErrTreasuryNotConfigured
	}
	treasury, err := solana.PublicKeyFromBase58(treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", solgate.ErrTreasuryNotConfigured, err)
	}

	return &Facilitator{
		client:         client,
		network:        network,
		treasury:       treasury,
		log:            log,
		confirmTimeout: 60 * time.Second,
		pollInterval:   500 * time.Millisecond,
	}, nil
}

// Treasury returns the configured treasury address.
func (f *Facilitator) Treasury() solana.PublicKey {
	return f.treasury
}

// decodeTransaction deserializes the base64 transaction bytes from a payload.
// Fails closed: malformed bytes yield an error, never a panic.
func decodeTransaction(payload *solgate.PaymentPayload) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(payload.Payload.Transaction)
	if err != nil {
		return nil, fmt.Errorf("malformed transaction bytes: %w", err)
	}
	return tx, nil
}

// systemTransferIndex is the SystemProgram instruction discriminator for
// Transfer: a u32 little-endian prefix followed by a u64 lamport amount.
const systemTransferIndex = 2

// sumTreasuryTransfers scans the compiled instructions for SystemProgram
// transfers whose destination is the treasury and sums their lamports. A
// transaction may split one payment across several transfer instructions, so
// all matches are summed rather than taking the first.
func (f *Facilitator) sumTreasuryTransfers(tx *solana.Transaction) *big.Int {
	total := new(big.Int)
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil || !program.Equals(solana.SystemProgramID) {
			continue
		}
		// Transfer layout: u32 index, u64 lamports, accounts [from, to].
		if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
			continue
		}
		if binary.LittleEndian.Uint32(ix.Data[:4]) != systemTransferIndex {
			continue
		}
		dest, err := tx.Message.Account(ix.Accounts[1])
		if err != nil || !dest.Equals(f.treasury) {
			continue
		}
		lamports := binary.LittleEndian.Uint64(ix.Data[4:12])
		total.Add(total, new(big.Int).SetUint64(lamports))
	}
	return total
}
