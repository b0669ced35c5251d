package client

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	solgate "github.com/solgate-labs/solgate"
)

// PaymentSigner builds and signs payment transactions satisfying a server's
// payment requirements.
type PaymentSigner interface {
	// SignPayment builds a signed payment for the requirement.
	SignPayment(ctx context.Context, req solgate.PaymentRequirements) (*solgate.PaymentPayload, error)

	// Address returns the payer address.
	Address() string

	// SupportsNetwork reports whether the signer can pay on the network.
	SupportsNetwork(network string) bool
}

// blockhashClient is the RPC surface the keypair signer needs. Satisfied by
// *rpc.Client.
type blockhashClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// KeypairSigner signs native transfers with a locally held ed25519 keypair.
type KeypairSigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	rpc        blockhashClient
}

// NewKeypairSigner creates a signer from a base58-encoded private key.
func NewKeypairSigner(privateKeyBase58, network string, rpcClient blockhashClient) (*KeypairSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeypairSigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		network:    network,
		rpc:        rpcClient,
	}, nil
}

// NewKeypairSignerFromFile creates a signer from a solana-keygen keypair file.
func NewKeypairSignerFromFile(filepath, network string, rpcClient blockhashClient) (*KeypairSigner, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair file: %w", err)
	}
	return &KeypairSigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		network:    network,
		rpc:        rpcClient,
	}, nil
}

func (s *KeypairSigner) Address() string { return s.publicKey.String() }

func (s *KeypairSigner) SupportsNetwork(network string) bool { return network == s.network }

// SignPayment builds a signed native transfer of the required amount to the
// server's treasury. The signer pays the network fee itself.
func (s *KeypairSigner) SignPayment(ctx context.Context, req solgate.PaymentRequirements) (*solgate.PaymentPayload, error) {
	if req.Network != s.network {
		return nil, fmt.Errorf("unsupported network %q", req.Network)
	}
	if req.Asset != solgate.AssetNative {
		return nil, fmt.Errorf("unsupported asset %q", req.Asset)
	}

	amount, err := req.AmountLamports()
	if err != nil {
		return nil, err
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("amount out of range: %s", amount)
	}

	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	recent, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	instruction := system.NewTransferInstruction(amount.Uint64(), s.publicKey, recipient).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.publicKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.publicKey.Equals(key) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &solgate.PaymentPayload{
		X402Version: solgate.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     solgate.SolanaPayload{Transaction: raw},
	}, nil
}

// MockSigner produces structurally valid payloads without touching a chain.
// For tests.
type MockSigner struct {
	address string
	network string
}

// NewMockSigner creates a mock signer for the given network.
func NewMockSigner(address, network string) *MockSigner {
	return &MockSigner{address: address, network: network}
}

func (m *MockSigner) Address() string { return m.address }

func (m *MockSigner) SupportsNetwork(network string) bool { return network == m.network }

func (m *MockSigner) SignPayment(ctx context.Context, req solgate.PaymentRequirements) (*solgate.PaymentPayload, error) {
	amount := new(big.Int)
	if _, ok := amount.SetString(req.MaxAmountRequired, 10); !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid payment amount: %s", req.MaxAmountRequired)
	}
	return &solgate.PaymentPayload{
		X402Version: solgate.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: solgate.SolanaPayload{
			Transaction: "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA==",
		},
	}, nil
}
