package billing

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	solgate "github.com/solgate-labs/solgate"
	"github.com/solgate-labs/solgate/custody"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// mockRPC satisfies both the custody and facilitator RPC interfaces. Sends
// succeed and confirm immediately unless sendErr is set.
type mockRPC struct {
	mu       sync.Mutex
	sends    []*solana.Transaction
	sendErr  error
	balances map[string]uint64

	getTransaction func(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

func newMockRPC() *mockRPC {
	return &mockRPC{balances: make(map[string]uint64)}
}

func (m *mockRPC) setBalance(address string, lamports uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = lamports
}

func (m *mockRPC) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}}}, nil
}

func (m *mockRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sends = append(m.sends, tx)
	var sig solana.Signature
	sig[0] = byte(len(m.sends))
	return sig, nil
}

func (m *mockRPC) GetSignatureStatuses(ctx context.Context, history bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}},
	}, nil
}

func (m *mockRPC) IsBlockhashValid(ctx context.Context, hash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error) {
	return &rpc.IsValidBlockhashResult{Value: true}, nil
}

func (m *mockRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &rpc.GetBalanceResult{Value: m.balances[account.String()]}, nil
}

func (m *mockRPC) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
	return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{}}, nil
}

func (m *mockRPC) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return m.getTransaction(ctx, sig, opts)
}

// testWallet is a funded custodial wallet wired to a signer over the mock.
type testWallet struct {
	key    solana.PrivateKey
	wallet *solgate.Wallet
	signer *custody.Signer
	locker *custody.Locker
}

func newTestWallet(t *testing.T, client *mockRPC) *testWallet {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	auth, err := custody.NewMemoryAuthorizer(map[string]string{"wallet-1": key.String()})
	require.NoError(t, err)
	return &testWallet{
		key:    key,
		wallet: &solgate.Wallet{ID: "wallet-1", Address: key.PublicKey().String()},
		signer: custody.NewSigner(client, auth, solgate.NetworkMainnet, testLogger()),
		locker: custody.NewLocker(nil, testLogger()),
	}
}
