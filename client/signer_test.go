package client

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	solgate "github.com/solgate-labs/solgate"
)

type staticBlockhash struct{}

func (staticBlockhash) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}}}, nil
}

func TestKeypairSignerSignsNativeTransfer(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	treasury := solana.NewWallet().PublicKey()

	signer, err := NewKeypairSigner(key.String(), solgate.NetworkDevnet, staticBlockhash{})
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), signer.Address())
	assert.True(t, signer.SupportsNetwork(solgate.NetworkDevnet))
	assert.False(t, signer.SupportsNetwork(solgate.NetworkMainnet))

	payload, err := signer.SignPayment(context.Background(), solgate.PaymentRequirements{
		Scheme:            solgate.SchemeExact,
		Network:           solgate.NetworkDevnet,
		MaxAmountRequired: "66667",
		Asset:             solgate.AssetNative,
		PayTo:             treasury.String(),
		Resource:          "/api/test",
	})
	require.NoError(t, err)
	assert.Equal(t, solgate.X402Version, payload.X402Version)
	assert.Equal(t, solgate.SchemeExact, payload.Scheme)

	tx, err := solana.TransactionFromBase64(payload.Payload.Transaction)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.True(t, tx.Message.AccountKeys[0].Equals(key.PublicKey()), "payer must be the first account key")
}

func TestKeypairSignerRejectsMismatches(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	signer, err := NewKeypairSigner(key.String(), solgate.NetworkDevnet, staticBlockhash{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = signer.SignPayment(ctx, solgate.PaymentRequirements{
		Network: solgate.NetworkMainnet, Asset: solgate.AssetNative, MaxAmountRequired: "1000",
	})
	assert.ErrorContains(t, err, "unsupported network")

	_, err = signer.SignPayment(ctx, solgate.PaymentRequirements{
		Network: solgate.NetworkDevnet, Asset: "spl-token", MaxAmountRequired: "1000",
	})
	assert.ErrorContains(t, err, "unsupported asset")

	_, err = signer.SignPayment(ctx, solgate.PaymentRequirements{
		Network: solgate.NetworkDevnet, Asset: solgate.AssetNative, MaxAmountRequired: "not-a-number",
	})
	assert.Error(t, err)
}

func TestNewKeypairSignerRejectsBadKey(t *testing.T) {
	_, err := NewKeypairSigner("not-base58!!", solgate.NetworkDevnet, staticBlockhash{})
	assert.Error(t, err)
}

func TestMockSignerProducesDecodablePayloads(t *testing.T) {
	m := NewMockSigner("mock-address", solgate.NetworkDevnet)

	payload, err := m.SignPayment(context.Background(), solgate.PaymentRequirements{
		Scheme:            solgate.SchemeExact,
		Network:           solgate.NetworkDevnet,
		MaxAmountRequired: "1000",
	})
	require.NoError(t, err)

	// The encoded header must survive the server-side decode path.
	decoded, err := solgate.DecodePaymentHeader(payload.Encode())
	require.NoError(t, err)
	assert.Equal(t, solgate.NetworkDevnet, decoded.Network)

	_, err = m.SignPayment(context.Background(), solgate.PaymentRequirements{MaxAmountRequired: "0"})
	assert.Error(t, err)
}
