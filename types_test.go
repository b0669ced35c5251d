package solgate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsdToLamports(t *testing.T) {
	t.Run("rounds up fractional lamports", func(t *testing.T) {
		// $0.01 at $150/SOL is 66,666.67 lamports; the charge rounds up.
		got := UsdToLamports(0.01, 150.0)
		assert.Equal(t, "66667", got.String())
	})

	t.Run("whole amounts", func(t *testing.T) {
		got := UsdToLamports(150.0, 150.0)
		assert.Equal(t, big.NewInt(LamportsPerSol).String(), got.String())
	})

	t.Run("monotonic in usd", func(t *testing.T) {
		prev := big.NewInt(0)
		for usd := 0.001; usd < 1.0; usd += 0.0137 {
			got := UsdToLamports(usd, 187.5)
			assert.True(t, got.Cmp(prev) >= 0, "lamports decreased at usd=%f", usd)
			prev = got
		}
	})

	t.Run("round trip within one lamport", func(t *testing.T) {
		for _, usd := range []float64{0.001, 0.01, 0.25, 1.0, 19.99} {
			price := 143.27
			lamports := UsdToLamports(usd, price)
			back := LamportsToUsd(lamports, price)
			// Never undercharges, and overshoots by at most one lamport's worth.
			assert.GreaterOrEqual(t, back, usd-1e-9)
			assert.InDelta(t, usd, back, price/LamportsPerSol*2)
		}
	})
}

func TestLamportsToSol(t *testing.T) {
	assert.Equal(t, 1.5, LamportsToSol(big.NewInt(1_500_000_000)))
	assert.Equal(t, 0.0, LamportsToSol(big.NewInt(0)))
}

func TestPaymentPayloadValidate(t *testing.T) {
	valid := PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     NetworkMainnet,
		Payload:     SolanaPayload{Transaction: "AQID"},
	}

	t.Run("valid", func(t *testing.T) {
		p := valid
		assert.NoError(t, p.Validate())
	})

	t.Run("wrong version", func(t *testing.T) {
		p := valid
		p.X402Version = 2
		assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		p := valid
		p.Scheme = "upto"
		assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
	})

	t.Run("missing network", func(t *testing.T) {
		p := valid
		p.Network = ""
		assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
	})

	t.Run("missing transaction", func(t *testing.T) {
		p := valid
		p.Payload.Transaction = ""
		assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
	})
}

func TestPaymentHeaderRoundTrip(t *testing.T) {
	payload := &PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     NetworkDevnet,
		Payload:     SolanaPayload{Transaction: "dGVzdA=="},
	}

	decoded, err := DecodePaymentHeader(payload.Encode())
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodePaymentHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodePaymentHeader("not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePaymentHeader("bm90IGpzb24=")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestReceiptHeaderRoundTrip(t *testing.T) {
	receipt := &PaymentReceipt{
		Success:     true,
		Transaction: "5VfYt",
		Network:     NetworkMainnet,
		Payer:       "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Amount:      ReceiptAmount{Lamports: "66667", Sol: 0.000066667, USD: 0.01},
		Flow:        FlowCustodial,
	}

	decoded, err := DecodeReceiptHeader(receipt.Encode())
	require.NoError(t, err)
	assert.Equal(t, receipt, decoded)
}

func TestAmountLamports(t *testing.T) {
	r := PaymentRequirements{MaxAmountRequired: "45000"}
	amount, err := r.AmountLamports()
	require.NoError(t, err)
	assert.Equal(t, "45000", amount.String())

	r.MaxAmountRequired = "not-a-number"
	_, err = r.AmountLamports()
	assert.ErrorIs(t, err, ErrInvalidRequirements)

	r.MaxAmountRequired = "-5"
	_, err = r.AmountLamports()
	assert.ErrorIs(t, err, ErrInvalidRequirements)

	r.MaxAmountRequired = "0"
	_, err = r.AmountLamports()
	assert.ErrorIs(t, err, ErrInvalidRequirements)
}
