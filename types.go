package solgate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// X402Version is the protocol version this module speaks.
const X402Version = 1

// SchemeExact is the only payment scheme supported: the transaction must
// transfer at least the required amount, in one or more instructions.
const SchemeExact = "exact"

// AssetNative identifies the chain's native asset (SOL, denominated in lamports).
const AssetNative = "native"

// LamportsPerSol is the number of base units in one SOL.
const LamportsPerSol = 1_000_000_000

// Supported network identifiers.
const (
	NetworkMainnet = "solana"
	NetworkDevnet  = "solana-devnet"
)

// Payment header names carried on HTTP requests and responses.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
	RefundStatusHeader    = "X-Refund-Status"
)

// PaymentRequirements describes what a caller must pay to access a resource.
// It is immutable once issued: the amount is derived from exactly one price
// quote and is never re-derived during the request lifecycle.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// AmountLamports parses the required amount as an arbitrary-precision integer.
func (r *PaymentRequirements) AmountLamports() (*big.Int, error) {
	amount := new(big.Int)
	if _, ok := amount.SetString(r.MaxAmountRequired, 10); !ok {
		return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidRequirements, r.MaxAmountRequired)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequirements)
	}
	return amount, nil
}

// PaymentRequiredResponse is the HTTP 402 response body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SolanaPayload carries the base64-encoded signed transaction bytes.
type SolanaPayload struct {
	Transaction string `json:"transaction"`
}

// PaymentPayload is the untrusted X-Payment header content. It must pass
// Validate before any transaction bytes are decoded.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SolanaPayload `json:"payload"`
}

// Validate performs schema-level checks on an inbound payload. Malformed
// payloads are rejected here, before any parsing of transaction bytes.
func (p *PaymentPayload) Validate() error {
	if p.X402Version != X402Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.X402Version)
	}
	if p.Scheme != SchemeExact {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPayload, p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("%w: missing network", ErrInvalidPayload)
	}
	if p.Payload.Transaction == "" {
		return fmt.Errorf("%w: missing transaction", ErrInvalidPayload)
	}
	return nil
}

// Encode encodes the payload as base64(JSON) for the X-Payment header.
func (p *PaymentPayload) Encode() string {
	data, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePaymentHeader parses an X-Payment header value into a PaymentPayload.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: header is not base64: %v", ErrInvalidPayload, err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: header is not JSON: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// VerifyResult is produced by transaction verification. Verification never
// broadcasts and has no side effects.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult reports the outcome of broadcasting and confirming a payment.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// ReceiptAmount breaks a paid amount down into its three denominations.
type ReceiptAmount struct {
	Lamports string  `json:"baseUnits"`
	Sol      float64 `json:"native"`
	USD      float64 `json:"usd"`
}

// Payment flows recorded on receipts.
const (
	FlowExternal  = "external"
	FlowCustodial = "custodial"
)

// PaymentReceipt is attached to successful paid responses in the
// X-Payment-Response header, base64(JSON)-encoded.
type PaymentReceipt struct {
	Success     bool          `json:"success"`
	Transaction string        `json:"transactionId"`
	Network     string        `json:"network"`
	Payer       string        `json:"payer"`
	Amount      ReceiptAmount `json:"amount"`
	Flow        string        `json:"flow"`
	ErrorReason string        `json:"errorReason,omitempty"`
}

// Encode encodes the receipt for the X-Payment-Response header.
func (r *PaymentReceipt) Encode() string {
	data, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeReceiptHeader parses an X-Payment-Response header value.
func DecodeReceiptHeader(header string) (*PaymentReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid receipt header: %w", err)
	}
	var receipt PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("invalid receipt header: %w", err)
	}
	return &receipt, nil
}

// UsdToLamports converts a USD amount to lamports at the given SOL/USD price,
// rounding up so a quote never undercharges by a fractional lamport.
// priceUsd must be positive; the oracle guarantees that.
func UsdToLamports(usd, priceUsd float64) *big.Int {
	sol := new(big.Float).Quo(big.NewFloat(usd), big.NewFloat(priceUsd))
	lamports := new(big.Float).Mul(sol, big.NewFloat(LamportsPerSol))
	result, accuracy := lamports.Int(nil)
	if accuracy == big.Below {
		result.Add(result, big.NewInt(1))
	}
	return result
}

// LamportsToSol converts lamports to whole SOL.
func LamportsToSol(lamports *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(lamports), big.NewFloat(LamportsPerSol)).Float64()
	return f
}

// LamportsToUsd converts lamports to USD at the given SOL/USD price.
func LamportsToUsd(lamports *big.Int, priceUsd float64) float64 {
	return LamportsToSol(lamports) * priceUsd
}
