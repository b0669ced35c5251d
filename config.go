package solgate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
)

// Default values applied when the corresponding environment variable is unset.
const (
	// DefaultFallbackSolPriceUSD is the hardcoded last-resort SOL/USD quote.
	// Deliberately conservative (high): when every feed and cache has failed
	// it is safer to overcharge slightly than to undercharge or quote zero.
	DefaultFallbackSolPriceUSD = 250.0

	// DefaultFeeBufferLamports is the headroom required on top of a custodial
	// payment amount: twice the flat 5000-lamport signature fee.
	DefaultFeeBufferLamports = 10_000
)

// Config holds everything the payment stack needs at startup.
type Config struct {
	// Network is the chain identifier ("solana" or "solana-devnet").
	Network string

	// RPCEndpoint overrides the default RPC endpoint for Network.
	RPCEndpoint string

	// TreasuryAddress receives all payments. Required: without it the
	// system refuses to start rather than accept payments into an unset
	// destination.
	TreasuryAddress string

	// TreasuryPrivateKey is the base58 key for the treasury wallet.
	// Optional; when absent, refunds degrade to manual reconciliation.
	TreasuryPrivateKey string

	// RedisURL enables the shared lock store, queues, and cache tier.
	// Optional; when absent those components fall back to in-process state.
	RedisURL string

	// FallbackSolPriceUSD is the oracle's last-resort quote.
	FallbackSolPriceUSD float64

	// FeeBufferLamports is required balance headroom for custodial spends.
	FeeBufferLamports uint64
}

// LoadConfig reads configuration from the environment, loading a .env file
// first if one is present.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg := &Config{
		Network:             envOr("SOLGATE_NETWORK", NetworkMainnet),
		RPCEndpoint:         os.Getenv("SOLGATE_RPC_ENDPOINT"),
		TreasuryAddress:     os.Getenv("SOLGATE_TREASURY_ADDRESS"),
		TreasuryPrivateKey:  os.Getenv("SOLGATE_TREASURY_PRIVATE_KEY"),
		RedisURL:            os.Getenv("SOLGATE_REDIS_URL"),
		FallbackSolPriceUSD: DefaultFallbackSolPriceUSD,
		FeeBufferLamports:   DefaultFeeBufferLamports,
	}

	if v := os.Getenv("SOLGATE_FALLBACK_SOL_PRICE"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid SOLGATE_FALLBACK_SOL_PRICE %q", v)
		}
		cfg.FallbackSolPriceUSD = price
	}

	if v := os.Getenv("SOLGATE_FEE_BUFFER_LAMPORTS"); v != "" {
		buf, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SOLGATE_FEE_BUFFER_LAMPORTS %q", v)
		}
		cfg.FeeBufferLamports = buf
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails closed on configuration that would make payments unsafe.
func (c *Config) Validate() error {
	if c.TreasuryAddress == "" {
		return ErrTreasuryNotConfigured
	}
	if _, err := EndpointForNetwork(c.Network); c.RPCEndpoint == "" && err != nil {
		return err
	}
	if c.FallbackSolPriceUSD <= 0 {
		return fmt.Errorf("fallback price must be positive")
	}
	return nil
}

// Endpoint returns the RPC endpoint to use: the explicit override when set,
// otherwise the public endpoint for the configured network.
func (c *Config) Endpoint() string {
	if c.RPCEndpoint != "" {
		return c.RPCEndpoint
	}
	endpoint, _ := EndpointForNetwork(c.Network)
	return endpoint
}

// EndpointForNetwork maps a network identifier to its public RPC endpoint.
func EndpointForNetwork(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return rpc.MainNetBeta_RPC, nil
	case NetworkDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
