package solgate

import (
	"context"
	"net/http"
)

// AccountKind discriminates the kinds of accounts an identity may link.
type AccountKind string

const (
	AccountKindWallet AccountKind = "wallet"
	AccountKindEmail  AccountKind = "email"
	AccountKindOAuth  AccountKind = "oauth"
)

// LinkedAccount is a tagged union over the account kinds an identity
// provider can report. Only the fields for the tagged kind are set.
type LinkedAccount struct {
	Kind AccountKind

	// Kind == AccountKindWallet
	WalletAddress string

	// Kind == AccountKindEmail
	Email string

	// Kind == AccountKindOAuth
	Provider string
	Subject  string
}

// PaymentAddress returns the on-chain address for a linked account, if the
// account kind carries one. The switch is exhaustive over AccountKind so a
// new kind fails loudly here rather than silently paying nobody.
func (a LinkedAccount) PaymentAddress() (string, bool) {
	switch a.Kind {
	case AccountKindWallet:
		return a.WalletAddress, a.WalletAddress != ""
	case AccountKindEmail, AccountKindOAuth:
		return "", false
	default:
		return "", false
	}
}

// Identity is a verified caller with their linked accounts.
type Identity struct {
	UserID   string
	Accounts []LinkedAccount
}

// IdentityVerifier resolves request credentials to a stable identity.
// Implementations may cache positive results briefly; this module treats a
// positive result as trustworthy for the lifetime of one request.
type IdentityVerifier interface {
	VerifyRequest(ctx context.Context, r *http.Request) (*Identity, error)
}

// Wallet is a custodial wallet record.
type Wallet struct {
	ID      string
	Address string
}

// WalletStore resolves the wallet currently designated active for a user.
// It is consulted fresh on every request so a wallet switch takes effect on
// the very next call.
type WalletStore interface {
	ActiveWallet(ctx context.Context, userID string) (*Wallet, error)
}
