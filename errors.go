package solgate

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentRequired     = errors.New("payment required")
	ErrInvalidPayload      = errors.New("invalid payment payload")
	ErrInvalidRequirements = errors.New("invalid payment requirements")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")

	// Network errors
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// Identity errors
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoActiveWallet  = errors.New("no active wallet for user")

	// Infrastructure errors
	ErrLockTimeout           = errors.New("wallet lock acquisition timed out")
	ErrTreasuryNotConfigured = errors.New("treasury address not configured")
)

// PaymentError provides detailed payment error information.
type PaymentError struct {
	Code     string
	Message  string
	Resource string
	Amount   string
	Network  string
	Wrapped  error
}

func (e *PaymentError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (resource: %s, amount: %s, network: %s): %v",
			e.Code, e.Message, e.Resource, e.Amount, e.Network, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s (resource: %s, amount: %s, network: %s)",
		e.Code, e.Message, e.Resource, e.Amount, e.Network)
}

func (e *PaymentError) Unwrap() error {
	return e.Wrapped
}

// NewPaymentError creates a new PaymentError
func NewPaymentError(code, message, resource, amount, network string, wrapped error) *PaymentError {
	return &PaymentError{
		Code:     code,
		Message:  message,
		Resource: resource,
		Amount:   amount,
		Network:  network,
		Wrapped:  wrapped,
	}
}
