package billing

import (
	"context"

	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
)

type contextKey struct{}

// UsageBillingResult reports one mid-request usage charge.
type UsageBillingResult struct {
	UsdCost   float64
	Lamports  string
	Signature string
	// Queued is set when the transfer broadcast failed and the charge was
	// durably queued for retry instead.
	Queued bool
}

// BillingContext lets a handler charge metered usage against the caller's
// custodial wallet during the request it is serving. It is only present in
// the request context on the custodial flow, after the upfront charge
// succeeded.
type BillingContext struct {
	userID string
	wallet *solgate.Wallet
	router *Router
}

// UserID returns the authenticated caller the charges are billed to.
func (b *BillingContext) UserID() string { return b.userID }

// ChargeUsage charges a USD amount against the caller's wallet at the
// current SOL price. metadata is attached to the charge's audit log and may
// be nil. A broadcast failure is queued for retry and reported via Queued
// rather than returned as an error, since the service was already rendered.
func (b *BillingContext) ChargeUsage(ctx context.Context, usd float64, description string, metadata map[string]string) (*UsageBillingResult, error) {
	if len(metadata) > 0 {
		fields := make(logrus.Fields, len(metadata)+1)
		for k, v := range metadata {
			fields[k] = v
		}
		fields["user_id"] = b.userID
		b.router.log.WithFields(fields).Debug("usage charge metadata")
	}
	return b.router.chargeUsage(ctx, b.userID, b.wallet, usd, description)
}

// ChargeModelUsage prices a model invocation's token usage and charges it.
// Unpriceable models return (nil, nil): the request is served free rather
// than failed, and the gap is logged for the operator.
func (b *BillingContext) ChargeModelUsage(ctx context.Context, modelID string, usage Usage) (*UsageBillingResult, error) {
	cost := b.router.costs.CalculateCost(ctx, modelID, usage)
	if cost == nil {
		return nil, nil
	}
	return b.ChargeUsage(ctx, cost.UsdCost, "model usage: "+cost.MatchedModelID, map[string]string{"model": modelID})
}

func newContext(ctx context.Context, bc *BillingContext) context.Context {
	return context.WithValue(ctx, contextKey{}, bc)
}

// FromContext extracts the BillingContext injected by the router on custodial
// requests. Absent on external-payment requests, which are prepaid in full.
func FromContext(ctx context.Context) (*BillingContext, bool) {
	bc, ok := ctx.Value(contextKey{}).(*BillingContext)
	return bc, ok
}
