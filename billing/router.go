package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
	"github.com/solgate-labs/solgate/custody"
	"github.com/solgate-labs/solgate/facilitator"
	"github.com/solgate-labs/solgate/oracle"
)

// errBroadcastQueued marks a custodial charge whose broadcast failed and was
// handed to the retry queue.
var errBroadcastQueued = errors.New("payment broadcast failed, queued for retry")

// RouterConfig wires a Router. Config, Oracle, Facilitator, Locker, Signer,
// and Logger are required; Identity and Wallets enable the custodial flow,
// and Refunds enables compensating transfers on failed custodial requests.
type RouterConfig struct {
	Config      *solgate.Config
	Oracle      *oracle.Oracle
	Facilitator *facilitator.Facilitator
	Locker      *custody.Locker
	Signer      *custody.Signer
	Queue       *RetryQueue
	Refunds     *RefundManager
	Costs       *CostCalculator
	Identity    solgate.IdentityVerifier
	Wallets     solgate.WalletStore
	Logger      *logrus.Entry
}

// Router is HTTP middleware that gates handlers behind x402 payment. Each
// wrapped route accepts either an external signed payment transaction in the
// X-Payment header, or an authenticated identity whose custodial wallet is
// charged up front.
type Router struct {
	cfg         *solgate.Config
	oracle      *oracle.Oracle
	facilitator *facilitator.Facilitator
	locker      *custody.Locker
	signer      *custody.Signer
	queue       *RetryQueue
	refunds     *RefundManager
	costs       *CostCalculator
	identity    solgate.IdentityVerifier
	wallets     solgate.WalletStore
	treasury    solana.PublicKey
	feeBuffer   *big.Int
	log         *logrus.Entry

	mu     sync.RWMutex
	prices map[string]float64
}

// NewRouter creates a Router. It refuses a missing or unparseable treasury
// address outright so no request can be priced toward an unset destination.
func NewRouter(rc RouterConfig) (*Router, error) {
	if rc.Config == nil || rc.Config.TreasuryAddress == "" {
		return nil, solgate.ErrTreasuryNotConfigured
	}
	treasury, err := solana.PublicKeyFromBase58(rc.Config.TreasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", solgate.ErrTreasuryNotConfigured, err)
	}
	costs := rc.Costs
	if costs == nil {
		costs = NewCostCalculator(nil, rc.Logger)
	}
	return &Router{
		cfg:         rc.Config,
		oracle:      rc.Oracle,
		facilitator: rc.Facilitator,
		locker:      rc.Locker,
		signer:      rc.Signer,
		queue:       rc.Queue,
		refunds:     rc.Refunds,
		costs:       costs,
		identity:    rc.Identity,
		wallets:     rc.Wallets,
		treasury:    treasury,
		feeBuffer:   new(big.Int).SetUint64(rc.Config.FeeBufferLamports),
		log:         rc.Logger,
		prices:      make(map[string]float64),
	}, nil
}

// RegisterPrice sets the flat USD price for a price key. Keys are opaque;
// routes reference them through Wrap.
func (r *Router) RegisterPrice(key string, usd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[key] = usd
}

func (r *Router) price(key string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	usd, ok := r.prices[key]
	return usd, ok
}

// Wrap gates next behind payment at the price registered under priceKey. The
// SOL price is quoted exactly once per request; the resulting requirements
// are immutable for the request's lifetime.
func (r *Router) Wrap(next http.Handler, priceKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		usd, ok := r.price(priceKey)
		if !ok {
			r.log.WithField("price_key", priceKey).Error("route wrapped with unregistered price key")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		quote := r.oracle.Price(req.Context())
		lamports := solgate.UsdToLamports(usd, quote)
		reqs := r.buildRequirements(req, lamports, usd, quote)

		if header := req.Header.Get(solgate.PaymentHeader); header != "" {
			r.serveExternal(w, req, next, header, reqs, lamports, usd)
			return
		}

		if r.identity != nil {
			identity, err := r.identity.VerifyRequest(req.Context(), req)
			if err == nil && identity != nil {
				r.serveCustodial(w, req, next, identity, reqs, lamports, usd)
				return
			}
		}

		r.write402(w, reqs, "payment required")
	})
}

// serveExternal is the serve-then-settle flow for self-custodied payers: the
// signed transaction is verified up front, the handler runs against a
// buffered response, and the payment is only broadcast when the handler
// succeeded. A handler failure costs the payer nothing.
func (r *Router) serveExternal(w http.ResponseWriter, req *http.Request, next http.Handler, header string, reqs *solgate.PaymentRequirements, lamports *big.Int, usd float64) {
	payload, err := solgate.DecodePaymentHeader(header)
	if err != nil {
		r.write402(w, reqs, err.Error())
		return
	}

	verify := r.facilitator.Verify(req.Context(), payload, reqs)
	if !verify.IsValid {
		r.write402(w, reqs, "payment verification failed: "+verify.InvalidReason)
		return
	}

	buf := newBufferedWriter()
	if !r.runHandler(buf, req, next) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if buf.code >= http.StatusInternalServerError {
		// Handler failed; the verified payment is never broadcast.
		buf.flush(w)
		return
	}

	settle := r.facilitator.Settle(req.Context(), payload, reqs)
	receipt := &solgate.PaymentReceipt{
		Success:     settle.Success,
		Transaction: settle.Transaction,
		Network:     settle.Network,
		Payer:       settle.Payer,
		Amount:      r.receiptAmount(lamports, usd),
		Flow:        solgate.FlowExternal,
		ErrorReason: settle.ErrorReason,
	}
	buf.header.Set(solgate.PaymentResponseHeader, receipt.Encode())
	buf.flush(w)
}

// serveCustodial is the pay-first flow: the caller's custodial wallet is
// charged the full amount before the handler runs, and a failed handler is
// compensated with a refund afterwards.
func (r *Router) serveCustodial(w http.ResponseWriter, req *http.Request, next http.Handler, identity *solgate.Identity, reqs *solgate.PaymentRequirements, lamports *big.Int, usd float64) {
	// The active wallet is resolved fresh per request so a wallet switch
	// takes effect immediately.
	wallet, err := r.wallets.ActiveWallet(req.Context(), identity.UserID)
	if err != nil || wallet == nil {
		r.write402(w, reqs, solgate.ErrNoActiveWallet.Error())
		return
	}

	signature, err := r.chargeWallet(req.Context(), identity.UserID, wallet, lamports, usd, "payment for "+reqs.Resource)
	switch {
	case err == nil:
	case errors.Is(err, solgate.ErrLockTimeout):
		http.Error(w, "wallet busy, retry shortly", http.StatusServiceUnavailable)
		return
	case errors.Is(err, errBroadcastQueued):
		r.write402(w, reqs, "payment could not be broadcast, queued for retry")
		return
	default:
		r.write402(w, reqs, err.Error())
		return
	}

	bc := &BillingContext{userID: identity.UserID, wallet: wallet, router: r}
	paidReq := req.WithContext(newContext(req.Context(), bc))

	buf := newBufferedWriter()
	if ok := r.runHandler(buf, paidReq, next); !ok || buf.code >= http.StatusInternalServerError {
		// Paid but not served: issue a compensating refund.
		result := r.refund(req.Context(), identity.UserID, wallet.Address, lamports, usd, signature)
		w.Header().Set(solgate.RefundStatusHeader, refundStatusValue(result))
		if !ok {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		buf.flush(w)
		return
	}

	receipt := &solgate.PaymentReceipt{
		Success:     true,
		Transaction: signature,
		Network:     r.cfg.Network,
		Payer:       wallet.Address,
		Amount:      r.receiptAmount(lamports, usd),
		Flow:        solgate.FlowCustodial,
	}
	buf.header.Set(solgate.PaymentResponseHeader, receipt.Encode())
	buf.flush(w)
}

// chargeWallet performs one custodial charge: balance check and transfer
// under the wallet lock. A broadcast failure is queued for retry and
// surfaced as errBroadcastQueued.
func (r *Router) chargeWallet(ctx context.Context, userID string, wallet *solgate.Wallet, lamports *big.Int, usd float64, description string) (string, error) {
	from, err := solana.PublicKeyFromBase58(wallet.Address)
	if err != nil {
		return "", fmt.Errorf("bad wallet address: %w", err)
	}

	var signature string
	err = r.locker.WithLock(ctx, wallet.Address, func(ctx context.Context) error {
		balance, err := r.signer.Balance(ctx, from)
		if err != nil {
			return fmt.Errorf("balance check failed: %w", err)
		}
		needed := new(big.Int).Add(lamports, r.feeBuffer)
		if balance.Cmp(needed) < 0 {
			return fmt.Errorf("%w: have %s, need %s lamports", solgate.ErrInsufficientBalance, balance, needed)
		}

		result := r.signer.Transfer(ctx, wallet.ID, from, r.treasury, lamports)
		if !result.Success {
			if r.queue != nil {
				qErr := r.queue.QueueFailedPayment(ctx, &FailedPayment{
					UserID:         userID,
					WalletID:       wallet.ID,
					WalletAddress:  wallet.Address,
					AmountLamports: lamports.String(),
					UsdCost:        usd,
					Description:    description,
					LastError:      result.Error,
				})
				if qErr != nil {
					r.log.WithError(qErr).WithField("user_id", userID).Error("failed to queue failed payment")
				}
			}
			return fmt.Errorf("%w: %s", errBroadcastQueued, result.Error)
		}
		signature = result.Signature
		return nil
	})
	return signature, err
}

// chargeUsage backs BillingContext.ChargeUsage. Unlike the upfront charge, a
// queued broadcast failure is a success from the caller's point of view: the
// service was already rendered, so the debt is collected asynchronously.
func (r *Router) chargeUsage(ctx context.Context, userID string, wallet *solgate.Wallet, usd float64, description string) (*UsageBillingResult, error) {
	quote := r.oracle.Price(ctx)
	lamports := solgate.UsdToLamports(usd, quote)

	signature, err := r.chargeWallet(ctx, userID, wallet, lamports, usd, description)
	if errors.Is(err, errBroadcastQueued) {
		return &UsageBillingResult{UsdCost: usd, Lamports: lamports.String(), Queued: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &UsageBillingResult{UsdCost: usd, Lamports: lamports.String(), Signature: signature}, nil
}

func (r *Router) refund(ctx context.Context, userID, walletAddress string, lamports *big.Int, usd float64, originalTx string) RefundResult {
	if r.refunds == nil {
		r.log.WithFields(map[string]interface{}{
			"user_id":     userID,
			"original_tx": originalTx,
			"lamports":    lamports.String(),
		}).Warn("no refund manager configured, charge needs manual reversal")
		return RefundResult{Success: false, ManualRequired: true}
	}
	return r.refunds.IssueRefund(ctx, userID, walletAddress, lamports, usd, "service failed after payment", originalTx)
}

func refundStatusValue(result RefundResult) string {
	switch {
	case result.Success:
		return "issued"
	case result.ManualRequired:
		return "manual-review"
	default:
		return "failed"
	}
}

// runHandler invokes next against the buffered writer, converting a handler
// panic into a false return instead of tearing down the connection.
func (r *Router) runHandler(buf *bufferedWriter, req *http.Request, next http.Handler) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", fmt.Sprint(rec)).Error("handler panicked")
			ok = false
		}
	}()
	next.ServeHTTP(buf, req)
	return true
}

func (r *Router) buildRequirements(req *http.Request, lamports *big.Int, usd, quote float64) *solgate.PaymentRequirements {
	return &solgate.PaymentRequirements{
		Scheme:            solgate.SchemeExact,
		Network:           r.cfg.Network,
		MaxAmountRequired: lamports.String(),
		Asset:             solgate.AssetNative,
		PayTo:             r.cfg.TreasuryAddress,
		Resource:          req.URL.Path,
		Description:       fmt.Sprintf("access to %s", req.URL.Path),
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			"usdAmount":    strconv.FormatFloat(usd, 'f', -1, 64),
			"priceAtQuote": strconv.FormatFloat(quote, 'f', -1, 64),
		},
	}
}

func (r *Router) receiptAmount(lamports *big.Int, usd float64) solgate.ReceiptAmount {
	return solgate.ReceiptAmount{
		Lamports: lamports.String(),
		Sol:      solgate.LamportsToSol(lamports),
		USD:      usd,
	}
}

func (r *Router) write402(w http.ResponseWriter, reqs *solgate.PaymentRequirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(solgate.PaymentRequiredResponse{
		X402Version: solgate.X402Version,
		Error:       reason,
		Accepts:     []solgate.PaymentRequirements{*reqs},
	})
}

// bufferedWriter captures a handler's response so the router can decide on
// settlement or refund before anything reaches the wire.
type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), code: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) { b.code = code }

func (b *bufferedWriter) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(b.code)
	_, _ = w.Write(b.body.Bytes())
}
