// Package client is an HTTP client that transparently pays x402 payment
// challenges. A 402 response is answered by signing a payment transaction
// for the cheapest acceptable requirement and retrying the request with the
// payment attached, subject to a client-side spending budget.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
)

var (
	// ErrNoAcceptablePayment means none of the server's payment options match
	// the signer's network and scheme.
	ErrNoAcceptablePayment = errors.New("no acceptable payment option")

	// ErrPaymentDeclined means the approval callback refused the payment.
	ErrPaymentDeclined = errors.New("payment declined by policy")

	// ErrPaymentRejected means the server returned 402 again after payment.
	ErrPaymentRejected = errors.New("payment rejected by server")
)

// Client wraps an http.Client with automatic x402 payment.
type Client struct {
	http     *http.Client
	signer   PaymentSigner
	budget   *Budget
	approve  func(amount *big.Int, resource string) bool
	recorder *PaymentRecorder
	log      *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBudget replaces the default unlimited budget.
func WithBudget(b *Budget) Option {
	return func(c *Client) { c.budget = b }
}

// WithApproval installs a callback consulted before every payment. Returning
// false declines the payment and fails the request.
func WithApproval(fn func(amount *big.Int, resource string) bool) Option {
	return func(c *Client) { c.approve = fn }
}

// WithRecorder records every payment event for auditing.
func WithRecorder(r *PaymentRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// New creates a paying Client around signer.
func New(signer PaymentSigner, log *logrus.Entry, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 2 * time.Minute},
		signer: signer,
		budget: NewBudget(0, 0, 0),
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request, paying a challenge if one comes back.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do sends the request. On a 402 response it signs a payment for the
// challenge and retries exactly once; any second 402 is a hard failure so a
// misconfigured server cannot drain the budget in a retry loop.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	// The request may need to be replayed with payment attached.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := decodeChallenge(resp)
	if err != nil {
		return nil, err
	}

	selected, amount, err := c.selectRequirement(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	c.record(PaymentEvent{
		Type:      PaymentEventAttempt,
		Resource:  selected.Resource,
		Amount:    amount,
		Network:   selected.Network,
		Recipient: selected.PayTo,
		Timestamp: time.Now(),
	})

	if err := c.authorize(amount, selected.Resource); err != nil {
		c.recordFailure(selected, amount, err)
		return nil, err
	}

	payload, err := c.signer.SignPayment(req.Context(), *selected)
	if err != nil {
		err = fmt.Errorf("failed to sign payment: %w", err)
		c.recordFailure(selected, amount, err)
		return nil, err
	}

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	retry.Header.Set(solgate.PaymentHeader, payload.Encode())

	paidResp, err := c.http.Do(retry)
	if err != nil {
		c.recordFailure(selected, amount, err)
		return nil, err
	}
	if paidResp.StatusCode == http.StatusPaymentRequired {
		paidResp.Body.Close()
		c.recordFailure(selected, amount, ErrPaymentRejected)
		return nil, ErrPaymentRejected
	}

	c.budget.RecordPayment(amount)
	c.record(PaymentEvent{
		Type:      PaymentEventSuccess,
		Resource:  selected.Resource,
		Amount:    amount,
		Network:   selected.Network,
		Recipient: selected.PayTo,
		Timestamp: time.Now(),
	})
	c.log.WithFields(map[string]interface{}{
		"resource": selected.Resource,
		"lamports": amount.String(),
	}).Debug("payment accepted")

	return paidResp, nil
}

// Receipt extracts the payment receipt from a paid response, if present.
func Receipt(resp *http.Response) (*solgate.PaymentReceipt, bool) {
	header := resp.Header.Get(solgate.PaymentResponseHeader)
	if header == "" {
		return nil, false
	}
	receipt, err := solgate.DecodeReceiptHeader(header)
	if err != nil {
		return nil, false
	}
	return receipt, true
}

func decodeChallenge(resp *http.Response) (*solgate.PaymentRequiredResponse, error) {
	defer resp.Body.Close()
	var challenge solgate.PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("malformed payment challenge: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, ErrNoAcceptablePayment
	}
	return &challenge, nil
}

// selectRequirement picks the cheapest requirement the signer can satisfy.
func (c *Client) selectRequirement(accepts []solgate.PaymentRequirements) (*solgate.PaymentRequirements, *big.Int, error) {
	type candidate struct {
		req    solgate.PaymentRequirements
		amount *big.Int
	}
	var candidates []candidate

	for _, req := range accepts {
		if req.Scheme != solgate.SchemeExact {
			continue
		}
		if !c.signer.SupportsNetwork(req.Network) {
			continue
		}
		amount := new(big.Int)
		if _, ok := amount.SetString(req.MaxAmountRequired, 10); !ok || amount.Sign() <= 0 {
			continue
		}
		candidates = append(candidates, candidate{req: req, amount: amount})
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoAcceptablePayment
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].amount.Cmp(candidates[j].amount) < 0
	})
	return &candidates[0].req, candidates[0].amount, nil
}

func (c *Client) authorize(amount *big.Int, resource string) error {
	if err := c.budget.CanSpend(amount); err != nil {
		return err
	}
	if c.approve != nil && !c.approve(amount, resource) {
		return ErrPaymentDeclined
	}
	return nil
}

func (c *Client) record(event PaymentEvent) {
	if c.recorder != nil {
		c.recorder.Record(event)
	}
}

func (c *Client) recordFailure(req *solgate.PaymentRequirements, amount *big.Int, err error) {
	c.record(PaymentEvent{
		Type:      PaymentEventFailure,
		Resource:  req.Resource,
		Amount:    amount,
		Network:   req.Network,
		Recipient: req.PayTo,
		Error:     err,
		Timestamp: time.Now(),
	})
}
