package client

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Budget policy violations.
var (
	ErrAmountExceedsLimit = errors.New("payment amount exceeds per-payment limit")
	ErrBudgetExceeded     = errors.New("hourly spending budget exceeded")
	ErrRateLimitExceeded  = errors.New("payment rate limit exceeded")
)

// Budget enforces client-side spending limits: a per-payment cap, an hourly
// lamport cap, and a per-minute payment count. All amounts are lamports.
type Budget struct {
	mu sync.Mutex

	maxPerPayment *big.Int // nil means unlimited
	maxPerHour    *big.Int // nil means unlimited
	maxPerMinute  int      // 0 means unlimited

	hourlySpent     *big.Int
	hourlyResetTime time.Time
	minuteCount     int
	minuteResetTime time.Time

	totalSpent   *big.Int
	paymentCount int
}

// NewBudget creates a Budget. Zero-value limits are unlimited.
func NewBudget(maxPerPayment, maxPerHour uint64, maxPerMinute int) *Budget {
	b := &Budget{
		maxPerMinute:    maxPerMinute,
		hourlySpent:     big.NewInt(0),
		hourlyResetTime: time.Now().Add(time.Hour),
		minuteResetTime: time.Now().Add(time.Minute),
		totalSpent:      big.NewInt(0),
	}
	if maxPerPayment > 0 {
		b.maxPerPayment = new(big.Int).SetUint64(maxPerPayment)
	}
	if maxPerHour > 0 {
		b.maxPerHour = new(big.Int).SetUint64(maxPerHour)
	}
	return b
}

// CanSpend reports whether a payment of amount is within every limit.
func (b *Budget) CanSpend(amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetWindows(time.Now())

	if b.maxPerPayment != nil && amount.Cmp(b.maxPerPayment) > 0 {
		return fmt.Errorf("%w: %s > %s lamports", ErrAmountExceedsLimit, amount, b.maxPerPayment)
	}
	if b.maxPerMinute > 0 && b.minuteCount >= b.maxPerMinute {
		return ErrRateLimitExceeded
	}
	if b.maxPerHour != nil {
		next := new(big.Int).Add(b.hourlySpent, amount)
		if next.Cmp(b.maxPerHour) > 0 {
			return fmt.Errorf("%w: %s + %s > %s lamports", ErrBudgetExceeded, b.hourlySpent, amount, b.maxPerHour)
		}
	}
	return nil
}

// RecordPayment counts a completed payment against the limits.
func (b *Budget) RecordPayment(amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetWindows(time.Now())
	b.minuteCount++
	b.hourlySpent.Add(b.hourlySpent, amount)
	b.totalSpent.Add(b.totalSpent, amount)
	b.paymentCount++
}

func (b *Budget) resetWindows(now time.Time) {
	if !now.Before(b.hourlyResetTime) {
		b.hourlySpent = big.NewInt(0)
		b.hourlyResetTime = now.Add(time.Hour)
	}
	if !now.Before(b.minuteResetTime) {
		b.minuteCount = 0
		b.minuteResetTime = now.Add(time.Minute)
	}
}

// Metrics is a snapshot of budget spending.
type Metrics struct {
	TotalSpent   string
	HourlySpent  string
	PaymentCount int
	MinuteCount  int
}

// Metrics returns current spending totals.
func (b *Budget) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		TotalSpent:   b.totalSpent.String(),
		HourlySpent:  b.hourlySpent.String(),
		PaymentCount: b.paymentCount,
		MinuteCount:  b.minuteCount,
	}
}
