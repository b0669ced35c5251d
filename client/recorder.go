package client

import (
	"math/big"
	"sync"
	"time"
)

// PaymentEventType discriminates recorded payment events.
type PaymentEventType string

const (
	PaymentEventAttempt PaymentEventType = "attempt"
	PaymentEventSuccess PaymentEventType = "success"
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent is one observed payment lifecycle step.
type PaymentEvent struct {
	Type      PaymentEventType
	Resource  string
	Amount    *big.Int
	Network   string
	Recipient string
	Error     error
	Timestamp time.Time
}

// PaymentRecorder collects payment events. Mainly for tests and spend audits.
type PaymentRecorder struct {
	mu     sync.RWMutex
	events []PaymentEvent
}

// NewPaymentRecorder creates an empty recorder.
func NewPaymentRecorder() *PaymentRecorder {
	return &PaymentRecorder{}
}

// Record appends an event.
func (r *PaymentRecorder) Record(event PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns copies of all recorded events.
func (r *PaymentRecorder) Events() []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PaymentEvent, len(r.events))
	for i, event := range r.events {
		out[i] = event
		if event.Amount != nil {
			out[i].Amount = new(big.Int).Set(event.Amount)
		}
	}
	return out
}

// SuccessCount returns the number of successful payments.
func (r *PaymentRecorder) SuccessCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, event := range r.events {
		if event.Type == PaymentEventSuccess {
			n++
		}
	}
	return n
}

// TotalPaid returns the lamport sum of all successful payments.
func (r *PaymentRecorder) TotalPaid() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := big.NewInt(0)
	for _, event := range r.events {
		if event.Type == PaymentEventSuccess && event.Amount != nil {
			total.Add(total, event.Amount)
		}
	}
	return total
}
