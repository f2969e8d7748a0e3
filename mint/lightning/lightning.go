// Package lightning defines the contract between the mint and the
// Lightning node that receives and sends the payments backing the e-cash.
package lightning

import (
	"context"
	"errors"
	"math"
)

const (
	// default expiry for invoices created by the mint in seconds
	InvoiceExpiryTime = 3600
)

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus(ctx context.Context) error
	CreateInvoice(ctx context.Context, amount uint64) (Invoice, error)
	InvoiceStatus(ctx context.Context, hash string) (Invoice, error)
	// SendPayment pays the request. A non-nil error with a status other
	// than Failed means the outcome is unknown and the payment may still
	// complete. Callers must check OutgoingPaymentStatus before assuming
	// anything about it.
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	// OutgoingPaymentStatus returns OutgoingPaymentNotFound if the node
	// has no record of a payment for the hash.
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
	SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error)
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type State int

const (
	Succeeded State = iota
	Failed
	Pending
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
	// fee paid in sats. Only set for succeeded payments
	PaymentFee uint64
}

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")

type InvoiceSubscriptionClient interface {
	Recv() (Invoice, error)
}

// FeeConfig sets how much the mint reserves for routing fees on melts:
// max(ceil(amount * Percent / 100), MinReserve)
type FeeConfig struct {
	Percent    float64
	MinReserve uint64
}

func (fc FeeConfig) FeeReserve(amount uint64) uint64 {
	fee := uint64(math.Ceil(float64(amount) * fc.Percent / 100))
	if fee < fc.MinReserve {
		return fc.MinReserve
	}
	return fee
}
