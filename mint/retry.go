package mint

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lnmint/lnmint/mint/lightning"
)

const maxBackendRetries = 3

func newBackoff(ctx context.Context) backoff.BackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(expBackoff, maxBackendRetries), ctx)
}

// createInvoice is not retried. A call that timed out may still have
// created the invoice on the node.
func (m *Mint) createInvoice(ctx context.Context, amount uint64) (lightning.Invoice, error) {
	start := time.Now()
	defer m.metrics.observeBackendCall("create_invoice", start)

	callCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()
	return m.lightningClient.CreateInvoice(callCtx, amount)
}

// invoiceStatus asks the backend for the state of an incoming invoice,
// retrying transient errors. Each attempt is bounded by the backend timeout.
func (m *Mint) invoiceStatus(ctx context.Context, paymentHash string) (lightning.Invoice, error) {
	start := time.Now()
	defer m.metrics.observeBackendCall("invoice_status", start)

	return backoff.RetryWithData(func() (lightning.Invoice, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		defer cancel()
		return m.lightningClient.InvoiceStatus(callCtx, paymentHash)
	}, newBackoff(ctx))
}

// outgoingPaymentStatus is only ever used to read the state of a payment.
// Payments themselves are never retried.
func (m *Mint) outgoingPaymentStatus(ctx context.Context, paymentHash string) (lightning.PaymentStatus, error) {
	start := time.Now()
	defer m.metrics.observeBackendCall("outgoing_payment_status", start)

	return backoff.RetryWithData(func() (lightning.PaymentStatus, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		defer cancel()
		status, err := m.lightningClient.OutgoingPaymentStatus(callCtx, paymentHash)
		if errors.Is(err, lightning.OutgoingPaymentNotFound) {
			return status, backoff.Permanent(err)
		}
		return status, err
	}, newBackoff(ctx))
}

func (m *Mint) checkBackendConnection(ctx context.Context) error {
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		defer cancel()
		return m.lightningClient.ConnectionStatus(callCtx)
	}, newBackoff(ctx))
}
