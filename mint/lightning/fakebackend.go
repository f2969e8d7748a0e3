package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"
)

// FakeBackend is an in-memory Lightning backend. The exported fields
// script how it behaves and can be changed while the mint is running.
type FakeBackend struct {
	mu          sync.Mutex
	invoices    map[string]Invoice
	payments    map[string]PaymentStatus
	subscribers map[string][]chan Invoice

	// settle incoming invoices as soon as they are created
	AutoSettle bool
	// status returned by SendPayment
	PaymentOutcome State
	// fee charged on succeeded payments
	PaymentFee uint64
	// how long SendPayment takes. If the context is done first
	// the payment is left in flight.
	PaymentDelay time.Duration
	Fees         FeeConfig
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		invoices:       make(map[string]Invoice),
		payments:       make(map[string]PaymentStatus),
		subscribers:    make(map[string][]chan Invoice),
		AutoSettle:     true,
		PaymentOutcome: Succeeded,
	}
}

func (fb *FakeBackend) ConnectionStatus(ctx context.Context) error { return nil }

func (fb *FakeBackend) CreateInvoice(ctx context.Context, amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := CreateFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        fb.AutoSettle,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}

	fb.mu.Lock()
	fb.invoices[paymentHash] = invoice
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(ctx context.Context, hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[hash]
	if !ok {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return invoice, nil
}

// SettleInvoice marks an incoming invoice as paid
// and notifies the subscriptions for it.
func (fb *FakeBackend) SettleInvoice(hash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[hash]
	if !ok {
		return errors.New("invoice does not exist")
	}
	invoice.Settled = true
	fb.invoices[hash] = invoice

	for _, sub := range fb.subscribers[hash] {
		select {
		case sub <- invoice:
		default:
		}
	}
	return nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("error decoding invoice: %v", err)
	}
	hash := invoice.PaymentHash

	fb.mu.Lock()
	if existing, ok := fb.payments[hash]; ok && existing.PaymentStatus != Failed {
		fb.mu.Unlock()
		return PaymentStatus{PaymentStatus: Failed}, errors.New("invoice is already paid")
	}
	// in flight until the delay passes
	fb.payments[hash] = PaymentStatus{PaymentStatus: Pending}
	outcome, fee, delay := fb.PaymentOutcome, fb.PaymentFee, fb.PaymentDelay
	fb.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return PaymentStatus{PaymentStatus: Pending}, ctx.Err()
		case <-time.After(delay):
		}
	}

	status := PaymentStatus{PaymentStatus: outcome}
	switch outcome {
	case Succeeded:
		if fee > maxFee {
			status = PaymentStatus{PaymentStatus: Failed}
		} else {
			status.Preimage = FakePreimage
			status.PaymentFee = fee
		}
	case Pending:
		// stays in flight until SetPaymentStatus is called
		return status, nil
	}

	fb.mu.Lock()
	fb.payments[hash] = status
	fb.mu.Unlock()

	if status.PaymentStatus == Failed {
		return status, errors.New("payment failed")
	}
	return status, nil
}

// SetPaymentStatus overrides the status the node reports
// for an outgoing payment.
func (fb *FakeBackend) SetPaymentStatus(hash string, status PaymentStatus) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.payments[hash] = status
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	status, ok := fb.payments[hash]
	if !ok {
		return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
	}
	return status, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return fb.Fees.FeeReserve(amount)
}

func (fb *FakeBackend) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[paymentHash]
	if !ok {
		return nil, errors.New("invoice does not exist")
	}

	updates := make(chan Invoice, 1)
	if invoice.Settled {
		updates <- invoice
	}
	fb.subscribers[paymentHash] = append(fb.subscribers[paymentHash], updates)

	return &fakeInvoiceSub{ctx: ctx, updates: updates}, nil
}

type fakeInvoiceSub struct {
	ctx     context.Context
	updates chan Invoice
}

func (sub *fakeInvoiceSub) Recv() (Invoice, error) {
	select {
	case <-sub.ctx.Done():
		return Invoice{}, sub.ctx.Err()
	case invoice := <-sub.updates:
		return invoice, nil
	}
}

// CreateFakeInvoice returns a signed signet bolt11 invoice for the amount
// along with its preimage and payment hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
		zpay32.Expiry(InvoiceExpiryTime*time.Second),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
