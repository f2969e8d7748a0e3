package mint

import (
	"context"
	"errors"
	"time"

	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/mint/lightning"
	"github.com/lnmint/lnmint/mint/storage"
)

// checkInvoicePaid should be called in a different goroutine to check in the background
// if the invoice for the quoteId gets paid and update it in the db.
func (m *Mint) checkInvoicePaid(ctx context.Context, quoteId string) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		m.logErrorf("could not get mint quote '%v' from db: %v", quoteId, err)
		return
	}

	timeUntilExpiry := time.Until(time.Unix(int64(mintQuote.Expiry), 0))
	if timeUntilExpiry <= 0 {
		return
	}
	// the subscription ends at the quote expiry or when the mint shuts down
	ctx, cancel := context.WithTimeout(ctx, timeUntilExpiry)
	defer cancel()

	invoiceSub, err := m.lightningClient.SubscribeInvoice(ctx, mintQuote.PaymentHash)
	if err != nil {
		m.logErrorf("could not subscribe to invoice changes for mint quote '%v': %v", quoteId, err)
		return
	}

	updateChan := make(chan lightning.Invoice, 1)
	errChan := make(chan error, 1)

	go func() {
		for {
			invoice, err := invoiceSub.Recv()
			if err != nil {
				errChan <- err
				return
			}

			// only send on channel if invoice gets settled
			if invoice.Settled {
				updateChan <- invoice
				return
			}
		}
	}()

	select {
	case <-updateChan:
		m.logInfof("received update from invoice sub. Invoice for mint quote '%v' is PAID", mintQuote.Id)
		err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid)
		if err != nil {
			if !errors.Is(err, storage.ErrQuoteStateMismatch) {
				m.logErrorf("could not mark mint quote '%v' as PAID in db: %v", mintQuote.Id, err)
			}
			return
		}
		mintQuote.State = nut04.Paid
		m.publishMintQuote(mintQuote)
	case err := <-errChan:
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			m.logDebugf("canceling invoice subscription for quote '%v'. Reached deadline", mintQuote.Id)
		case errors.Is(ctx.Err(), context.Canceled):
			m.logDebugf("canceling invoice subscription for quote '%v'. Context canceled", mintQuote.Id)
		default:
			m.logErrorf("error reading from invoice subscription: %v", err)
		}
	case <-ctx.Done():
		m.logDebugf("canceling invoice subscription for quote '%v': %v", mintQuote.Id, ctx.Err())
	}
}
