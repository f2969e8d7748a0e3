package mint

import (
	"context"
	"encoding/json"
	"errors"
	"math/bits"
	"time"

	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/cashu/nuts/nut07"
	"github.com/lnmint/lnmint/mint/lightning"
	"github.com/lnmint/lnmint/mint/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// RequestMeltQuote will process a request to melt tokens and return a MeltQuote.
// A melt is requested by a wallet to request the mint to pay an invoice.
func (m *Mint) RequestMeltQuote(method, request, unit string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if unit != SAT_UNIT {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}

	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		m.logDebugf("invalid payment request in melt quote: %v", err)
		return storage.MeltQuote{}, cashu.InvalidPaymentRequestErr
	}
	if bolt11.MSatoshi <= 0 {
		return storage.MeltQuote{}, cashu.AmountlessInvoiceErr
	}
	// round up to the next sat
	amount := uint64((bolt11.MSatoshi + 999) / 1000)

	now := time.Now().Unix()
	invoiceExpiry := int64(bolt11.CreatedAt) + int64(bolt11.Expiry)
	if bolt11.Expiry > 0 && invoiceExpiry <= now {
		return storage.MeltQuote{}, cashu.BuildCashuError("payment request has expired", cashu.MeltQuoteErrCode)
	}

	if m.limits.MeltingSettings.MaxAmount > 0 && amount > m.limits.MeltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}
	if m.limits.MeltingSettings.MinAmount > 0 && amount < m.limits.MeltingSettings.MinAmount {
		return storage.MeltQuote{}, cashu.BuildCashuError("amount is below the minimum for melting", cashu.AmountLimitExceeded)
	}

	// only allow a new quote for the same request if the previous one failed
	existing, err := m.db.GetMeltQuoteByPaymentRequest(request)
	if err == nil {
		if existing.State != nut05.Failed {
			return storage.MeltQuote{}, cashu.MeltQuoteForRequestExists
		}
	} else if !errors.Is(err, storage.ErrQuoteNotFound) {
		m.logErrorf("error reading melt quote by payment request: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	expiry := uint64(time.Now().Add(m.quoteExpiry).Unix())
	if bolt11.Expiry > 0 && uint64(invoiceExpiry) < expiry {
		expiry = uint64(invoiceExpiry)
	}

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         amount,
		FeeReserve:     m.lightningClient.FeeReserve(amount),
		State:          nut05.Unpaid,
		Expiry:         expiry,
	}
	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		m.logErrorf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	m.logInfof("created melt quote '%v' for %v sats with fee reserve of %v", quoteId, amount, meltQuote.FeeReserve)

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote.
// If the quote is pending, the backend is asked for the payment status
// and the quote gets settled if there is a final outcome.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	meltQuote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	if meltQuote.State == nut05.Pending {
		return m.reconcileMeltQuote(ctx, meltQuote), nil
	}
	return meltQuote, nil
}

func (m *Mint) getMeltQuote(quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		m.logErrorf("error reading melt quote '%v': %v", quoteId, err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	return meltQuote, nil
}

// MeltTokens verifies whether proofs provided are valid
// and proceeds to attempt payment.
// The proofs are held as pending while the payment is in flight. If the
// backend can't tell whether the payment went through, the quote is
// returned as PENDING and settled later by reconciliation.
func (m *Mint) MeltTokens(
	ctx context.Context,
	method, quoteId string,
	proofs cashu.Proofs,
	outputs cashu.BlindedMessages,
) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	meltQuote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	switch meltQuote.State {
	case nut05.Pending:
		return storage.MeltQuote{}, cashu.QuotePending
	case nut05.Paid:
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	case nut05.Failed:
		return storage.MeltQuote{}, cashu.MeltQuoteFailed
	}
	if uint64(time.Now().Unix()) > meltQuote.Expiry {
		return storage.MeltQuote{}, cashu.QuoteExpiredErr
	}

	dbProofs, proofsAmount, err := m.verifyProofs(proofs)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	needed, overflow := overflowAddUint64(meltQuote.Amount, meltQuote.FeeReserve)
	if overflow || proofsAmount < needed {
		return storage.MeltQuote{}, cashu.InsufficientProofsAmount
	}

	if err := m.verifyChangeOutputs(outputs, proofsAmount-meltQuote.Amount); err != nil {
		return storage.MeltQuote{}, err
	}

	// claimed before the quote is PENDING in the db so reconciliation
	// never sees it pending without the payment marked in flight
	if _, loaded := m.inflightMelts.LoadOrStore(quoteId, struct{}{}); loaded {
		return storage.MeltQuote{}, cashu.QuotePending
	}
	defer m.inflightMelts.Delete(quoteId)

	if err := m.db.BeginMelt(quoteId, dbProofs, outputs); err != nil {
		if errors.Is(err, storage.ErrQuoteStateMismatch) {
			// another request started this melt first
			return storage.MeltQuote{}, cashu.QuotePending
		}
		return storage.MeltQuote{}, m.spendError(err)
	}
	meltQuote.State = nut05.Pending
	meltQuote.ChangeOutputs = outputs
	m.publishProofsState(dbProofs, nut07.Pending)
	m.publishMeltQuote(meltQuote)

	// only pay while the quote is still ours to settle
	current, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		m.logErrorf("could not read melt quote '%v' before paying: %v. Leaving it pending", quoteId, err)
		return meltQuote, nil
	}
	if current.State != nut05.Pending {
		m.logErrorf("melt quote '%v' was settled as %v before the payment was sent", quoteId, current.State)
		if current.State == nut05.Failed && len(current.Change) == 0 {
			return storage.MeltQuote{}, cashu.PaymentFailedErr
		}
		return current, nil
	}

	// the payment must not be interrupted by the client going away
	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.meltTimeout)
	defer cancel()

	m.logInfof("attempting payment of %v sats for melt quote '%v'", meltQuote.Amount, quoteId)
	start := time.Now()
	status, err := m.lightningClient.SendPayment(payCtx, meltQuote.InvoiceRequest, meltQuote.FeeReserve)
	m.metrics.observeBackendCall("send_payment", start)
	if err != nil {
		if status.PaymentStatus == lightning.Failed {
			m.logInfof("payment for melt quote '%v' failed: %v", quoteId, err)
		} else {
			m.logErrorf("outcome of payment for melt quote '%v' is unknown: %v. Leaving it pending", quoteId, err)
			status.PaymentStatus = lightning.Pending
		}
	}

	if status.PaymentStatus == lightning.Pending {
		m.metrics.meltOutcomes.WithLabelValues(nut05.Pending.String()).Inc()
		return meltQuote, nil
	}

	settled, err := m.settleMelt(meltQuote, status)
	if err != nil {
		// proofs stay pending and reconciliation will settle it
		return meltQuote, nil
	}

	if settled.State == nut05.Failed && len(settled.Change) == 0 {
		return storage.MeltQuote{}, cashu.PaymentFailedErr
	}
	return settled, nil
}

// verifyChangeOutputs checks the blank outputs for change. Their amounts
// are set by the mint when signing. If any are provided there must be
// enough of them to hold the largest possible change.
func (m *Mint) verifyChangeOutputs(outputs cashu.BlindedMessages, maxChange uint64) error {
	if len(outputs) == 0 {
		return nil
	}
	if cashu.CheckDuplicateBlindedMessages(outputs) {
		return cashu.DuplicateOutputs
	}
	if len(outputs) < bits.Len64(maxChange) {
		return cashu.NotEnoughChangeOutputsErr
	}

	B_s := make([]string, len(outputs))
	for i, output := range outputs {
		keyset, ok := m.keysets.Keyset(output.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return cashu.InactiveKeysetSignatureRequest
		}
		if _, err := parseBlindedMessage(output.B_); err != nil {
			return cashu.InvalidBlindedMessage
		}
		B_s[i] = output.B_
	}

	return m.checkNotSigned(B_s)
}

// signChange assigns the amounts of the change to the blank outputs and signs
// them. Outputs whose B_ was signed since the melt started are skipped.
func (m *Mint) signChange(outputs cashu.BlindedMessages, change uint64) ([]string, cashu.BlindedSignatures, error) {
	available := make(cashu.BlindedMessages, 0, len(outputs))
	for _, output := range outputs {
		_, err := m.db.GetBlindSignature(output.B_)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrSignatureNotFound) {
			return nil, nil, err
		}
		available = append(available, output)
	}

	amounts := cashu.AmountSplit(change)
	if len(amounts) > len(available) {
		m.logErrorf("not enough blank outputs to return %v sats of change", change)
		amounts = amounts[:len(available)]
	}

	B_s := make([]string, len(amounts))
	signatures := make(cashu.BlindedSignatures, len(amounts))
	for i, amount := range amounts {
		output := available[i]
		output.Amount = amount

		// the keyset may have been rotated while the payment was pending
		keypair, err := m.keysets.GetKeypair(output.Id, amount)
		if err != nil {
			return nil, nil, err
		}
		signature, err := signBlindedMessage(output, keypair.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		B_s[i] = output.B_
		signatures[i] = signature
	}
	return B_s, signatures, nil
}

// settleMelt moves a pending melt quote to its final state once the backend
// has given a definite outcome for the payment.
func (m *Mint) settleMelt(meltQuote storage.MeltQuote, status lightning.PaymentStatus) (storage.MeltQuote, error) {
	pendingProofs, err := m.db.GetPendingProofsByQuote(meltQuote.Id)
	if err != nil {
		m.logErrorf("could not read pending proofs for melt quote '%v': %v", meltQuote.Id, err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	var inputsAmount uint64
	for _, proof := range pendingProofs {
		inputsAmount += proof.Amount
	}

	settlement := storage.MeltSettlement{QuoteId: meltQuote.Id}
	var changeAmount uint64
	switch status.PaymentStatus {
	case lightning.Succeeded:
		settlement.State = nut05.Paid
		settlement.Preimage = status.Preimage
		settlement.FeePaid = status.PaymentFee
		settlement.BurnProofs = true

		spent, _ := overflowAddUint64(meltQuote.Amount, status.PaymentFee)
		change, underflow := underflowSubUint64(inputsAmount, spent)
		if underflow {
			m.logErrorf("fee paid for melt quote '%v' is above the provided inputs", meltQuote.Id)
		}
		changeAmount = change

	case lightning.Failed:
		settlement.State = nut05.Failed
		// refund the inputs as change if the outputs can hold it.
		// Otherwise the proofs are released
		if len(meltQuote.ChangeOutputs) > 0 && len(meltQuote.ChangeOutputs) >= len(cashu.AmountSplit(inputsAmount)) {
			settlement.BurnProofs = true
			changeAmount = inputsAmount
		}

	default:
		return meltQuote, nil
	}

	if changeAmount > 0 && len(meltQuote.ChangeOutputs) > 0 {
		B_s, signatures, err := m.signChange(meltQuote.ChangeOutputs, changeAmount)
		if err != nil {
			m.logErrorf("could not sign change for melt quote '%v': %v", meltQuote.Id, err)
			return storage.MeltQuote{}, cashu.StandardErr
		}
		settlement.B_s = B_s
		settlement.Change = signatures

		if settlement.State == nut05.Failed && signatures.Amount() != inputsAmount {
			// partial refund. Give the proofs back instead
			settlement.BurnProofs = false
			settlement.B_s = nil
			settlement.Change = nil
		}
	}

	err = m.db.SettleMelt(settlement)
	if errors.Is(err, storage.ErrBlindedMessageSigned) {
		// a blank output got signed by another request in the meantime
		m.logErrorf("change outputs for melt quote '%v' were signed elsewhere. Settling without change", meltQuote.Id)
		if settlement.State == nut05.Failed {
			settlement.BurnProofs = false
		}
		settlement.B_s = nil
		settlement.Change = nil
		err = m.db.SettleMelt(settlement)
	}
	if err != nil {
		if errors.Is(err, storage.ErrQuoteStateMismatch) {
			// settled by someone else
			return m.getMeltQuote(meltQuote.Id)
		}
		m.logErrorf("could not settle melt quote '%v': %v", meltQuote.Id, err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	meltQuote.State = settlement.State
	meltQuote.Preimage = settlement.Preimage
	meltQuote.FeePaid = settlement.FeePaid
	meltQuote.Change = settlement.Change

	m.metrics.meltOutcomes.WithLabelValues(settlement.State.String()).Inc()
	if settlement.BurnProofs {
		m.metrics.redeemed.Add(float64(inputsAmount))
		m.metrics.issued.Add(float64(settlement.Change.Amount()))
		m.publishProofsState(pendingProofs, nut07.Spent)
	} else {
		m.publishProofsState(pendingProofs, nut07.Unspent)
	}
	m.publishMeltQuote(meltQuote)

	m.logInfof("melt quote '%v' settled as %v. Fee paid: %v. Change returned: %v",
		meltQuote.Id, meltQuote.State, meltQuote.FeePaid, settlement.Change.Amount())

	return meltQuote, nil
}

// reconcileMeltQuote settles a pending quote if the backend knows the final
// outcome of the payment. If it doesn't, the quote is returned unchanged.
func (m *Mint) reconcileMeltQuote(ctx context.Context, meltQuote storage.MeltQuote) storage.MeltQuote {
	// the payment call is still running in this process
	if _, ok := m.inflightMelts.Load(meltQuote.Id); ok {
		return meltQuote
	}

	status, err := m.outgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if err != nil {
		if !errors.Is(err, lightning.OutgoingPaymentNotFound) {
			m.logErrorf("could not get status of payment for melt quote '%v': %v", meltQuote.Id, err)
			return meltQuote
		}
		// the node never saw the payment so it can't complete anymore
		status = lightning.PaymentStatus{PaymentStatus: lightning.Failed}
	}
	if status.PaymentStatus == lightning.Pending {
		return meltQuote
	}

	settled, err := m.settleMelt(meltQuote, status)
	if err != nil {
		return meltQuote
	}
	return settled
}

// ReconcilePendingMeltQuotes checks the payment of every pending melt quote
// and settles the ones that have a final outcome. It returns how many
// were settled.
func (m *Mint) ReconcilePendingMeltQuotes(ctx context.Context) (int, error) {
	pendingQuotes, err := m.db.GetMeltQuotesByState(nut05.Pending)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, quote := range pendingQuotes {
		if ctx.Err() != nil {
			break
		}
		if m.reconcileMeltQuote(ctx, quote).State != nut05.Pending {
			settled++
		}
	}
	return settled, nil
}

func (m *Mint) PendingMeltQuotes() ([]storage.MeltQuote, error) {
	return m.db.GetMeltQuotesByState(nut05.Pending)
}

func meltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		Paid:       quote.State == nut05.Paid,
		State:      quote.State,
		Expiry:     quote.Expiry,
		Preimage:   quote.Preimage,
		Change:     quote.Change,
	}
}

func (m *Mint) publishMeltQuote(quote storage.MeltQuote) {
	payload, err := json.Marshal(meltQuoteResponse(quote))
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MELT_QUOTE_TOPIC, payload)
}
