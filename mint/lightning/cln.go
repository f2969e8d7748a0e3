package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// Error codes of the CLN pay command after which the payment
// can no longer complete.
const (
	clnPayDestinationFailed = 203
	clnPayRouteNotFound     = 205
	clnPayRouteTooExpensive = 206
	clnPayInvoiceExpired    = 207
	clnPayStoppedRetrying   = 210
)

type CLNConfig struct {
	RestURL string
	Rune    string
	Fees    FeeConfig
}

type CLNClient struct {
	config CLNConfig
	client *http.Client
}

// CLNError is an error returned by the node for a call.
type CLNError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *CLNError) Error() string {
	return fmt.Sprintf("CLN error %d: %s", e.Code, e.Message)
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	return &CLNClient{config: config, client: &http.Client{}}, nil
}

// call posts body to a CLN REST method and decodes the result into response.
// An error from the node is returned as *CLNError. Any other error
// means it is unknown whether the node executed the call.
func (cln *CLNClient) call(ctx context.Context, method string, body, response any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cln.config.RestURL+"/v1/"+method, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var clnErr CLNError
		if err := json.Unmarshal(bodyBytes, &clnErr); err != nil || (clnErr.Code == 0 && clnErr.Message == "") {
			return fmt.Errorf("unexpected response from CLN for '%v' (status %v): %s", method, resp.StatusCode, bodyBytes)
		}
		return &clnErr
	}

	if response == nil {
		return nil
	}
	return json.Unmarshal(bodyBytes, response)
}

func (cln *CLNClient) ConnectionStatus(ctx context.Context) error {
	return cln.call(ctx, "getinfo", nil, nil)
}

func (cln *CLNClient) CreateInvoice(ctx context.Context, amount uint64) (Invoice, error) {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixMicro()), uint64(time.Now().UnixMilli())))

	body := map[string]any{
		"amount_msat": amount * 1000,
		"label":       time.Now().Unix() + int64(r.Int()),
		"description": "Cashu Lightning Invoice",
		"expiry":      InvoiceExpiryTime,
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := cln.call(ctx, "invoice", body, &response); err != nil {
		return Invoice{}, err
	}

	expiry := uint64(response.ExpiresAt)
	if expiry == 0 {
		expiry = uint64(time.Now().Unix()) + InvoiceExpiryTime
	}
	return Invoice{
		PaymentRequest: response.Bolt11,
		PaymentHash:    response.PaymentHash,
		Amount:         amount,
		Expiry:         expiry,
	}, nil
}

type clnInvoice struct {
	Label       string `json:"label"`
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"payment_preimage"`
	AmountMsat  uint64 `json:"amount_msat"`
	Status      string `json:"status"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (inv clnInvoice) invoice() Invoice {
	invoice := Invoice{
		PaymentRequest: inv.Bolt11,
		PaymentHash:    inv.PaymentHash,
		Settled:        inv.Status == "paid",
		Amount:         inv.AmountMsat / 1000,
		Expiry:         uint64(inv.ExpiresAt),
	}
	if invoice.Settled {
		invoice.Preimage = inv.Preimage
	}
	return invoice
}

func (cln *CLNClient) lookupInvoice(ctx context.Context, hash string) (clnInvoice, error) {
	var response struct {
		Invoices []clnInvoice `json:"invoices"`
	}
	if err := cln.call(ctx, "listinvoices", map[string]string{"payment_hash": hash}, &response); err != nil {
		return clnInvoice{}, err
	}
	if len(response.Invoices) == 0 {
		return clnInvoice{}, fmt.Errorf("invoice '%v' not found", hash)
	}
	return response.Invoices[0], nil
}

func (cln *CLNClient) InvoiceStatus(ctx context.Context, hash string) (Invoice, error) {
	invoice, err := cln.lookupInvoice(ctx, hash)
	if err != nil {
		return Invoice{}, err
	}
	return invoice.invoice(), nil
}

// SendPayment only reports Failed for pay errors after which the payment
// can't complete. Anything else is left Pending for reconciliation.
func (cln *CLNClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountMsat     uint64 `json:"amount_msat"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := cln.call(ctx, "pay", body, &response); err != nil {
		var clnErr *CLNError
		if errors.As(err, &clnErr) && terminalPayError(clnErr.Code) {
			return PaymentStatus{PaymentStatus: Failed}, err
		}
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	switch response.Status {
	case "complete":
		return PaymentStatus{
			PaymentStatus: Succeeded,
			Preimage:      response.Preimage,
			PaymentFee:    routingFee(response.AmountMsat, response.AmountSentMsat),
		}, nil
	case "failed":
		return PaymentStatus{PaymentStatus: Failed}, nil
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func terminalPayError(code int) bool {
	switch code {
	case clnPayDestinationFailed, clnPayRouteNotFound, clnPayRouteTooExpensive,
		clnPayInvoiceExpired, clnPayStoppedRetrying:
		return true
	}
	return false
}

func routingFee(amountMsat, amountSentMsat uint64) uint64 {
	if amountSentMsat <= amountMsat {
		return 0
	}
	return msatToSatCeil(int64(amountSentMsat - amountMsat))
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	var response struct {
		Pays []struct {
			Status         string `json:"status"`
			Preimage       string `json:"preimage,omitempty"`
			AmountMsat     uint64 `json:"amount_msat"`
			AmountSentMsat uint64 `json:"amount_sent_msat"`
		} `json:"pays"`
	}
	if err := cln.call(ctx, "listpays", map[string]string{"payment_hash": paymentHash}, &response); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if len(response.Pays) == 0 {
		return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
	}

	payment := response.Pays[0]
	switch payment.Status {
	case "complete":
		return PaymentStatus{
			PaymentStatus: Succeeded,
			Preimage:      payment.Preimage,
			PaymentFee:    routingFee(payment.AmountMsat, payment.AmountSentMsat),
		}, nil
	case "failed":
		return PaymentStatus{PaymentStatus: Failed}, nil
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return cln.config.Fees.FeeReserve(amount)
}

func (cln *CLNClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	invoice, err := cln.lookupInvoice(ctx, paymentHash)
	if err != nil {
		return nil, err
	}
	return &CLNInvoiceSub{client: cln, ctx: ctx, label: invoice.Label}, nil
}

type CLNInvoiceSub struct {
	client *CLNClient
	ctx    context.Context
	label  string
}

// Recv blocks until the invoice is either paid or expired.
func (sub *CLNInvoiceSub) Recv() (Invoice, error) {
	var response clnInvoice
	if err := sub.client.call(sub.ctx, "waitinvoice", map[string]string{"label": sub.label}, &response); err != nil {
		return Invoice{}, err
	}
	return response.invoice(), nil
}
