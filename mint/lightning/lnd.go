package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

type LndConfig struct {
	GRPCHost string
	Cert     credentials.TransportCredentials
	Macaroon macaroons.MacaroonCredential
	Fees     FeeConfig
}

// NewLndConfig loads the tls cert and macaroon needed
// to talk to the node over gRPC.
func NewLndConfig(host, certPath, macaroonPath string, fees FeeConfig) (LndConfig, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading lnd tls cert: %v", err)
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading macaroon: %v", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return LndConfig{}, fmt.Errorf("unable to decode macaroon: %v", err)
	}
	macarooncreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	return LndConfig{
		GRPCHost: host,
		Cert:     creds,
		Macaroon: macarooncreds,
		Fees:     fees,
	}, nil
}

type LndClient struct {
	grpcClient     lnrpc.LightningClient
	routerClient   routerrpc.RouterClient
	invoicesClient invoicesrpc.InvoicesClient
	fees           FeeConfig
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	grpcConn, err := grpc.NewClient(
		config.GRPCHost,
		grpc.WithTransportCredentials(config.Cert),
		grpc.WithPerRPCCredentials(config.Macaroon),
	)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	return &LndClient{
		grpcClient:     lnrpc.NewLightningClient(grpcConn),
		routerClient:   routerrpc.NewRouterClient(grpcConn),
		invoicesClient: invoicesrpc.NewInvoicesClient(grpcConn),
		fees:           config.Fees,
	}, nil
}

func (lnd *LndClient) ConnectionStatus(ctx context.Context) error {
	_, err := lnd.grpcClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	return err
}

func (lnd *LndClient) CreateInvoice(ctx context.Context, amount uint64) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Expiry: InvoiceExpiryTime,
		Memo:   "Cashu Lightning Invoice",
	}

	addInvoiceResponse, err := lnd.grpcClient.AddInvoice(ctx, &invoiceRequest)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not generate invoice: %v", err)
	}
	hash := hex.EncodeToString(addInvoiceResponse.RHash)

	return Invoice{
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Unix()) + InvoiceExpiryTime,
	}, nil
}

func (lnd *LndClient) InvoiceStatus(ctx context.Context, hash string) (Invoice, error) {
	paymentHash, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid hash provided: %v", err)
	}

	lookupInvoiceResponse, err := lnd.grpcClient.LookupInvoice(
		ctx,
		&lnrpc.PaymentHash{RHash: paymentHash},
	)
	if err != nil {
		return Invoice{}, err
	}

	invoiceSettled := lookupInvoiceResponse.State == lnrpc.Invoice_SETTLED
	invoice := Invoice{
		PaymentRequest: lookupInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Settled:        invoiceSettled,
		Amount:         uint64(lookupInvoiceResponse.Value),
		Expiry:         uint64(lookupInvoiceResponse.CreationDate + lookupInvoiceResponse.Expiry),
	}
	if invoiceSettled {
		invoice.Preimage = hex.EncodeToString(lookupInvoiceResponse.RPreimage)
	}

	return invoice, nil
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	feeLimit := lnrpc.FeeLimit{
		Limit: &lnrpc.FeeLimit_Fixed{
			Fixed: int64(maxFee),
		},
	}
	sendPaymentRequest := lnrpc.SendRequest{
		PaymentRequest: request,
		FeeLimit:       &feeLimit,
	}

	sendPaymentResponse, err := lnd.grpcClient.SendPaymentSync(ctx, &sendPaymentRequest)
	if err != nil {
		// the call might have reached the node before the deadline or the
		// connection dropped, so the payment could still be in flight.
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	if len(sendPaymentResponse.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed}, errors.New(sendPaymentResponse.PaymentError)
	}

	var fee uint64
	if sendPaymentResponse.PaymentRoute != nil {
		fee = msatToSatCeil(sendPaymentResponse.PaymentRoute.TotalFeesMsat)
	}

	return PaymentStatus{
		Preimage:      hex.EncodeToString(sendPaymentResponse.PaymentPreimage),
		PaymentStatus: Succeeded,
		PaymentFee:    fee,
	}, nil
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("invalid hash provided: %v", err)
	}

	trackPaymentRequest := routerrpc.TrackPaymentRequest{
		PaymentHash: hashBytes,
		// setting this to only get the final payment update
		NoInflightUpdates: true,
	}

	trackPaymentStream, err := lnd.routerClient.TrackPaymentV2(ctx, &trackPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	payment, err := trackPaymentStream.Recv()
	if err != nil {
		// this means payment hasn't been initiated
		if strings.Contains(err.Error(), "payment isn't initiated") {
			return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
		}
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		return PaymentStatus{
			Preimage:      payment.PaymentPreimage,
			PaymentStatus: Succeeded,
			PaymentFee:    msatToSatCeil(payment.FeeMsat),
		}, nil
	case lnrpc.Payment_FAILED:
		return PaymentStatus{PaymentStatus: Failed}, nil
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return lnd.fees.FeeReserve(amount)
}

func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, err
	}

	invoiceSub, err := lnd.invoicesClient.SubscribeSingleInvoice(
		ctx,
		&invoicesrpc.SubscribeSingleInvoiceRequest{RHash: hash},
	)
	if err != nil {
		return nil, err
	}

	return &LndInvoiceSub{paymentHash: paymentHash, sub: invoiceSub}, nil
}

type LndInvoiceSub struct {
	paymentHash string
	sub         invoicesrpc.Invoices_SubscribeSingleInvoiceClient
}

func (lndSub *LndInvoiceSub) Recv() (Invoice, error) {
	invoiceRes, err := lndSub.sub.Recv()
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: invoiceRes.PaymentRequest,
		PaymentHash:    lndSub.paymentHash,
		Amount:         uint64(invoiceRes.Value),
	}
	if invoiceRes.State == lnrpc.Invoice_SETTLED {
		invoice.Settled = true
		invoice.Preimage = hex.EncodeToString(invoiceRes.RPreimage)
	}

	return invoice, nil
}

func msatToSatCeil(msat int64) uint64 {
	if msat <= 0 {
		return 0
	}
	return uint64((msat + 999) / 1000)
}
