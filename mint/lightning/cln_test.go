package lightning

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func setupCLNServer(t *testing.T, handler http.HandlerFunc) *CLNClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := SetupCLNClient(CLNConfig{RestURL: server.URL, Rune: "rune"})
	if err != nil {
		t.Fatalf("error setting up CLN client: %v", err)
	}
	return client
}

func TestCLNSendPayment(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		body           string
		expectedStatus State
		expectedFee    uint64
		expectErr      bool
	}{
		{
			name:           "complete",
			statusCode:     http.StatusCreated,
			body:           `{"status":"complete","payment_preimage":"aa","amount_msat":100000,"amount_sent_msat":101500}`,
			expectedStatus: Succeeded,
			expectedFee:    2,
		},
		{
			name:           "no route",
			statusCode:     http.StatusInternalServerError,
			body:           `{"code":205,"message":"Could not find a route"}`,
			expectedStatus: Failed,
			expectErr:      true,
		},
		{
			name:           "route too expensive",
			statusCode:     http.StatusInternalServerError,
			body:           `{"code":206,"message":"Route wanted fee of 10000msat"}`,
			expectedStatus: Failed,
			expectErr:      true,
		},
		{
			name:           "payment in progress",
			statusCode:     http.StatusInternalServerError,
			body:           `{"code":200,"message":"A previous payment attempt is still in progress"}`,
			expectedStatus: Pending,
			expectErr:      true,
		},
		{
			name:           "generic node error",
			statusCode:     http.StatusInternalServerError,
			body:           `{"code":-1,"message":"internal error"}`,
			expectedStatus: Pending,
			expectErr:      true,
		},
		{
			name:           "gateway error",
			statusCode:     http.StatusBadGateway,
			body:           `bad gateway`,
			expectedStatus: Pending,
			expectErr:      true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := setupCLNServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/pay" {
					t.Errorf("unexpected path '%v'", r.URL.Path)
				}
				if r.Header.Get("Rune") != "rune" {
					t.Errorf("expected rune header in request")
				}
				w.WriteHeader(test.statusCode)
				w.Write([]byte(test.body))
			})

			status, err := client.SendPayment(context.Background(), "lnbc1", 5)
			if test.expectErr != (err != nil) {
				t.Fatalf("expected error: %v but got '%v'", test.expectErr, err)
			}
			if status.PaymentStatus != test.expectedStatus {
				t.Fatalf("expected payment status '%v' but got '%v'", test.expectedStatus, status.PaymentStatus)
			}
			if status.PaymentFee != test.expectedFee {
				t.Fatalf("expected fee of %v but got %v", test.expectedFee, status.PaymentFee)
			}
		})
	}
}

func TestCLNOutgoingPaymentStatus(t *testing.T) {
	pays := `{"pays":[]}`
	client := setupCLNServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pays))
	})

	_, err := client.OutgoingPaymentStatus(context.Background(), "hash")
	if !errors.Is(err, OutgoingPaymentNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", OutgoingPaymentNotFound, err)
	}

	pays = `{"pays":[{"status":"complete","preimage":"bb","amount_msat":5000,"amount_sent_msat":6000}]}`
	status, err := client.OutgoingPaymentStatus(context.Background(), "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.PaymentStatus != Succeeded || status.Preimage != "bb" || status.PaymentFee != 1 {
		t.Fatalf("unexpected payment status: %+v", status)
	}

	pays = `{"pays":[{"status":"pending"}]}`
	status, err = client.OutgoingPaymentStatus(context.Background(), "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.PaymentStatus != Pending {
		t.Fatalf("expected payment status '%v' but got '%v'", Pending, status.PaymentStatus)
	}
}

func TestCLNInvoiceStatus(t *testing.T) {
	client := setupCLNServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"invoices":[{"label":"1","bolt11":"lnbc1","payment_hash":"hash",` +
			`"payment_preimage":"cc","amount_msat":21000,"status":"paid","expires_at":1700000000}]}`))
	})

	invoice, err := client.InvoiceStatus(context.Background(), "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !invoice.Settled || invoice.Amount != 21 || invoice.Preimage != "cc" {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}
}

func TestCLNCallDeadline(t *testing.T) {
	unblock := make(chan struct{})
	client := setupCLNServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-unblock
	})
	defer close(unblock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.CreateInvoice(ctx, 100)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error '%v' but got '%v'", context.DeadlineExceeded, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call to CLN took %v after the deadline", elapsed)
	}
}
