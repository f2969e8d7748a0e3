package mint

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/mint/lightning"
)

// stalledBackend hangs on invoice calls while stalled is set
// until the context of the call is done.
type stalledBackend struct {
	*lightning.FakeBackend
	stalled atomic.Bool
}

func (b *stalledBackend) CreateInvoice(ctx context.Context, amount uint64) (lightning.Invoice, error) {
	if b.stalled.Load() {
		<-ctx.Done()
		return lightning.Invoice{}, ctx.Err()
	}
	return b.FakeBackend.CreateInvoice(ctx, amount)
}

func (b *stalledBackend) InvoiceStatus(ctx context.Context, hash string) (lightning.Invoice, error) {
	if b.stalled.Load() {
		<-ctx.Done()
		return lightning.Invoice{}, ctx.Err()
	}
	return b.FakeBackend.InvoiceStatus(ctx, hash)
}

func TestStalledBackendCalls(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.AutoSettle = false
	backend := &stalledBackend{FakeBackend: fakeBackend}

	mint, err := LoadMint(Config{
		MintPath:          t.TempDir(),
		LightningClient:   backend,
		LogLevel:          Disable,
		BackendTimeout:    50 * time.Millisecond,
		ReconcileInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	t.Cleanup(func() { mint.Shutdown() })

	mintQuote, err := mint.RequestMintQuote(BOLT11_METHOD, 100, SAT_UNIT)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	backend.stalled.Store(true)

	start := time.Now()
	_, err = mint.RequestMintQuote(BOLT11_METHOD, 100, SAT_UNIT)
	if !errors.Is(err, cashu.BackendUnavailableErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.BackendUnavailableErr, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request for mint quote took %v with a stalled backend", elapsed)
	}

	// the status can't be known so the quote is returned as it was
	start = time.Now()
	quote, err := mint.GetMintQuoteState(BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting mint quote state: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected mint quote state '%v' but got '%v'", nut04.Unpaid, quote.State)
	}
	// every retry is bounded so the whole check is too
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("mint quote state took %v with a stalled backend", elapsed)
	}
}
