package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/cashu/nuts/nut07"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint/lightning"
	"github.com/lnmint/lnmint/mint/storage"
)

// hookDB calls beforeBeginMelt and afterBeginMelt around the commit
// of a melt as pending.
type hookDB struct {
	storage.MintDB
	beforeBeginMelt func(quoteId string)
	afterBeginMelt  func(quoteId string)
}

func (db *hookDB) BeginMelt(quoteId string, proofs []storage.DBProof, changeOutputs cashu.BlindedMessages) error {
	if db.beforeBeginMelt != nil {
		db.beforeBeginMelt(quoteId)
	}
	if err := db.MintDB.BeginMelt(quoteId, proofs, changeOutputs); err != nil {
		return err
	}
	if db.afterBeginMelt != nil {
		db.afterBeginMelt(quoteId)
	}
	return nil
}

func mintProofs(t *testing.T, m *Mint, amount uint64) cashu.Proofs {
	t.Helper()

	mintQuote, err := m.RequestMintQuote(BOLT11_METHOD, amount, SAT_UNIT)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	amounts := cashu.AmountSplit(amount)
	outputs := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	for i, amt := range amounts {
		var secret [32]byte
		if _, err := rand.Read(secret[:]); err != nil {
			t.Fatal(err)
		}
		secrets[i] = hex.EncodeToString(secret[:])

		B_, r, err := crypto.BlindMessage(secrets[i], nil)
		if err != nil {
			t.Fatalf("error blinding message: %v", err)
		}
		rs[i] = r
		outputs[i] = cashu.NewBlindedMessage(keyset.Id, amt, B_)
	}

	signatures, err := m.MintTokens(BOLT11_METHOD, mintQuote.Id, outputs)
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			t.Fatal(err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatal(err)
		}
		C := crypto.UnblindSignature(C_, rs[i], keyset.Keys[signature.Amount].PublicKey)
		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func secretYs(t *testing.T, proofs cashu.Proofs) []string {
	t.Helper()

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			t.Fatal(err)
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys
}

func TestMeltNotReconciledWhilePaying(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	m := mintServer.mint
	ctx := context.Background()

	db := &hookDB{MintDB: m.db}
	m.db = db

	proofs := mintProofs(t, m, 64)
	invoice, _, _, err := lightning.CreateFakeInvoice(64)
	if err != nil {
		t.Fatal(err)
	}
	meltQuote, err := m.RequestMeltQuote(BOLT11_METHOD, invoice, SAT_UNIT)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}

	// the quote is PENDING but SendPayment has not been called yet.
	// The backend does not know the payment so a status check must not
	// settle it as failed
	var stateWhilePaying nut05.State
	var reconciled int
	db.afterBeginMelt = func(quoteId string) {
		quote, err := m.GetMeltQuoteState(ctx, BOLT11_METHOD, quoteId)
		if err != nil {
			t.Errorf("unexpected error getting melt quote state: %v", err)
		}
		stateWhilePaying = quote.State

		reconciled, err = m.ReconcilePendingMeltQuotes(ctx)
		if err != nil {
			t.Errorf("unexpected error reconciling melt quotes: %v", err)
		}
	}

	melt, err := m.MeltTokens(ctx, BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("got unexpected error in melt: %v", err)
	}
	if stateWhilePaying != nut05.Pending {
		t.Fatalf("expected melt quote state '%v' while paying but got '%v'", nut05.Pending, stateWhilePaying)
	}
	if reconciled != 0 {
		t.Fatalf("expected no melt quotes reconciled while paying but got %v", reconciled)
	}
	if melt.State != nut05.Paid {
		t.Fatalf("expected melt quote state '%v' but got '%v'", nut05.Paid, melt.State)
	}

	states, err := m.ProofsStateCheck(secretYs(t, proofs))
	if err != nil {
		t.Fatalf("unexpected error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Spent {
			t.Fatalf("expected proof state '%v' but got '%v'", nut07.Spent, state.State)
		}
	}
}

func TestConcurrentMeltSameQuote(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	m := mintServer.mint
	ctx := context.Background()

	db := &hookDB{MintDB: m.db}
	m.db = db

	proofs := mintProofs(t, m, 64)
	otherProofs := mintProofs(t, m, 64)
	invoice, _, _, err := lightning.CreateFakeInvoice(64)
	if err != nil {
		t.Fatal(err)
	}
	meltQuote, err := m.RequestMeltQuote(BOLT11_METHOD, invoice, SAT_UNIT)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}

	// a second melt for the same quote while the first one has claimed
	// it but not yet marked it pending
	var secondErr error
	db.beforeBeginMelt = func(quoteId string) {
		db.beforeBeginMelt = nil
		_, secondErr = m.MeltTokens(ctx, BOLT11_METHOD, quoteId, otherProofs, nil)
	}

	melt, err := m.MeltTokens(ctx, BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("got unexpected error in melt: %v", err)
	}
	if melt.State != nut05.Paid {
		t.Fatalf("expected melt quote state '%v' but got '%v'", nut05.Paid, melt.State)
	}
	if !errors.Is(secondErr, cashu.QuotePending) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.QuotePending, secondErr)
	}

	// the proofs of the rejected melt were never touched
	states, err := m.ProofsStateCheck(secretYs(t, otherProofs))
	if err != nil {
		t.Fatalf("unexpected error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v'", nut07.Unspent, state.State)
		}
	}
}
