// Package storagetest holds the behaviour every storage.MintDB
// implementation must provide. Implementations run it from their own tests.
package storagetest

import (
	"encoding/hex"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint/storage"
	"github.com/stretchr/testify/require"
)

type NewDBFunc func(t *testing.T) storage.MintDB

func RunMintDBTests(t *testing.T, newDB NewDBFunc) {
	tests := []struct {
		name string
		test func(t *testing.T, db storage.MintDB)
	}{
		{"Seed", testSeed},
		{"Keysets", testKeysets},
		{"SpendProofs", testSpendProofs},
		{"SpendProofsAtomic", testSpendProofsAtomic},
		{"ConcurrentSpend", testConcurrentSpend},
		{"BlindSignatures", testBlindSignatures},
		{"MintQuotes", testMintQuotes},
		{"ConcurrentIssue", testConcurrentIssue},
		{"MeltSettlePaid", testMeltSettlePaid},
		{"MeltSettleReleased", testMeltSettleReleased},
		{"Accounting", testAccounting},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			db := newDB(t)
			t.Cleanup(func() { db.Close() })
			test.test(t, db)
		})
	}
}

func testSeed(t *testing.T, db storage.MintDB) {
	_, err := db.GetSeed()
	require.ErrorIs(t, err, storage.ErrSeedNotFound)

	seed := []byte("this is a seed for the mint keys")
	require.NoError(t, db.SaveSeed(seed))

	dbSeed, err := db.GetSeed()
	require.NoError(t, err)
	require.Equal(t, seed, dbSeed)
}

func testKeysets(t *testing.T, db storage.MintDB) {
	keysets := []storage.DBKeyset{
		{Id: "00aaaaaaaaaaaaaa", Unit: "sat", Active: false, Seed: "seed", DerivationPathIdx: 0},
		{Id: "00bbbbbbbbbbbbbb", Unit: "sat", Active: true, Seed: "seed", DerivationPathIdx: 1},
	}
	for _, keyset := range keysets {
		require.NoError(t, db.SaveKeyset(keyset))
	}

	dbKeysets, err := db.GetKeysets()
	require.NoError(t, err)
	require.ElementsMatch(t, keysets, dbKeysets)

	require.NoError(t, db.UpdateKeysetActive("00bbbbbbbbbbbbbb", false))
	dbKeysets, err = db.GetKeysets()
	require.NoError(t, err)
	for _, keyset := range dbKeysets {
		require.False(t, keyset.Active)
	}

	require.Error(t, db.UpdateKeysetActive("00cccccccccccccc", true))
}

func testSpendProofs(t *testing.T, db storage.MintDB) {
	proofs := GenerateRandomProofs(50)

	require.NoError(t, db.SpendProofs(proofs, nil, nil))

	Ys := make([]string, 20)
	for i := 0; i < 20; i++ {
		Ys[i] = proofs[i].Y
	}

	dbProofs, err := db.GetProofsUsed(Ys)
	require.NoError(t, err)
	require.Len(t, dbProofs, 20)

	expected := slices.Clone(proofs[:20])
	sortDBProofs(expected)
	sortDBProofs(dbProofs)
	require.Equal(t, expected, dbProofs)

	// second spend of the same proof fails
	err = db.SpendProofs(proofs[10:11], nil, nil)
	require.ErrorIs(t, err, storage.ErrProofSpent)

	unknown, err := db.GetProofsUsed([]string{GenerateRandomProofs(1)[0].Y})
	require.NoError(t, err)
	require.Empty(t, unknown)
}

func testSpendProofsAtomic(t *testing.T, db storage.MintDB) {
	spent := GenerateRandomProofs(1)
	require.NoError(t, db.SpendProofs(spent, nil, nil))

	// a batch with one already spent proof must not mark any other proof
	fresh := GenerateRandomProofs(5)
	batch := append(slices.Clone(fresh), spent[0])
	B_s, sigs := GenerateBlindSignatures(3)

	err := db.SpendProofs(batch, B_s, sigs)
	require.ErrorIs(t, err, storage.ErrProofSpent)

	Ys := make([]string, len(fresh))
	for i, proof := range fresh {
		Ys[i] = proof.Y
	}
	used, err := db.GetProofsUsed(Ys)
	require.NoError(t, err)
	require.Empty(t, used, "proofs from a failed batch were marked spent")

	signed, err := db.GetBlindSignatures(B_s)
	require.NoError(t, err)
	require.Empty(t, signed, "signatures from a failed batch were recorded")
}

func testConcurrentSpend(t *testing.T, db storage.MintDB) {
	proof := GenerateRandomProofs(1)

	const attempts = 20
	var successes atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			B_s, sigs := GenerateBlindSignatures(2)
			err := db.SpendProofs(proof, B_s, sigs)
			if err == nil {
				successes.Add(1)
			} else {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	require.Equal(t, int32(1), successes.Load(), "expected exactly one successful spend")
	for err := range errs {
		require.ErrorIs(t, err, storage.ErrProofSpent)
	}
}

func testBlindSignatures(t *testing.T, db storage.MintDB) {
	B_s, sigs := GenerateBlindSignatures(50)
	require.NoError(t, db.SpendProofs(nil, B_s, sigs))

	sig, err := db.GetBlindSignature(B_s[21])
	require.NoError(t, err)
	require.Equal(t, sigs[21], sig)

	dbSigs, err := db.GetBlindSignatures(B_s[:20])
	require.NoError(t, err)
	require.Len(t, dbSigs, 20)

	_, err = db.GetBlindSignature("notsigned")
	require.ErrorIs(t, err, storage.ErrSignatureNotFound)

	// signing an already signed B_ in exchange for proofs fails
	// and leaves the proofs unspent
	proofs := GenerateRandomProofs(2)
	err = db.SpendProofs(proofs, B_s[:1], sigs[:1])
	require.ErrorIs(t, err, storage.ErrBlindedMessageSigned)

	used, err := db.GetProofsUsed([]string{proofs[0].Y, proofs[1].Y})
	require.NoError(t, err)
	require.Empty(t, used)
}

func testMintQuotes(t *testing.T, db storage.MintDB) {
	quotes := GenerateRandomMintQuotes(30)
	for _, quote := range quotes {
		require.NoError(t, db.SaveMintQuote(quote))
	}

	expected := quotes[21]
	quote, err := db.GetMintQuote(expected.Id)
	require.NoError(t, err)
	require.Equal(t, expected, quote)

	quote, err = db.GetMintQuoteByPaymentHash(expected.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, expected, quote)

	_, err = db.GetMintQuote("doesnotexist")
	require.ErrorIs(t, err, storage.ErrQuoteNotFound)

	// cannot issue an unpaid quote
	B_s, sigs := GenerateBlindSignatures(2)
	err = db.IssueMintQuote(expected.Id, B_s, sigs)
	require.ErrorIs(t, err, storage.ErrQuoteStateMismatch)

	// wrong 'from' state
	err = db.UpdateMintQuoteState(expected.Id, nut04.Paid, nut04.Issued)
	require.ErrorIs(t, err, storage.ErrQuoteStateMismatch)

	require.NoError(t, db.UpdateMintQuoteState(expected.Id, nut04.Unpaid, nut04.Paid))
	quote, err = db.GetMintQuote(expected.Id)
	require.NoError(t, err)
	require.Equal(t, nut04.Paid, quote.State)

	require.NoError(t, db.IssueMintQuote(expected.Id, B_s, sigs))
	quote, err = db.GetMintQuote(expected.Id)
	require.NoError(t, err)
	require.Equal(t, nut04.Issued, quote.State)

	dbSigs, err := db.GetBlindSignatures(B_s)
	require.NoError(t, err)
	require.Len(t, dbSigs, 2)

	moreB_s, moreSigs := GenerateBlindSignatures(2)
	err = db.IssueMintQuote(expected.Id, moreB_s, moreSigs)
	require.ErrorIs(t, err, storage.ErrQuoteStateMismatch)
}

func testConcurrentIssue(t *testing.T, db storage.MintDB) {
	quote := GenerateRandomMintQuotes(1)[0]
	quote.State = nut04.Paid
	require.NoError(t, db.SaveMintQuote(quote))

	const attempts = 10
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			B_s, sigs := GenerateBlindSignatures(3)
			if err := db.IssueMintQuote(quote.Id, B_s, sigs); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successes.Load(), "expected quote to be issued exactly once")
	issued, err := db.IssuedEcash()
	require.NoError(t, err)
	var total uint64
	for _, amount := range issued {
		total += amount
	}
	require.Equal(t, uint64(3*21), total)
}

func testMeltSettlePaid(t *testing.T, db storage.MintDB) {
	quote := GenerateRandomMeltQuotes(1)[0]
	require.NoError(t, db.SaveMeltQuote(quote))

	dbQuote, err := db.GetMeltQuote(quote.Id)
	require.NoError(t, err)
	require.Equal(t, quote, dbQuote)

	byRequest, err := db.GetMeltQuoteByPaymentRequest(quote.InvoiceRequest)
	require.NoError(t, err)
	require.Equal(t, quote, *byRequest)

	proofs := GenerateRandomProofs(4)
	changeB_s, change := GenerateBlindSignatures(1)
	changeOutputs := cashu.BlindedMessages{{Amount: 21, B_: changeB_s[0], Id: change[0].Id}}

	require.NoError(t, db.BeginMelt(quote.Id, proofs, changeOutputs))

	// already pending
	err = db.BeginMelt(quote.Id, proofs, nil)
	require.ErrorIs(t, err, storage.ErrQuoteStateMismatch)

	pendingQuotes, err := db.GetMeltQuotesByState(nut05.Pending)
	require.NoError(t, err)
	require.Len(t, pendingQuotes, 1)
	require.Equal(t, changeOutputs, pendingQuotes[0].ChangeOutputs)

	pending, err := db.GetPendingProofsByQuote(quote.Id)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for _, proof := range pending {
		require.Equal(t, quote.Id, proof.MeltQuoteId)
	}

	// pending proofs cannot be spent elsewhere
	err = db.SpendProofs(proofs[:1], nil, nil)
	require.ErrorIs(t, err, storage.ErrProofPending)

	// nor used in another melt
	other := GenerateRandomMeltQuotes(1)[0]
	require.NoError(t, db.SaveMeltQuote(other))
	err = db.BeginMelt(other.Id, proofs[1:2], nil)
	require.ErrorIs(t, err, storage.ErrProofPending)
	otherQuote, err := db.GetMeltQuote(other.Id)
	require.NoError(t, err)
	require.Equal(t, nut05.Unpaid, otherQuote.State)

	settlement := storage.MeltSettlement{
		QuoteId:    quote.Id,
		State:      nut05.Paid,
		Preimage:   "fakepreimage",
		FeePaid:    1,
		BurnProofs: true,
		B_s:        changeB_s,
		Change:     change,
	}
	require.NoError(t, db.SettleMelt(settlement))

	dbQuote, err = db.GetMeltQuote(quote.Id)
	require.NoError(t, err)
	require.Equal(t, nut05.Paid, dbQuote.State)
	require.Equal(t, "fakepreimage", dbQuote.Preimage)
	require.Equal(t, uint64(1), dbQuote.FeePaid)
	require.Equal(t, change, dbQuote.Change)

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	pending, err = db.GetPendingProofs(Ys)
	require.NoError(t, err)
	require.Empty(t, pending)

	spent, err := db.GetProofsUsed(Ys)
	require.NoError(t, err)
	require.Len(t, spent, 4)

	// settles once
	err = db.SettleMelt(settlement)
	require.ErrorIs(t, err, storage.ErrQuoteStateMismatch)
}

func testMeltSettleReleased(t *testing.T, db storage.MintDB) {
	quote := GenerateRandomMeltQuotes(1)[0]
	require.NoError(t, db.SaveMeltQuote(quote))

	proofs := GenerateRandomProofs(3)
	require.NoError(t, db.BeginMelt(quote.Id, proofs, nil))

	require.NoError(t, db.SettleMelt(storage.MeltSettlement{
		QuoteId: quote.Id,
		State:   nut05.Failed,
	}))

	dbQuote, err := db.GetMeltQuote(quote.Id)
	require.NoError(t, err)
	require.Equal(t, nut05.Failed, dbQuote.State)

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	pending, err := db.GetPendingProofs(Ys)
	require.NoError(t, err)
	require.Empty(t, pending)
	spent, err := db.GetProofsUsed(Ys)
	require.NoError(t, err)
	require.Empty(t, spent)

	// released proofs can be spent again
	require.NoError(t, db.SpendProofs(proofs, nil, nil))
}

func testAccounting(t *testing.T, db storage.MintDB) {
	proofs := GenerateRandomProofs(10)
	B_s, sigs := GenerateBlindSignatures(5)
	require.NoError(t, db.SpendProofs(proofs, B_s, sigs))

	redeemed, err := db.RedeemedEcash()
	require.NoError(t, err)
	var totalRedeemed uint64
	for _, amount := range redeemed {
		totalRedeemed += amount
	}
	require.Equal(t, uint64(10*21), totalRedeemed)

	issued, err := db.IssuedEcash()
	require.NoError(t, err)
	var totalIssued uint64
	for _, amount := range issued {
		totalIssued += amount
	}
	require.Equal(t, uint64(5*21), totalIssued)
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func GenerateRandomProofs(num int) []storage.DBProof {
	proofs := make([]storage.DBProof, num)

	for i := 0; i < num; i++ {
		secret := generateRandomString(64)
		Y, err := crypto.HashToCurve([]byte(secret))
		if err != nil {
			panic(err)
		}
		proofs[i] = storage.DBProof{
			Y:      hex.EncodeToString(Y.SerializeCompressed()),
			Amount: 21,
			Id:     "00" + generateRandomString(14),
			Secret: secret,
			C:      generateRandomString(66),
		}
	}

	return proofs
}

func sortDBProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func GenerateRandomMintQuotes(num int) []storage.MintQuote {
	quotes := make([]storage.MintQuote, num)
	for i := 0; i < num; i++ {
		quotes[i] = storage.MintQuote{
			Id:             generateRandomString(32),
			Amount:         21,
			PaymentRequest: generateRandomString(100),
			PaymentHash:    generateRandomString(50),
			State:          nut04.Unpaid,
			Expiry:         uint64(rand.IntN(1000000)),
		}
	}
	return quotes
}

func GenerateRandomMeltQuotes(num int) []storage.MeltQuote {
	quotes := make([]storage.MeltQuote, num)
	for i := 0; i < num; i++ {
		quotes[i] = storage.MeltQuote{
			Id:             generateRandomString(32),
			InvoiceRequest: generateRandomString(100),
			PaymentHash:    generateRandomString(50),
			Amount:         21,
			FeeReserve:     1,
			State:          nut05.Unpaid,
			Expiry:         uint64(rand.IntN(1000000)),
		}
	}
	return quotes
}

func GenerateBlindSignatures(num int) ([]string, cashu.BlindedSignatures) {
	B_s := make([]string, num)
	blindSigs := make(cashu.BlindedSignatures, num)
	for i := 0; i < num; i++ {
		B_s[i] = generateRandomString(66)
		blindSigs[i] = cashu.BlindedSignature{
			C_:     generateRandomString(66),
			Id:     "00" + generateRandomString(14),
			Amount: 21,
			DLEQ: &cashu.DLEQProof{
				E: generateRandomString(64),
				S: generateRandomString(64),
			},
		}
	}
	return B_s, blindSigs
}
