// Package bolt implements the mint storage on top of bbolt.
//
// bbolt allows a single read-write transaction at a time, which gives
// the check-then-insert sequences below the same atomicity that the
// sqlite implementation gets from its primary keys.
package bolt

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/mint/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	seedBucket            = "seed"
	keysetsBucket         = "keysets"
	proofsBucket          = "proofs"
	pendingProofsBucket   = "pending_proofs"
	mintQuotesBucket      = "mint_quotes"
	mintQuoteHashBucket   = "mint_quotes_by_hash"
	meltQuotesBucket      = "melt_quotes"
	meltQuoteReqBucket    = "melt_quotes_by_request"
	blindSignaturesBucket = "blind_signatures"

	seedKey = "seed"
)

var buckets = []string{
	seedBucket,
	keysetsBucket,
	proofsBucket,
	pendingProofsBucket,
	mintQuotesBucket,
	mintQuoteHashBucket,
	meltQuotesBucket,
	meltQuoteReqBucket,
	blindSignaturesBucket,
}

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.bolt.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initMintBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initMintBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func put(b *bolt.Bucket, key string, value any) error {
	encoded, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), encoded)
}

func (db *BoltDB) SaveSeed(seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(seedBucket)).Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey))
		if value == nil {
			return storage.ErrSeedNotFound
		}
		seed = make([]byte, len(value))
		copy(seed, value)
		return nil
	})
	return seed, err
}

func (db *BoltDB) SaveKeyset(keyset storage.DBKeyset) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(keysetsBucket)), keyset.Id, keyset)
	})
}

func (db *BoltDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysetsBucket)).ForEach(func(k, v []byte) error {
			var keyset storage.DBKeyset
			if err := cbor.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keysets = append(keysets, keyset)
			return nil
		})
	})
	return keysets, err
}

func (db *BoltDB) UpdateKeysetActive(keysetId string, active bool) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysetsBucket))
		value := b.Get([]byte(keysetId))
		if value == nil {
			return errors.New("keyset was not updated")
		}
		var keyset storage.DBKeyset
		if err := cbor.Unmarshal(value, &keyset); err != nil {
			return err
		}
		keyset.Active = active
		return put(b, keysetId, keyset)
	})
}

func (db *BoltDB) SpendProofs(
	proofs []storage.DBProof,
	B_s []string,
	signatures cashu.BlindedSignatures,
) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := spendProofs(tx, proofs); err != nil {
			return err
		}
		return saveBlindSignatures(tx, B_s, signatures)
	})
}

func spendProofs(tx *bolt.Tx, proofs []storage.DBProof) error {
	spent := tx.Bucket([]byte(proofsBucket))
	pending := tx.Bucket([]byte(pendingProofsBucket))

	for _, proof := range proofs {
		if pending.Get([]byte(proof.Y)) != nil {
			return storage.ErrProofPending
		}
		if spent.Get([]byte(proof.Y)) != nil {
			return storage.ErrProofSpent
		}
		proof.MeltQuoteId = ""
		if err := put(spent, proof.Y, proof); err != nil {
			return err
		}
	}
	return nil
}

func saveBlindSignatures(tx *bolt.Tx, B_s []string, signatures cashu.BlindedSignatures) error {
	if len(B_s) != len(signatures) {
		return fmt.Errorf("got %v blinded messages for %v signatures", len(B_s), len(signatures))
	}

	b := tx.Bucket([]byte(blindSignaturesBucket))
	for i, sig := range signatures {
		if b.Get([]byte(B_s[i])) != nil {
			return storage.ErrBlindedMessageSigned
		}
		if err := put(b, B_s[i], sig); err != nil {
			return err
		}
	}
	return nil
}

func (db *BoltDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	return db.getProofs(proofsBucket, Ys)
}

func (db *BoltDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	return db.getProofs(pendingProofsBucket, Ys)
}

func (db *BoltDB) getProofs(bucket string, Ys []string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		for _, Y := range Ys {
			value := b.Get([]byte(Y))
			if value == nil {
				continue
			}
			var proof storage.DBProof
			if err := cbor.Unmarshal(value, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs, err
}

func (db *BoltDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	var proofs []storage.DBProof
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		proofs, err = pendingProofsByQuote(tx, quoteId)
		return err
	})
	return proofs, err
}

func pendingProofsByQuote(tx *bolt.Tx, quoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := tx.Bucket([]byte(pendingProofsBucket)).ForEach(func(k, v []byte) error {
		var proof storage.DBProof
		if err := cbor.Unmarshal(v, &proof); err != nil {
			return err
		}
		if proof.MeltQuoteId == quoteId {
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs, err
}

func (db *BoltDB) SaveMintQuote(quote storage.MintQuote) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(mintQuotesBucket))
		if quotes.Get([]byte(quote.Id)) != nil {
			return fmt.Errorf("mint quote '%v' already exists", quote.Id)
		}
		if err := put(quotes, quote.Id, quote); err != nil {
			return err
		}
		return tx.Bucket([]byte(mintQuoteHashBucket)).Put([]byte(quote.PaymentHash), []byte(quote.Id))
	})
}

func getMintQuote(tx *bolt.Tx, quoteId string) (storage.MintQuote, error) {
	value := tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(quoteId))
	if value == nil {
		return storage.MintQuote{}, storage.ErrQuoteNotFound
	}
	var quote storage.MintQuote
	err := cbor.Unmarshal(value, &quote)
	return quote, err
}

func (db *BoltDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		quote, err = getMintQuote(tx, quoteId)
		return err
	})
	return quote, err
}

func (db *BoltDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteId := tx.Bucket([]byte(mintQuoteHashBucket)).Get([]byte(paymentHash))
		if quoteId == nil {
			return storage.ErrQuoteNotFound
		}
		var err error
		quote, err = getMintQuote(tx, string(quoteId))
		return err
	})
	return quote, err
}

func updateMintQuoteState(tx *bolt.Tx, quoteId string, from, to nut04.State) error {
	quote, err := getMintQuote(tx, quoteId)
	if err != nil {
		return err
	}
	if quote.State != from {
		return storage.ErrQuoteStateMismatch
	}
	quote.State = to
	return put(tx.Bucket([]byte(mintQuotesBucket)), quoteId, quote)
}

func (db *BoltDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateMintQuoteState(tx, quoteId, from, to)
	})
}

func (db *BoltDB) IssueMintQuote(quoteId string, B_s []string, signatures cashu.BlindedSignatures) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateMintQuoteState(tx, quoteId, nut04.Paid, nut04.Issued); err != nil {
			return err
		}
		return saveBlindSignatures(tx, B_s, signatures)
	})
}

func (db *BoltDB) SaveMeltQuote(quote storage.MeltQuote) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotes := tx.Bucket([]byte(meltQuotesBucket))
		if quotes.Get([]byte(quote.Id)) != nil {
			return fmt.Errorf("melt quote '%v' already exists", quote.Id)
		}
		if err := put(quotes, quote.Id, quote); err != nil {
			return err
		}
		return tx.Bucket([]byte(meltQuoteReqBucket)).Put([]byte(quote.InvoiceRequest), []byte(quote.Id))
	})
}

func getMeltQuote(tx *bolt.Tx, quoteId string) (storage.MeltQuote, error) {
	value := tx.Bucket([]byte(meltQuotesBucket)).Get([]byte(quoteId))
	if value == nil {
		return storage.MeltQuote{}, storage.ErrQuoteNotFound
	}
	var quote storage.MeltQuote
	err := cbor.Unmarshal(value, &quote)
	return quote, err
}

func (db *BoltDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		quote, err = getMeltQuote(tx, quoteId)
		return err
	})
	return quote, err
}

func (db *BoltDB) GetMeltQuoteByPaymentRequest(request string) (*storage.MeltQuote, error) {
	var quote storage.MeltQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quoteId := tx.Bucket([]byte(meltQuoteReqBucket)).Get([]byte(request))
		if quoteId == nil {
			return storage.ErrQuoteNotFound
		}
		var err error
		quote, err = getMeltQuote(tx, string(quoteId))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func (db *BoltDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	quotes := []storage.MeltQuote{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote storage.MeltQuote
			if err := cbor.Unmarshal(v, &quote); err != nil {
				return err
			}
			if quote.State == state {
				quotes = append(quotes, quote)
			}
			return nil
		})
	})
	return quotes, err
}

func (db *BoltDB) BeginMelt(
	quoteId string,
	proofs []storage.DBProof,
	changeOutputs cashu.BlindedMessages,
) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quote, err := getMeltQuote(tx, quoteId)
		if err != nil {
			return err
		}
		if quote.State != nut05.Unpaid {
			return storage.ErrQuoteStateMismatch
		}
		quote.State = nut05.Pending
		quote.ChangeOutputs = changeOutputs
		if err := put(tx.Bucket([]byte(meltQuotesBucket)), quoteId, quote); err != nil {
			return err
		}

		spent := tx.Bucket([]byte(proofsBucket))
		pending := tx.Bucket([]byte(pendingProofsBucket))
		for _, proof := range proofs {
			if spent.Get([]byte(proof.Y)) != nil {
				return storage.ErrProofSpent
			}
			if pending.Get([]byte(proof.Y)) != nil {
				return storage.ErrProofPending
			}
			proof.MeltQuoteId = quoteId
			if err := put(pending, proof.Y, proof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SettleMelt(settlement storage.MeltSettlement) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quote, err := getMeltQuote(tx, settlement.QuoteId)
		if err != nil {
			return err
		}
		if quote.State != nut05.Pending {
			return storage.ErrQuoteStateMismatch
		}
		quote.State = settlement.State
		quote.Preimage = settlement.Preimage
		quote.FeePaid = settlement.FeePaid
		quote.Change = settlement.Change
		if err := put(tx.Bucket([]byte(meltQuotesBucket)), quote.Id, quote); err != nil {
			return err
		}

		proofs, err := pendingProofsByQuote(tx, quote.Id)
		if err != nil {
			return err
		}
		pending := tx.Bucket([]byte(pendingProofsBucket))
		for _, proof := range proofs {
			if err := pending.Delete([]byte(proof.Y)); err != nil {
				return err
			}
		}
		if settlement.BurnProofs {
			if err := spendProofs(tx, proofs); err != nil {
				return err
			}
		}

		return saveBlindSignatures(tx, settlement.B_s, settlement.Change)
	})
}

func (db *BoltDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	err := db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(blindSignaturesBucket)).Get([]byte(B_))
		if value == nil {
			return storage.ErrSignatureNotFound
		}
		return cbor.Unmarshal(value, &signature)
	})
	return signature, err
}

func (db *BoltDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blindSignaturesBucket))
		for _, B_ := range B_s {
			value := b.Get([]byte(B_))
			if value == nil {
				continue
			}
			var signature cashu.BlindedSignature
			if err := cbor.Unmarshal(value, &signature); err != nil {
				return err
			}
			signatures = append(signatures, signature)
		}
		return nil
	})
	return signatures, err
}

func (db *BoltDB) IssuedEcash() (map[string]uint64, error) {
	amounts := make(map[string]uint64)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blindSignaturesBucket)).ForEach(func(k, v []byte) error {
			var signature cashu.BlindedSignature
			if err := cbor.Unmarshal(v, &signature); err != nil {
				return err
			}
			amounts[signature.Id] += signature.Amount
			return nil
		})
	})
	return amounts, err
}

func (db *BoltDB) RedeemedEcash() (map[string]uint64, error) {
	amounts := make(map[string]uint64)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEach(func(k, v []byte) error {
			var proof storage.DBProof
			if err := cbor.Unmarshal(v, &proof); err != nil {
				return err
			}
			amounts[proof.Id] += proof.Amount
			return nil
		})
	})
	return amounts, err
}
