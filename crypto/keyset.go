package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives the keys for amounts 2^0 ... 2^63
// at path m/index'/i' from the master key.
func GenerateKeyset(master *hdkeychain.ExtendedKey, index uint32, active bool) (*MintKeyset, error) {
	keys := make(map[uint64]KeyPair, maxOrder)

	keysetPath, err := master.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	pks := make(map[uint64]*secp256k1.PublicKey, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}

		privateKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		publicKey, err := amountPath.ECPubKey()
		if err != nil {
			return nil, err
		}

		keys[amount] = KeyPair{PrivateKey: privateKey, PublicKey: publicKey}
		pks[amount] = publicKey
	}
	keysetId := DeriveKeysetId(pks)

	return &MintKeyset{
		Id:                keysetId,
		Unit:              "sat",
		Active:            active,
		DerivationPathIdx: index,
		Keys:              keys,
	}, nil
}

// DeriveKeysetId returns "00" followed by the first 14 hex characters
// of the sha256 of the compressed public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// PublicKeys returns the hex encoded public keys by amount.
func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubkeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}
