package mint

import (
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint/storage"
)

// keysetSnapshot is never modified after it is published.
type keysetSnapshot struct {
	active  crypto.MintKeyset
	keysets map[string]crypto.MintKeyset
}

// KeysetManager owns the signing keys of the mint. Readers get the
// current snapshot without locking. Rotations are serialized and
// publish a new snapshot once the new keyset is persisted.
type KeysetManager struct {
	db     storage.MintDB
	master *hdkeychain.ExtendedKey
	seed   string

	mu       sync.Mutex
	snapshot atomic.Pointer[keysetSnapshot]
}

func NewKeysetManager(db storage.MintDB, seed []byte) (*KeysetManager, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	return &KeysetManager{
		db:     db,
		master: master,
		seed:   hex.EncodeToString(seed),
	}, nil
}

// Load derives the keys for every keyset stored in the db. If there are
// none, the first keyset is created. If more than one is marked active,
// only the one with the highest derivation index stays active.
func (km *KeysetManager) Load() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	dbKeysets, err := km.db.GetKeysets()
	if err != nil {
		return fmt.Errorf("error reading keysets from db: %v", err)
	}

	if len(dbKeysets) == 0 {
		keyset, err := crypto.GenerateKeyset(km.master, 0, true)
		if err != nil {
			return err
		}
		if err := km.db.SaveKeyset(km.dbKeyset(keyset)); err != nil {
			return fmt.Errorf("error saving keyset: %v", err)
		}
		km.publish(*keyset, map[string]crypto.MintKeyset{keyset.Id: *keyset})
		return nil
	}

	slices.SortFunc(dbKeysets, func(a, b storage.DBKeyset) int {
		return int(a.DerivationPathIdx) - int(b.DerivationPathIdx)
	})

	keysets := make(map[string]crypto.MintKeyset, len(dbKeysets))
	var active *crypto.MintKeyset
	for _, dbKeyset := range dbKeysets {
		master := km.master
		if dbKeyset.Seed != km.seed {
			seed, err := hex.DecodeString(dbKeyset.Seed)
			if err != nil {
				return fmt.Errorf("invalid seed for keyset '%v': %v", dbKeyset.Id, err)
			}
			master, err = hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
			if err != nil {
				return err
			}
		}

		keyset, err := crypto.GenerateKeyset(master, dbKeyset.DerivationPathIdx, dbKeyset.Active)
		if err != nil {
			return err
		}
		if keyset.Id != dbKeyset.Id {
			return fmt.Errorf("derived keyset id '%v' does not match stored id '%v'", keyset.Id, dbKeyset.Id)
		}

		if keyset.Active {
			if active != nil {
				// an earlier rotation did not finish deactivating the previous keyset
				if err := km.db.UpdateKeysetActive(active.Id, false); err != nil {
					return err
				}
				active.Active = false
				keysets[active.Id] = *active
			}
			active = keyset
		}
		keysets[keyset.Id] = *keyset
	}

	if active == nil {
		last := dbKeysets[len(dbKeysets)-1]
		if err := km.db.UpdateKeysetActive(last.Id, true); err != nil {
			return err
		}
		keyset := keysets[last.Id]
		keyset.Active = true
		keysets[last.Id] = keyset
		active = &keyset
	}

	km.publish(*active, keysets)
	return nil
}

func (km *KeysetManager) publish(active crypto.MintKeyset, keysets map[string]crypto.MintKeyset) {
	km.snapshot.Store(&keysetSnapshot{active: active, keysets: keysets})
}

func (km *KeysetManager) dbKeyset(keyset *crypto.MintKeyset) storage.DBKeyset {
	return storage.DBKeyset{
		Id:                keyset.Id,
		Unit:              keyset.Unit,
		Active:            keyset.Active,
		Seed:              km.seed,
		DerivationPathIdx: keyset.DerivationPathIdx,
	}
}

// RotateKeyset creates a new active keyset at the next derivation index
// and deactivates the current one. Proofs from older keysets are
// still accepted as inputs.
func (km *KeysetManager) RotateKeyset() (crypto.MintKeyset, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	current := km.snapshot.Load()
	var nextIdx uint32
	for _, keyset := range current.keysets {
		if keyset.DerivationPathIdx >= nextIdx {
			nextIdx = keyset.DerivationPathIdx + 1
		}
	}

	newKeyset, err := crypto.GenerateKeyset(km.master, nextIdx, true)
	if err != nil {
		return crypto.MintKeyset{}, err
	}

	// persist the new keyset before deactivating the old one. If this
	// fails in between, Load keeps the one with the highest index.
	if err := km.db.SaveKeyset(km.dbKeyset(newKeyset)); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error saving new keyset: %v", err)
	}
	if err := km.db.UpdateKeysetActive(current.active.Id, false); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error deactivating keyset: %v", err)
	}

	keysets := make(map[string]crypto.MintKeyset, len(current.keysets)+1)
	for id, keyset := range current.keysets {
		keyset.Active = false
		keysets[id] = keyset
	}
	keysets[newKeyset.Id] = *newKeyset
	km.publish(*newKeyset, keysets)

	return *newKeyset, nil
}

func (km *KeysetManager) ActiveKeyset() crypto.MintKeyset {
	return km.snapshot.Load().active
}

func (km *KeysetManager) Keyset(id string) (crypto.MintKeyset, bool) {
	keyset, ok := km.snapshot.Load().keysets[id]
	return keyset, ok
}

// Keysets returns all keysets sorted by derivation index.
func (km *KeysetManager) Keysets() []crypto.MintKeyset {
	snapshot := km.snapshot.Load()
	keysets := make([]crypto.MintKeyset, 0, len(snapshot.keysets))
	for _, keyset := range snapshot.keysets {
		keysets = append(keysets, keyset)
	}
	slices.SortFunc(keysets, func(a, b crypto.MintKeyset) int {
		return int(a.DerivationPathIdx) - int(b.DerivationPathIdx)
	})
	return keysets
}

// GetKeypair works for active and inactive keysets.
func (km *KeysetManager) GetKeypair(keysetId string, amount uint64) (crypto.KeyPair, error) {
	keyset, ok := km.Keyset(keysetId)
	if !ok {
		return crypto.KeyPair{}, cashu.UnknownKeysetErr
	}
	keypair, ok := keyset.Keys[amount]
	if !ok {
		return crypto.KeyPair{}, cashu.UnknownDenominationErr
	}
	return keypair, nil
}

// signingKey is like GetKeypair but refuses inactive keysets.
func (km *KeysetManager) signingKey(keysetId string, amount uint64) (crypto.KeyPair, error) {
	keyset, ok := km.Keyset(keysetId)
	if !ok {
		return crypto.KeyPair{}, cashu.UnknownKeysetErr
	}
	if !keyset.Active {
		return crypto.KeyPair{}, cashu.InactiveKeysetSignatureRequest
	}
	keypair, ok := keyset.Keys[amount]
	if !ok {
		return crypto.KeyPair{}, cashu.UnknownDenominationErr
	}
	return keypair, nil
}
