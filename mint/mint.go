package mint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut01"
	"github.com/lnmint/lnmint/cashu/nuts/nut02"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut06"
	"github.com/lnmint/lnmint/cashu/nuts/nut07"
	"github.com/lnmint/lnmint/cashu/nuts/nut17"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint/lightning"
	"github.com/lnmint/lnmint/mint/pubsub"
	"github.com/lnmint/lnmint/mint/storage"
	"github.com/lnmint/lnmint/mint/storage/bolt"
	"github.com/lnmint/lnmint/mint/storage/sqlite"
	"github.com/tyler-smith/go-bip39"
)

const (
	BOLT11_METHOD = "bolt11"
	SAT_UNIT      = "sat"
)

type Mint struct {
	db storage.MintDB

	keysets *KeysetManager
	// public key of the mint derived from the seed. Shown in the info
	pubkey string

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	quoteExpiry     time.Duration
	meltTimeout     time.Duration
	backendTimeout  time.Duration

	// quotes with a payment call in progress in this process
	inflightMelts sync.Map

	publisher *pubsub.PubSub
	metrics   *metrics
	logger    *slog.Logger
	logFile   *os.File

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		var err error
		path, err = mintPath()
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}

	logger, logFile, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := openDB(config.DBBackend, path)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	seed, err := loadSeed(db, config.Mnemonic)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}

	keysetManager, err := NewKeysetManager(db, seed)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}
	if err := keysetManager.Load(); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mint := &Mint{
		db:              db,
		keysets:         keysetManager,
		pubkey:          hex.EncodeToString(seedPubkey(keysetManager.master)),
		lightningClient: config.LightningClient,
		limits:          config.Limits,
		quoteExpiry:     config.QuoteExpiry,
		meltTimeout:     config.MeltTimeout,
		backendTimeout:  config.BackendTimeout,
		publisher:       pubsub.NewPubSub(),
		metrics:         newMetrics(),
		logger:          logger,
		logFile:         logFile,
		ctx:             ctx,
		cancel:          cancel,
	}
	if mint.quoteExpiry == 0 {
		mint.quoteExpiry = DefaultQuoteExpiry
	}
	if mint.meltTimeout == 0 {
		mint.meltTimeout = DefaultMeltTimeout
	}
	if mint.backendTimeout == 0 {
		mint.backendTimeout = DefaultBackendTimeout
	}
	mint.mintInfo = mint.buildMintInfo(config)

	if err := mint.checkBackendConnection(ctx); err != nil {
		mint.Shutdown()
		return nil, fmt.Errorf("can't connect to lightning backend: %v", err)
	}

	activeKeyset := keysetManager.ActiveKeyset()
	mint.logInfof("mint loaded with active keyset '%v' at derivation index %v",
		activeKeyset.Id, activeKeyset.DerivationPathIdx)

	// settle the melts that were left pending by a previous run
	if _, err := mint.ReconcilePendingMeltQuotes(ctx); err != nil {
		mint.logErrorf("error reconciling pending melt quotes: %v", err)
	}

	interval := config.ReconcileInterval
	if interval == 0 {
		interval = DefaultReconcileInterval
	}
	mint.wg.Add(1)
	go mint.reconcileLoop(interval)

	return mint, nil
}

// mintPath returns the mint's path
// at $HOME/.lnmint/mint
func mintPath() (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	path := filepath.Join(homedir, ".lnmint", "mint")
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", err
	}
	return path, nil
}

func openDB(backend DBBackend, path string) (storage.MintDB, error) {
	switch backend {
	case BoltBackend:
		return bolt.InitBolt(path)
	case SQLiteBackend, "":
		return sqlite.InitSQLite(path)
	default:
		return nil, fmt.Errorf("unknown db backend '%v'", backend)
	}
}

// loadSeed returns the seed saved in the db. On first run the seed comes
// from the mnemonic if one is provided or is generated otherwise.
func loadSeed(db storage.MintDB, mnemonic string) ([]byte, error) {
	var mnemonicSeed []byte
	if len(mnemonic) > 0 {
		var err error
		mnemonicSeed, err = bip39.NewSeedWithErrorChecking(mnemonic, "")
		if err != nil {
			return nil, fmt.Errorf("invalid mnemonic: %v", err)
		}
	}

	seed, err := db.GetSeed()
	if err == nil {
		if mnemonicSeed != nil && !bytes.Equal(seed, mnemonicSeed) {
			return nil, errors.New("mnemonic does not match the seed of the existing mint")
		}
		return seed, nil
	}
	if !errors.Is(err, storage.ErrSeedNotFound) {
		return nil, fmt.Errorf("error reading seed: %v", err)
	}

	seed = mnemonicSeed
	if seed == nil {
		seed, err = hdkeychain.GenerateSeed(32)
		if err != nil {
			return nil, err
		}
	}
	if err := db.SaveSeed(seed); err != nil {
		return nil, fmt.Errorf("error saving seed: %v", err)
	}
	return seed, nil
}

func seedPubkey(master *hdkeychain.ExtendedKey) []byte {
	pubkey, err := master.ECPubKey()
	if err != nil {
		return nil
	}
	return pubkey.SerializeCompressed()
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, *os.File, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source, ok := a.Value.Any().(*slog.Source)
			if ok {
				source.File = filepath.Base(source.File)
				source.Function = filepath.Base(source.Function)
			}
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %v", err)
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}
	var writer io.Writer = io.MultiWriter(os.Stdout, logFile)
	if logLevel == Disable {
		writer = io.Discard
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})
	return slog.New(handler), logFile, nil
}

// Shutdown stops the background tasks and closes the db.
func (m *Mint) Shutdown() error {
	m.cancel()
	m.wg.Wait()

	err := m.db.Close()
	if m.logFile != nil {
		m.logFile.Close()
	}
	return err
}

func (m *Mint) reconcileLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			settled, err := m.ReconcilePendingMeltQuotes(m.ctx)
			if err != nil {
				m.logErrorf("error reconciling pending melt quotes: %v", err)
			} else if settled > 0 {
				m.logInfof("settled %v pending melt quotes", settled)
			}
		}
	}
}

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
// The request to mint a token is explained in
// NUT-04 here: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(method string, amount uint64, unit string) (storage.MintQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if unit != SAT_UNIT {
		return storage.MintQuote{}, cashu.UnitNotSupportedErr
	}
	if amount == 0 {
		return storage.MintQuote{}, cashu.BuildCashuError("amount must be greater than zero", cashu.StandardErrCode)
	}

	if m.limits.MintingSettings.MaxAmount > 0 && amount > m.limits.MintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if m.limits.MintingSettings.MinAmount > 0 && amount < m.limits.MintingSettings.MinAmount {
		return storage.MintQuote{}, cashu.BuildCashuError("amount is below the minimum for minting", cashu.AmountLimitExceeded)
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.TotalBalance()
		if err != nil {
			m.logErrorf("could not get mint balance: %v", err)
			return storage.MintQuote{}, cashu.StandardErr
		}
		if newBalance, overflow := overflowAddUint64(balance, amount); overflow || newBalance > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MaxBalanceExceededErr
		}
	}

	invoice, err := m.createInvoice(m.ctx, amount)
	if err != nil {
		m.logErrorf("could not create invoice from lightning backend: %v", err)
		return storage.MintQuote{}, cashu.BackendUnavailableErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating quote id: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}

	expiry := uint64(time.Now().Add(m.quoteExpiry).Unix())
	if invoice.Expiry > 0 && invoice.Expiry < expiry {
		expiry = invoice.Expiry
	}

	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         expiry,
	}
	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		m.logErrorf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}
	m.logInfof("created mint quote '%v' for %v sats", quoteId, amount)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.checkInvoicePaid(m.ctx, quoteId)
	}()

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(method, quoteId string) (storage.MintQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		m.logErrorf("error reading mint quote '%v': %v", quoteId, err)
		return storage.MintQuote{}, cashu.StandardErr
	}

	return m.refreshMintQuote(mintQuote), nil
}

// refreshMintQuote checks with the backend whether an unpaid quote got paid
// and marks it as expired once it passes its expiry. Backend errors leave
// the quote as it is.
func (m *Mint) refreshMintQuote(mintQuote storage.MintQuote) storage.MintQuote {
	if mintQuote.State != nut04.Unpaid {
		return mintQuote
	}

	invoice, err := m.invoiceStatus(m.ctx, mintQuote.PaymentHash)
	if err != nil {
		m.logErrorf("could not get status of invoice for mint quote '%v': %v", mintQuote.Id, err)
		return mintQuote
	}

	var newState nut04.State
	switch {
	case invoice.Settled:
		newState = nut04.Paid
	case uint64(time.Now().Unix()) > mintQuote.Expiry:
		newState = nut04.Expired
	default:
		return mintQuote
	}

	err = m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, newState)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteStateMismatch) {
			// moved by someone else. Read what it is now
			if current, err := m.db.GetMintQuote(mintQuote.Id); err == nil {
				return current
			}
		}
		m.logErrorf("could not update state of mint quote '%v': %v", mintQuote.Id, err)
		return mintQuote
	}

	mintQuote.State = newState
	m.logInfof("mint quote '%v' is now %v", mintQuote.Id, newState)
	m.publishMintQuote(mintQuote)
	return mintQuote
}

// MintTokens signs the outputs if the quote has been paid. The outputs must
// add up to the quote amount. The quote can only be issued once.
func (m *Mint) MintTokens(method, quoteId string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if method != BOLT11_METHOD {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return nil, cashu.QuoteNotExistErr
		}
		m.logErrorf("error reading mint quote '%v': %v", quoteId, err)
		return nil, cashu.StandardErr
	}

	mintQuote = m.refreshMintQuote(mintQuote)
	switch mintQuote.State {
	case nut04.Unpaid:
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	case nut04.Expired:
		return nil, cashu.QuoteExpiredErr
	}

	outputsAmount, err := m.verifyOutputs(outputs)
	if err != nil {
		return nil, err
	}
	if outputsAmount != mintQuote.Amount {
		return nil, cashu.AmountsDoNotMatchErr
	}

	signatures, B_s, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.IssueMintQuote(quoteId, B_s, signatures); err != nil {
		switch {
		case errors.Is(err, storage.ErrQuoteStateMismatch):
			return nil, cashu.MintQuoteAlreadyIssued
		case errors.Is(err, storage.ErrBlindedMessageSigned):
			return nil, cashu.BlindedMessageAlreadySigned
		}
		m.logErrorf("error issuing mint quote '%v': %v", quoteId, err)
		return nil, cashu.StandardErr
	}

	m.metrics.issued.Add(float64(outputsAmount))
	mintQuote.State = nut04.Issued
	m.publishMintQuote(mintQuote)
	m.logInfof("issued %v sats for mint quote '%v'", outputsAmount, quoteId)

	return signatures, nil
}

// Swap will process a request to swap tokens.
// A swap requires a set of valid proofs and blinded messages.
// If valid, the mint will sign the blindedMessages and invalidate
// the proofs that were used as input. All of it happens in the same
// db transaction so either every proof is spent and every signature is
// recorded or nothing changes.
func (m *Mint) Swap(proofs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	dbProofs, proofsAmount, err := m.verifyProofs(proofs)
	if err != nil {
		return nil, err
	}

	outputsAmount, err := m.verifyOutputs(outputs)
	if err != nil {
		return nil, err
	}

	if proofsAmount != outputsAmount {
		return nil, cashu.AmountsDoNotMatchErr
	}

	signatures, B_s, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.SpendProofs(dbProofs, B_s, signatures); err != nil {
		return nil, m.spendError(err)
	}

	m.metrics.swaps.Inc()
	m.metrics.redeemed.Add(float64(proofsAmount))
	m.metrics.issued.Add(float64(outputsAmount))
	m.publishProofsState(dbProofs, nut07.Spent)

	return signatures, nil
}

func (m *Mint) spendError(err error) error {
	switch {
	case errors.Is(err, storage.ErrProofSpent):
		return cashu.ProofAlreadyUsedErr
	case errors.Is(err, storage.ErrProofPending):
		return cashu.ProofPendingErr
	case errors.Is(err, storage.ErrBlindedMessageSigned):
		return cashu.BlindedMessageAlreadySigned
	}
	m.logErrorf("error spending proofs: %v", err)
	return cashu.StandardErr
}

// verifyProofs checks the signature on each proof and that none of them
// is spent or pending. It returns the proofs keyed by Y and their total.
// The check against the spent set here only produces an early error; the
// atomic insert in the db is what prevents double spends.
func (m *Mint) verifyProofs(proofs cashu.Proofs) ([]storage.DBProof, uint64, error) {
	if len(proofs) == 0 {
		return nil, 0, cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, 0, cashu.DuplicateProofs
	}

	var total uint64
	var overflow bool
	dbProofs := make([]storage.DBProof, len(proofs))
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		keypair, err := m.keysets.GetKeypair(proof.Id, proof.Amount)
		if err != nil {
			return nil, 0, err
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, 0, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, 0, cashu.InvalidProofErr
		}

		if !crypto.Verify(proof.Secret, keypair.PrivateKey, C) {
			return nil, 0, cashu.InvalidProofErr
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, 0, cashu.InvalidProofErr
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		total, overflow = overflowAddUint64(total, proof.Amount)
		if overflow {
			return nil, 0, cashu.InvalidProofErr
		}

		Ys[i] = Yhex
		dbProofs[i] = storage.DBProof{
			Y:      Yhex,
			Amount: proof.Amount,
			Id:     proof.Id,
			Secret: proof.Secret,
			C:      proof.C,
		}
	}

	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		m.logErrorf("could not read spent proofs: %v", err)
		return nil, 0, cashu.StandardErr
	}
	if len(usedProofs) > 0 {
		return nil, 0, cashu.ProofAlreadyUsedErr
	}

	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		m.logErrorf("could not read pending proofs: %v", err)
		return nil, 0, cashu.StandardErr
	}
	if len(pendingProofs) > 0 {
		return nil, 0, cashu.ProofPendingErr
	}

	return dbProofs, total, nil
}

// verifyOutputs validates the blinded messages before anything is signed
// and returns their total amount.
func (m *Mint) verifyOutputs(outputs cashu.BlindedMessages) (uint64, error) {
	if len(outputs) == 0 {
		return 0, cashu.NoOutputsProvided
	}
	if cashu.CheckDuplicateBlindedMessages(outputs) {
		return 0, cashu.DuplicateOutputs
	}

	var total uint64
	var overflow bool
	B_s := make([]string, len(outputs))
	for i, output := range outputs {
		if !cashu.IsPowerOfTwo(output.Amount) {
			return 0, cashu.UnknownDenominationErr
		}
		if _, err := m.keysets.signingKey(output.Id, output.Amount); err != nil {
			return 0, err
		}
		if _, err := parseBlindedMessage(output.B_); err != nil {
			return 0, cashu.InvalidBlindedMessage
		}

		total, overflow = overflowAddUint64(total, output.Amount)
		if overflow {
			return 0, cashu.InvalidBlindedMessageAmount
		}
		B_s[i] = output.B_
	}

	if err := m.checkNotSigned(B_s); err != nil {
		return 0, err
	}

	return total, nil
}

func (m *Mint) checkNotSigned(B_s []string) error {
	signed, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		m.logErrorf("could not read blind signatures: %v", err)
		return cashu.StandardErr
	}
	if len(signed) > 0 {
		return cashu.BlindedMessageAlreadySigned
	}
	return nil
}

func parseBlindedMessage(B_str string) (*secp256k1.PublicKey, error) {
	B_bytes, err := hex.DecodeString(B_str)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(B_bytes)
}

// signBlindedMessages will sign the blindedMessages and
// return the blindedSignatures along with the B_ of each one.
// Each signature carries a DLEQ proof.
func (m *Mint) signBlindedMessages(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, []string, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	B_s := make([]string, len(outputs))

	for i, output := range outputs {
		keypair, err := m.keysets.signingKey(output.Id, output.Amount)
		if err != nil {
			return nil, nil, err
		}
		signature, err := signBlindedMessage(output, keypair.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		signatures[i] = signature
		B_s[i] = output.B_
	}

	return signatures, B_s, nil
}

func signBlindedMessage(output cashu.BlindedMessage, k *secp256k1.PrivateKey) (cashu.BlindedSignature, error) {
	B_, err := parseBlindedMessage(output.B_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.InvalidBlindedMessage
	}

	C_ := crypto.SignBlindedMessage(B_, k)
	e, s, err := crypto.GenerateDLEQ(k, B_, C_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.StandardErr
	}

	return cashu.BlindedSignature{
		Amount: output.Amount,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		Id:     output.Id,
		DLEQ: &cashu.DLEQProof{
			E: hex.EncodeToString(e.Serialize()),
			S: hex.EncodeToString(s.Serialize()),
		},
	}, nil
}

// ProofsStateCheck returns whether the proofs for the Ys
// are unspent, pending or spent. It does not modify anything.
func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		m.logErrorf("could not read spent proofs: %v", err)
		return nil, cashu.StandardErr
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		m.logErrorf("could not read pending proofs: %v", err)
		return nil, cashu.StandardErr
	}

	states := make(map[string]nut07.State, len(usedProofs)+len(pendingProofs))
	for _, proof := range pendingProofs {
		states[proof.Y] = nut07.Pending
	}
	for _, proof := range usedProofs {
		states[proof.Y] = nut07.Spent
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, Y := range Ys {
		state, ok := states[Y]
		if !ok {
			state = nut07.Unspent
		}
		proofStates[i] = nut07.ProofState{Y: Y, State: state}
	}
	return proofStates, nil
}

// RestoreSignatures returns the signatures the mint has issued for any of
// the outputs along with the outputs that were signed.
func (m *Mint) RestoreSignatures(outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	restoredOutputs := make(cashu.BlindedMessages, 0, len(outputs))
	restoredSignatures := make(cashu.BlindedSignatures, 0, len(outputs))

	for _, output := range outputs {
		signature, err := m.db.GetBlindSignature(output.B_)
		if err != nil {
			if errors.Is(err, storage.ErrSignatureNotFound) {
				continue
			}
			m.logErrorf("could not read blind signature: %v", err)
			return nil, nil, cashu.StandardErr
		}
		restoredOutputs = append(restoredOutputs, output)
		restoredSignatures = append(restoredSignatures, signature)
	}

	return restoredOutputs, restoredSignatures, nil
}

func (m *Mint) buildMintInfo(config Config) nut06.MintInfo {
	info := config.MintInfo

	nuts := nut06.Nuts{
		Nut04: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{
					Method:    BOLT11_METHOD,
					Unit:      SAT_UNIT,
					MinAmount: config.Limits.MintingSettings.MinAmount,
					MaxAmount: config.Limits.MintingSettings.MaxAmount,
				},
			},
		},
		Nut05: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{
					Method:    BOLT11_METHOD,
					Unit:      SAT_UNIT,
					MinAmount: config.Limits.MeltingSettings.MinAmount,
					MaxAmount: config.Limits.MeltingSettings.MaxAmount,
				},
			},
		},
		Nut07: nut06.Supported{Supported: true},
		Nut08: nut06.Supported{Supported: true},
		Nut09: nut06.Supported{Supported: true},
		Nut12: nut06.Supported{Supported: true},
		Nut17: &nut17.InfoSetting{
			Supported: []nut17.SupportedMethod{
				{
					Method:   BOLT11_METHOD,
					Unit:     SAT_UNIT,
					Commands: []string{
						nut17.Bolt11MintQuote.String(),
						nut17.Bolt11MeltQuote.String(),
						nut17.ProofState.String(),
					},
				},
			},
		},
	}

	cacheTTL := config.Cache.TTL
	if cacheTTL == 0 {
		cacheTTL = DefaultCacheTTL
	}
	ttl := uint64(cacheTTL.Seconds())
	nuts.Nut19 = &nut06.CachedEndpoints{
		TTL: &ttl,
		CachedEndpoints: []nut06.CachedEndpoint{
			{Method: "POST", Path: "/v1/mint/bolt11"},
			{Method: "POST", Path: "/v1/swap"},
			{Method: "POST", Path: "/v1/melt/bolt11"},
		},
	}

	return nut06.MintInfo{
		Name:            info.Name,
		Pubkey:          m.pubkey,
		Version:         "lnmint/0.1.0",
		Description:     info.Description,
		LongDescription: info.LongDescription,
		Contact:         info.Contact,
		Motd:            info.Motd,
		IconURL:         info.IconURL,
		URLs:            info.URLs,
		Nuts:            nuts,
	}
}

func (m *Mint) RetrieveMintInfo() nut06.MintInfo {
	info := m.mintInfo
	info.Time = time.Now().Unix()
	return info
}

func (m *Mint) GetActiveKeyset() crypto.MintKeyset {
	return m.keysets.ActiveKeyset()
}

func (m *Mint) GetKeysetById(id string) (crypto.MintKeyset, bool) {
	return m.keysets.Keyset(id)
}

func (m *Mint) RotateKeyset() (crypto.MintKeyset, error) {
	keyset, err := m.keysets.RotateKeyset()
	if err != nil {
		m.logErrorf("error rotating keyset: %v", err)
		return crypto.MintKeyset{}, err
	}
	m.logInfof("rotated keyset. New active keyset '%v'", keyset.Id)
	return keyset, nil
}

// ListKeysets is the response for NUT-02 /v1/keysets
func (m *Mint) ListKeysets() nut02.GetKeysetsResponse {
	keysets := m.keysets.Keysets()
	response := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(keysets))}
	for i, keyset := range keysets {
		response.Keysets[i] = nut02.Keyset{Id: keyset.Id, Unit: keyset.Unit, Active: keyset.Active}
	}
	return response
}

func keysetResponse(keyset crypto.MintKeyset) nut01.GetKeysResponse {
	return nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()},
		},
	}
}

func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.IssuedEcash()
}

func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.RedeemedEcash()
}

// TotalBalance is the ecash in circulation: issued minus redeemed.
func (m *Mint) TotalBalance() (uint64, error) {
	issued, err := m.db.IssuedEcash()
	if err != nil {
		return 0, err
	}
	redeemed, err := m.db.RedeemedEcash()
	if err != nil {
		return 0, err
	}

	var totalIssued, totalRedeemed uint64
	for _, amount := range issued {
		totalIssued += amount
	}
	for _, amount := range redeemed {
		totalRedeemed += amount
	}
	balance, underflow := underflowSubUint64(totalIssued, totalRedeemed)
	if underflow {
		return 0, errors.New("redeemed ecash is greater than issued")
	}
	return balance, nil
}

func (m *Mint) publishMintQuote(quote storage.MintQuote) {
	payload, err := json.Marshal(nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		State:   quote.State,
		Expiry:  quote.Expiry,
	})
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MINT_QUOTE_TOPIC, payload)
}

func (m *Mint) publishProofsState(proofs []storage.DBProof, state nut07.State) {
	for _, proof := range proofs {
		payload, err := json.Marshal(nut07.ProofState{Y: proof.Y, State: state})
		if err != nil {
			continue
		}
		m.publisher.Publish(PROOF_STATE_TOPIC, payload)
	}
}

// returns the sum and whether it overflowed
func overflowAddUint64(a, b uint64) (uint64, bool) {
	if b > math.MaxUint64-a {
		return math.MaxUint64, true
	}
	return a + b, false
}

// returns the difference and whether it underflowed
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

func (m *Mint) logInfof(format string, args ...any) {
	m.log(slog.LevelInfo, format, args...)
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.log(slog.LevelError, format, args...)
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.log(slog.LevelDebug, format, args...)
}

func (m *Mint) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip runtime.Callers, log and the logXf wrapper
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(ctx, record)
}
