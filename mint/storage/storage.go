// Package storage defines the persistence contract of the mint.
//
// Every method that moves value (spending proofs, issuing a quote,
// starting or settling a melt) is a single atomic unit: either all of
// its writes become visible or none do.
package storage

import (
	"errors"

	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
)

var (
	ErrProofSpent           = errors.New("proof already spent")
	ErrProofPending         = errors.New("proof is pending")
	ErrBlindedMessageSigned = errors.New("blinded message already signed")
	ErrQuoteStateMismatch   = errors.New("quote is not in the expected state")
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrSeedNotFound         = errors.New("seed not found")
	ErrSignatureNotFound    = errors.New("blind signature not found")
)

type MintDB interface {
	SaveSeed([]byte) error
	// GetSeed returns ErrSeedNotFound if no seed has been saved yet.
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// SpendProofs marks all proofs as spent and records the signatures
	// given in exchange. It fails with ErrProofSpent or ErrProofPending if
	// any proof was already spent or is pending, and with
	// ErrBlindedMessageSigned if any B_ was already signed. On error
	// nothing is written.
	SpendProofs(proofs []DBProof, B_s []string, signatures cashu.BlindedSignatures) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)

	SaveMintQuote(MintQuote) error
	// GetMintQuote returns ErrQuoteNotFound if the quote does not exist.
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	// UpdateMintQuoteState moves the quote to state 'to' only if it is
	// currently in state 'from'. Otherwise returns ErrQuoteStateMismatch.
	UpdateMintQuoteState(quoteId string, from, to nut04.State) error
	// IssueMintQuote transitions the quote from PAID to ISSUED and records
	// the signatures in the same transaction.
	IssueMintQuote(quoteId string, B_s []string, signatures cashu.BlindedSignatures) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	GetMeltQuoteByPaymentRequest(string) (*MeltQuote, error)
	GetMeltQuotesByState(nut05.State) ([]MeltQuote, error)
	// BeginMelt transitions the quote from UNPAID to PENDING, stores the
	// blank outputs for change and marks the proofs as pending for the quote.
	BeginMelt(quoteId string, proofs []DBProof, changeOutputs cashu.BlindedMessages) error
	// SettleMelt transitions a PENDING quote to its final state. Pending
	// proofs of the quote are either burned (moved to the spent set) or
	// released depending on settlement.BurnProofs.
	SettleMelt(settlement MeltSettlement) error

	// GetBlindSignature returns ErrSignatureNotFound if B_ was never signed.
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// IssuedEcash returns the total amount signed per keyset.
	IssuedEcash() (map[string]uint64, error)
	// RedeemedEcash returns the total amount of spent proofs per keyset.
	RedeemedEcash() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
}

type DBProof struct {
	Y      string
	Amount uint64
	Id     string
	Secret string
	C      string
	// only set for pending proofs
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	FeePaid        uint64
	ChangeOutputs  cashu.BlindedMessages
	Change         cashu.BlindedSignatures
}

type MeltSettlement struct {
	QuoteId string
	// Paid or Failed
	State    nut05.State
	Preimage string
	FeePaid  uint64
	// if true the pending proofs are moved to the spent set,
	// otherwise they are released and can be spent again.
	BurnProofs bool
	B_s        []string
	Change     cashu.BlindedSignatures
}
