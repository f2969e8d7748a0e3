// Package cashu contains the core structs and logic
// of the Cashu protocol as used by the mint.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type Unit int

const (
	Sat Unit = iota

	BOLT11_METHOD = "bolt11"

	// max denominations per keyset: amounts 2^0 ... 2^63
	MaxOrder = 64
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

var ErrInvalidUnit = errors.New("invalid unit")

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	B_     string `json:"B_"`
	Id     string `json:"id"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// doing pointer here so that omitempty works.
	// an empty struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	// doing pointer here so that omitempty works.
	// an empty struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Is matches on the error code so that a wrapped or rebuilt
// error can be compared against the values below.
func (e Error) Is(target error) bool {
	var cashuErr Error
	switch t := target.(type) {
	case Error:
		cashuErr = t
	case *Error:
		if t == nil {
			return false
		}
		cashuErr = *t
	default:
		return false
	}
	return e.Code == cashuErr.Code && e.Detail == cashuErr.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	AmountsDoNotMatchErrCode       CashuErrCode = 11003
	DuplicateErrCode               CashuErrCode = 11004
	UnitErrCode                    CashuErrCode = 11005
	AmountLimitExceeded            CashuErrCode = 11006
	PaymentMethodErrCode           CashuErrCode = 11007

	UnknownKeysetErrCode       CashuErrCode = 12001
	InactiveKeysetErrCode      CashuErrCode = 12002
	UnknownDenominationErrCode CashuErrCode = 12003

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	PaymentFailedErrCode           CashuErrCode = 20004
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	QuoteExpiredErrCode            CashuErrCode = 20007
	BackendUnavailableErrCode      CashuErrCode = 20008
	MeltQuoteErrCode               CashuErrCode = 20009
)

var (
	StandardErr                  = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr                 = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	UnknownKeysetErr             = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	UnknownDenominationErr       = Error{Detail: "amount is not a denomination of the keyset", Code: UnknownDenominationErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidBlindedMessageAmount  = Error{Detail: "invalid amount in blinded message", Code: StandardErrCode}
	InvalidBlindedMessage        = Error{Detail: "invalid blinded message", Code: StandardErrCode}
	NoOutputsProvided            = Error{Detail: "no outputs provided", Code: StandardErrCode}
	BlindedMessageAlreadySigned  = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	DuplicateOutputs             = Error{Detail: "duplicate outputs", Code: DuplicateErrCode}
	MintQuoteRequestNotPaid      = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued       = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintingDisabled              = Error{Detail: "minting is disabled", Code: MintingDisabledErrCode}
	MintAmountExceededErr        = Error{Detail: "max amount for minting exceeded", Code: AmountLimitExceeded}
	MaxBalanceExceededErr        = Error{Detail: "mint has reached its max balance", Code: AmountLimitExceeded}
	QuoteExpiredErr              = Error{Detail: "quote has expired", Code: QuoteExpiredErrCode}
	AmountsDoNotMatchErr         = Error{Detail: "amounts of inputs and outputs do not match", Code: AmountsDoNotMatchErrCode}
	ProofAlreadyUsedErr          = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr              = Error{Detail: "proof is pending", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr              = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided             = Error{Detail: "no proofs provided", Code: InvalidProofErrCode}
	DuplicateProofs              = Error{Detail: "duplicate proofs", Code: DuplicateErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePending                 = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	MeltQuoteFailed              = Error{Detail: "quote payment has already failed", Code: MeltQuoteErrCode}
	MeltAmountExceededErr        = Error{Detail: "max amount for melting exceeded", Code: AmountLimitExceeded}
	MeltQuoteForRequestExists    = Error{Detail: "melt quote for payment request already exists", Code: MeltQuoteErrCode}
	AmountlessInvoiceErr         = Error{Detail: "amountless invoices are not supported", Code: MeltQuoteErrCode}
	InvalidPaymentRequestErr     = Error{Detail: "invalid payment request", Code: MeltQuoteErrCode}
	NotEnoughChangeOutputsErr    = Error{Detail: "not enough blank outputs for change", Code: StandardErrCode}
	PaymentFailedErr             = Error{Detail: "lightning payment failed", Code: PaymentFailedErrCode}
	BackendUnavailableErr        = Error{Detail: "lightning backend unavailable, try again later", Code: BackendUnavailableErrCode}
	InsufficientProofsAmount     = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
	InactiveKeysetSignatureRequest = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
)

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
// from nutshell implementation
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

// IsPowerOfTwo reports whether amount is a valid denomination.
func IsPowerOfTwo(amount uint64) bool {
	return amount != 0 && amount&(amount-1) == 0
}

// CheckDuplicateProofs reports whether the same secret appears more than once.
func CheckDuplicateProofs(proofs Proofs) bool {
	secrets := make(map[string]bool, len(proofs))

	for _, proof := range proofs {
		if secrets[proof.Secret] {
			return true
		}
		secrets[proof.Secret] = true
	}

	return false
}

// CheckDuplicateBlindedMessages reports whether the same B_ appears more than once.
func CheckDuplicateBlindedMessages(bms BlindedMessages) bool {
	seen := make(map[string]bool, len(bms))

	for _, bm := range bms {
		if seen[bm.B_] {
			return true
		}
		seen[bm.B_] = true
	}

	return false
}

func GenerateRandomQuoteId() (string, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(randomBytes)
	return hex.EncodeToString(hash[:]), nil
}

func Max(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}

func Count(amounts []uint64, amount uint64) uint {
	var count uint = 0
	for _, amt := range amounts {
		if amt == amount {
			count++
		}
	}
	return count
}
