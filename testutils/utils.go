// Package testutils has helpers to set up a mint backed by the fake
// lightning backend and to build the outputs and proofs a wallet would.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/crypto"
	"github.com/lnmint/lnmint/mint"
	"github.com/lnmint/lnmint/mint/lightning"
)

func MintConfig(
	backend lightning.Client,
	port int,
	dbpath string,
	limits mint.MintLimits,
) (*mint.Config, error) {
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		return nil, err
	}

	mintConfig := &mint.Config{
		Port:              port,
		MintPath:          dbpath,
		DBBackend:         mint.SQLiteBackend,
		Limits:            limits,
		LightningClient:   backend,
		LogLevel:          mint.Disable,
		MeltTimeout:       2 * time.Second,
		ReconcileInterval: time.Hour,
	}

	return mintConfig, nil
}

func CreateTestMint(
	backend lightning.Client,
	dbpath string,
	limits mint.MintLimits,
) (*mint.Mint, error) {
	config, err := MintConfig(backend, 0, dbpath, limits)
	if err != nil {
		return nil, err
	}

	mint, err := mint.LoadMint(*config)
	if err != nil {
		return nil, err
	}
	return mint, nil
}

func CreateTestMintServer(
	backend lightning.Client,
	port int,
	dbpath string,
) (*mint.MintServer, error) {
	config, err := MintConfig(backend, port, dbpath, mint.MintLimits{})
	if err != nil {
		return nil, err
	}

	mintServer, err := mint.SetupMintServer(*config)
	if err != nil {
		return nil, err
	}

	return mintServer, nil
}

func newBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) cashu.BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return cashu.BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

func blindRandomSecret() (string, *secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	// generate new private key r
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", nil, nil, err
	}

	// generate random secret until it finds valid point
	for {
		secretBytes, err := GenerateRandomBytes()
		if err != nil {
			return "", nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)
		B_, r, err := crypto.BlindMessage(secret, r)
		if err == nil {
			return secret, B_, r, nil
		}
	}
}

func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		secret, B_, r, err := blindRandomSecret()
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = newBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// CreateBlankOutputs creates n outputs with amount 0 to receive change in a melt.
func CreateBlankOutputs(n int, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	blindedMessages := make(cashu.BlindedMessages, n)
	secrets := make([]string, n)
	rs := make([]*secp256k1.PrivateKey, n)

	for i := 0; i < n; i++ {
		secret, B_, r, err := blindRandomSecret()
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = newBlindedMessage(keysetId, 0, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// ConstructProofs unblinds the signatures. The signatures must be in the
// same order as the secrets and rs used for the outputs.
func ConstructProofs(blindedSignatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey, keyset crypto.MintKeyset) (cashu.Proofs, error) {

	if len(blindedSignatures) > len(secrets) || len(secrets) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		keypair, ok := keyset.Keys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("key not found")
		}

		C := crypto.UnblindSignature(C_, rs[i], keypair.PublicKey)
		Cstr := hex.EncodeToString(C.SerializeCompressed())

		proof := cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      Cstr,
			Id:     blindedSignature.Id,
		}
		if blindedSignature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		proofs[i] = proof
	}

	return proofs, nil
}

// GetBlindedSignatures requests a mint quote, pays it on the fake backend
// and mints outputs for the amount.
func GetBlindedSignatures(amount uint64, m *mint.Mint, backend *lightning.FakeBackend) (
	cashu.BlindedMessages,
	[]string,
	[]*secp256k1.PrivateKey,
	cashu.BlindedSignatures,
	error) {

	mintQuote, err := m.RequestMintQuote(mint.BOLT11_METHOD, amount, mint.SAT_UNIT)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, secrets, rs, err := CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error creating blinded message: %v", err)
	}

	if err := backend.SettleInvoice(mintQuote.PaymentHash); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error paying invoice: %v", err)
	}

	blindedSignatures, err := m.MintTokens(mint.BOLT11_METHOD, mintQuote.Id, blindedMessages)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("got unexpected error minting tokens: %v", err)
	}

	return blindedMessages, secrets, rs, blindedSignatures, nil
}

func GetValidProofsForAmount(amount uint64, m *mint.Mint, backend *lightning.FakeBackend) (cashu.Proofs, error) {
	keyset := m.GetActiveKeyset()
	_, secrets, rs, blindedSignatures, err := GetBlindedSignatures(amount, m, backend)
	if err != nil {
		return nil, fmt.Errorf("error generating blinded signatures: %v", err)
	}

	proofs, err := ConstructProofs(blindedSignatures, secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	return proofs, nil
}

func GetAvailablePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, err
	}
	return randomBytes, nil
}
