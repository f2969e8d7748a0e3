// Package nut12 contains helpers to check the DLEQ proofs
// attached to blind signatures as defined in [NUT-12]
//
// [NUT-12]: https://github.com/cashubtc/nuts/blob/main/12.md
package nut12

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/crypto"
)

// VerifyBlindSignatureDLEQ checks that C_ was produced with the private key
// behind the public key A for the blinded message B_.
func VerifyBlindSignatureDLEQ(
	dleq cashu.DLEQProof,
	A *secp256k1.PublicKey,
	B_str string,
	C_str string,
) bool {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}

	B_, err := parsePublicKey(B_str)
	if err != nil {
		return false
	}
	C_, err := parsePublicKey(C_str)
	if err != nil {
		return false
	}

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// VerifyProofDLEQ checks the DLEQ carried by an unblinded proof.
// The blinding factor r in the proof is used to reconstruct B_ and C_.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	if proof.DLEQ == nil {
		return false
	}
	e, s, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, _, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	C, err := parsePublicKey(proof.C)
	if err != nil {
		return false
	}

	// C_ = C + r*A
	var CPoint, APoint, rAPoint, C_Point secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

func ParseDLEQ(dleq cashu.DLEQProof) (
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	error,
) {
	ebytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	e := secp256k1.PrivKeyFromBytes(ebytes)

	sbytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}
	s := secp256k1.PrivKeyFromBytes(sbytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}

	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	r := secp256k1.PrivKeyFromBytes(rbytes)

	return e, s, r, nil
}

func parsePublicKey(hexKey string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(keyBytes)
}
