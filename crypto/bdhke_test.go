package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Fatalf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestHashToCurveDeterministic(t *testing.T) {
	Y1, err := HashToCurve([]byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Y2, err := HashToCurve([]byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Y1.IsEqual(Y2) {
		t.Fatal("expected same point for same message")
	}

	Y3, err := HashToCurve([]byte("other secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Y1.IsEqual(Y3) {
		t.Fatal("expected different points for different messages")
	}
}

func TestBlindMessageWithUnitFactor(t *testing.T) {
	// with r = 1, B_ = Y + G
	one, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	r := secp256k1.PrivKeyFromBytes(one)

	B_, _, err := BlindMessage("test_message", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Y, _ := HashToCurve([]byte("test_message"))
	var Ypoint, Gpoint, expected secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)
	r.PubKey().AsJacobian(&Gpoint)
	secp256k1.AddNonConst(&Ypoint, &Gpoint, &expected)
	expected.ToAffine()

	if !B_.IsEqual(secp256k1.NewPublicKey(&expected.X, &expected.Y)) {
		t.Fatal("B_ != Y + G")
	}
}

func TestSignBlindedMessage(t *testing.T) {
	one, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(one)

	B_, _, err := BlindMessage("test_message", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// signing with k = 1 returns the blinded message
	C_ := SignBlindedMessage(B_, k)
	if !C_.IsEqual(B_) {
		t.Fatalf("expected C_ '%x' to equal B_ '%x'", C_.SerializeCompressed(), B_.SerializeCompressed())
	}
}

func TestUnblindSignature(t *testing.T) {
	one, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, K := btcec.PrivKeyFromBytes(one)
	r, _ := btcec.PrivKeyFromBytes(one)

	B_, _, err := BlindMessage("test_message", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	C_ := SignBlindedMessage(B_, k)

	// with k = 1 and r = 1, C = Y
	C := UnblindSignature(C_, r, K)
	Y, _ := HashToCurve([]byte("test_message"))
	if !C.IsEqual(Y) {
		t.Fatalf("expected C '%x' to equal Y '%x'", C.SerializeCompressed(), Y.SerializeCompressed())
	}
}

func TestVerify(t *testing.T) {
	secret := "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"

	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	K := k.PubKey()

	B_, r, err := BlindMessage(secret, nil)
	if err != nil {
		t.Fatal(err)
	}
	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, K)

	if !Verify(secret, k, C) {
		t.Fatal("failed verification")
	}

	// same signature does not verify a different secret
	if Verify("another secret", k, C) {
		t.Fatal("verification should fail for a different secret")
	}

	// or under a different key
	otherKey, _ := secp256k1.GeneratePrivateKey()
	if Verify(secret, otherKey, C) {
		t.Fatal("verification should fail with a different key")
	}
}
