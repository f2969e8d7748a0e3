package crypto

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestDLEQ(t *testing.T) {
	a, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	A := a.PubKey()

	B_, _, err := BlindMessage("dleq secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	C_ := SignBlindedMessage(B_, a)

	e, s, err := GenerateDLEQ(a, B_, C_)
	if err != nil {
		t.Fatalf("unexpected error generating DLEQ: %v", err)
	}

	if !VerifyDLEQ(e, s, A, B_, C_) {
		t.Fatal("DLEQ verification failed")
	}

	// signature under a different key should not verify against A
	other, _ := secp256k1.GeneratePrivateKey()
	otherC_ := SignBlindedMessage(B_, other)
	if VerifyDLEQ(e, s, A, B_, otherC_) {
		t.Fatal("DLEQ verification should fail for signature with different key")
	}
}
