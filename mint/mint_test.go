package mint

import (
	"errors"
	"math"
	"testing"

	"github.com/lnmint/lnmint/cashu"
)

func TestOverflowAddUint64(t *testing.T) {
	tests := []struct {
		a                uint64
		b                uint64
		expectedUint64   uint64
		expectedOverflow bool
	}{
		{
			a:                21,
			b:                42,
			expectedUint64:   63,
			expectedOverflow: false,
		},
		{
			a:                math.MaxUint64 - 5,
			b:                10,
			expectedUint64:   math.MaxUint64,
			expectedOverflow: true,
		},
	}

	for _, test := range tests {
		result, overflow := overflowAddUint64(test.a, test.b)
		if result != test.expectedUint64 {
			t.Fatalf("expected result '%v' but got '%v'", test.expectedUint64, result)
		}

		if overflow != test.expectedOverflow {
			t.Fatalf("expected overflow '%v' but got '%v'", test.expectedOverflow, overflow)
		}
	}
}

func TestUnderflowSubUint64(t *testing.T) {
	tests := []struct {
		a                 uint64
		b                 uint64
		expectedUint64    uint64
		expectedUnderflow bool
	}{
		{
			a:                 42,
			b:                 21,
			expectedUint64:    21,
			expectedUnderflow: false,
		},
		{
			a:                 10,
			b:                 210,
			expectedUint64:    0,
			expectedUnderflow: true,
		},
	}

	for _, test := range tests {
		result, underflow := underflowSubUint64(test.a, test.b)
		if result != test.expectedUint64 {
			t.Fatalf("expected result '%v' but got '%v'", test.expectedUint64, result)
		}

		if underflow != test.expectedUnderflow {
			t.Fatalf("expected overflow '%v' but got '%v'", test.expectedUnderflow, underflow)
		}
	}
}

func blankOutputs(t *testing.T, n int, keysetId string) cashu.BlindedMessages {
	t.Helper()

	outputs := createOutputs(t, 1<<n-1, keysetId)
	for i := range outputs {
		outputs[i].Amount = 0
	}
	return outputs
}

func TestVerifyChangeOutputs(t *testing.T) {
	mintServer, _ := setupTestServer(t)
	mint := mintServer.mint
	keysetId := mint.GetActiveKeyset().Id

	outputs := blankOutputs(t, 3, keysetId)
	duplicates := append(cashu.BlindedMessages{}, outputs[0], outputs[0], outputs[1])
	unknownKeyset := blankOutputs(t, 2, "00ffffffffffffff")
	invalidB_ := blankOutputs(t, 2, keysetId)
	invalidB_[1].B_ = "02aa"

	tests := []struct {
		name        string
		outputs     cashu.BlindedMessages
		maxChange   uint64
		expectedErr error
	}{
		{"no outputs", nil, 100, nil},
		// change of 7 needs 3 outputs (4 + 2 + 1)
		{"enough outputs", outputs, 7, nil},
		{"not enough outputs", outputs, 8, cashu.NotEnoughChangeOutputsErr},
		{"duplicate outputs", duplicates, 4, cashu.DuplicateOutputs},
		{"unknown keyset", unknownKeyset, 2, cashu.UnknownKeysetErr},
		{"invalid blinded message", invalidB_, 2, cashu.InvalidBlindedMessage},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := mint.verifyChangeOutputs(test.outputs, test.maxChange)
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
		})
	}
}
