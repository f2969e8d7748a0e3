package cashu

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 0, expected: []uint64{}},
		{amount: 1, expected: []uint64{1}},
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 100, expected: []uint64{4, 32, 64}},
		{amount: 1 << 63, expected: []uint64{1 << 63}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Fatalf("expected '%v' but got '%v'", test.expected, split)
		}

		var sum uint64
		for _, amount := range split {
			sum += amount
		}
		if sum != test.amount {
			t.Fatalf("split of '%v' adds up to '%v'", test.amount, sum)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{64, true},
		{100, false},
		{1 << 63, true},
	}

	for _, test := range tests {
		if IsPowerOfTwo(test.amount) != test.expected {
			t.Fatalf("IsPowerOfTwo(%v): expected '%v'", test.amount, test.expected)
		}
	}
}

func TestCheckDuplicates(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Secret: "secret1", C: "c1"},
		{Amount: 2, Secret: "secret2", C: "c2"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Fatal("expected no duplicates")
	}

	// same secret, different amount and signature is still a duplicate
	proofs = append(proofs, Proof{Amount: 4, Secret: "secret1", C: "c3"})
	if !CheckDuplicateProofs(proofs) {
		t.Fatal("expected duplicate proofs")
	}

	outputs := BlindedMessages{{Amount: 1, B_: "b1"}, {Amount: 2, B_: "b2"}}
	if CheckDuplicateBlindedMessages(outputs) {
		t.Fatal("expected no duplicate outputs")
	}
	outputs = append(outputs, BlindedMessage{Amount: 8, B_: "b2"})
	if !CheckDuplicateBlindedMessages(outputs) {
		t.Fatal("expected duplicate outputs")
	}
}

func TestErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("swap: %w", ProofAlreadyUsedErr)
	if !errors.Is(wrapped, ProofAlreadyUsedErr) {
		t.Fatal("expected wrapped error to match")
	}

	rebuilt := BuildCashuError(ProofAlreadyUsedErr.Detail, ProofAlreadyUsedErr.Code)
	if !errors.Is(rebuilt, ProofAlreadyUsedErr) {
		t.Fatal("expected rebuilt error to match")
	}

	if errors.Is(ProofPendingErr, ProofAlreadyUsedErr) {
		t.Fatal("pending and spent errors should not match")
	}
}

func TestGenerateRandomQuoteId(t *testing.T) {
	id1, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(id1) != 64 {
		t.Fatalf("expected quote id of length 64 but got %v", len(id1))
	}
	if id1 == id2 {
		t.Fatal("expected different quote ids")
	}
}
