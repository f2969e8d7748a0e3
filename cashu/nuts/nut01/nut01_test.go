package nut01

import (
	"encoding/json"
	"testing"
)

func TestKeysMapMarshalJSON(t *testing.T) {
	keys := KeysMap{
		16: "03c4",
		1:  "02a1",
		8:  "02b2",
		2:  "03d3",
	}

	jsonKeys, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("unexpected error marshalling keys: %v", err)
	}

	expected := `{"1":"02a1","2":"03d3","8":"02b2","16":"03c4"}`
	if string(jsonKeys) != expected {
		t.Fatalf("expected keys '%v' but got '%v'", expected, string(jsonKeys))
	}

	empty, err := json.Marshal(KeysMap{})
	if err != nil {
		t.Fatalf("unexpected error marshalling keys: %v", err)
	}
	if string(empty) != "{}" {
		t.Fatalf("expected empty keys '{}' but got '%v'", string(empty))
	}
}
