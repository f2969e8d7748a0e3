package nut01

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
)

type GetKeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id   string  `json:"id"`
	Unit string  `json:"unit"`
	Keys KeysMap `json:"keys"`
}

// KeysMap maps each amount of a keyset to its hex encoded public key.
// It is encoded with the amounts in ascending order.
type KeysMap map[uint64]string

func (km KeysMap) MarshalJSON() ([]byte, error) {
	amounts := make([]uint64, 0, len(km))
	for amount := range km {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, amount := range amounts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatUint(amount, 10)))
		buf.WriteByte(':')

		pubkey, err := json.Marshal(km[amount])
		if err != nil {
			return nil, err
		}
		buf.Write(pubkey)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
