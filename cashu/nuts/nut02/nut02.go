package nut02

// GetKeysetsResponse lists every keyset of the mint, active or not.
type GetKeysetsResponse struct {
	Keysets []Keyset `json:"keysets"`
}

// Keyset describes a keyset without its keys. Wallets fetch the keys
// of a keyset from /v1/keys/{id}.
type Keyset struct {
	Id     string `json:"id"`
	Unit   string `json:"unit"`
	Active bool   `json:"active"`
}
