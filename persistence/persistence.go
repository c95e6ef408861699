// Package persistence owns the JSON schemas of the state a CLI or web
// collaborator persists to disk on the core's behalf (spec.md §6):
// wallets and tokens. Loading and writing that state to disk is a CLI
// concern and stays out of scope, the same way channeldb.DB owns schema
// and migration but never the on-disk path decisions its callers make;
// this package only owns (de)serialization and the structural
// validation a loader should run before trusting what it read.
package persistence

import (
	"encoding/json"

	"github.com/scarcity-net/scarcity/scarcityerr"
)

// Wallet is one entry of the persisted wallet list (spec.md §6).
type Wallet struct {
	Name         string `json:"name"`
	PublicKeyHex string `json:"public_key_hex"`
	SecretKeyHex string `json:"secret_key_hex"`
	IsDefault    bool   `json:"is_default"`
}

// Wallets is the persisted wallet list: a JSON array of Wallet.
type Wallets []Wallet

// MarshalWallets serializes w as the persisted JSON array.
func MarshalWallets(w Wallets) ([]byte, error) {
	return json.Marshal(w)
}

// UnmarshalWallets parses the persisted wallet list and validates the
// at-most-one-default invariant a loader should enforce before trusting
// the result.
func UnmarshalWallets(data []byte) (Wallets, error) {
	var w Wallets
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate checks that at most one wallet is flagged default and that
// no name is empty or repeated.
func (w Wallets) Validate() error {
	seenNames := make(map[string]bool, len(w))
	defaults := 0
	for _, entry := range w {
		if entry.Name == "" {
			return scarcityerr.New(scarcityerr.KindMalformed, "wallets: entry with empty name")
		}
		if seenNames[entry.Name] {
			return scarcityerr.Errorf(scarcityerr.KindMalformed, "wallets: duplicate name %q", entry.Name)
		}
		seenNames[entry.Name] = true
		if entry.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return scarcityerr.Errorf(scarcityerr.KindMalformed, "wallets: %d entries flagged default, want at most 1", defaults)
	}
	return nil
}

// Default returns the wallet flagged is_default, if any.
func (w Wallets) Default() (Wallet, bool) {
	for _, entry := range w {
		if entry.IsDefault {
			return entry, true
		}
	}
	return Wallet{}, false
}

// ByName returns the wallet with the given name, if any.
func (w Wallets) ByName(name string) (Wallet, bool) {
	for _, entry := range w {
		if entry.Name == name {
			return entry, true
		}
	}
	return Wallet{}, false
}

// TokenRecord is one entry of the persisted token list (spec.md §6).
// Metadata is left as a raw JSON value: the core has no opinion on its
// shape, it only round-trips whatever the CLI attached.
type TokenRecord struct {
	ID           string          `json:"id"`
	Amount       int64           `json:"amount"`
	SecretKeyHex string          `json:"secret_key_hex"`
	Wallet       string          `json:"wallet"`
	CreatedMs    int64           `json:"created_ms"`
	Spent        bool            `json:"spent"`
	SpentAtMs    *int64          `json:"spent_at_ms,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// TokenRecords is the persisted token list: a JSON array of TokenRecord.
type TokenRecords []TokenRecord

// MarshalTokenRecords serializes t as the persisted JSON array.
func MarshalTokenRecords(t TokenRecords) ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTokenRecords parses the persisted token list and validates
// the spent/spent_at_ms pairing invariant.
func UnmarshalTokenRecords(data []byte) (TokenRecords, error) {
	var t TokenRecords
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every record with Spent=true carries a
// SpentAtMs, and that no record is missing an id.
func (t TokenRecords) Validate() error {
	for _, rec := range t {
		if rec.ID == "" {
			return scarcityerr.New(scarcityerr.KindMalformed, "tokens: entry with empty id")
		}
		if rec.Spent && rec.SpentAtMs == nil {
			return scarcityerr.Errorf(scarcityerr.KindMalformed, "tokens: %q marked spent with no spent_at_ms", rec.ID)
		}
		if !rec.Spent && rec.SpentAtMs != nil {
			return scarcityerr.Errorf(scarcityerr.KindMalformed, "tokens: %q carries spent_at_ms but is not spent", rec.ID)
		}
	}
	return nil
}

// Unspent returns the subset of records not yet spent, the set a wallet
// balance computation sums over.
func (t TokenRecords) Unspent() TokenRecords {
	out := make(TokenRecords, 0, len(t))
	for _, rec := range t {
		if !rec.Spent {
			out = append(out, rec)
		}
	}
	return out
}

// Balance sums Amount across unspent records belonging to wallet.
func (t TokenRecords) Balance(wallet string) int64 {
	var sum int64
	for _, rec := range t {
		if !rec.Spent && rec.Wallet == wallet {
			sum += rec.Amount
		}
	}
	return sum
}
