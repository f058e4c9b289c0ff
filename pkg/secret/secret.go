// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package secret holds the per-process signing key used for pagination
// cursors and confirmation tokens. The key never leaves the process;
// signatures minted by one deployment are invalid in another unless both
// are configured with the same key.
package secret

import (
	"encoding/hex"

	"github.com/gtank/cryptopasta"
	"github.com/zeebo/errs"
)

// Error is the secret error class.
var Error = errs.Class("secret")

// Key is a 256-bit HMAC signing key.
type Key struct {
	hmac *[32]byte
}

// Generate creates a fresh random key. Signatures minted with it do not
// survive a process restart.
func Generate() *Key {
	return &Key{hmac: cryptopasta.NewHMACKey()}
}

// FromHex loads a key from its 64-character hex form, for deployments that
// need signatures to remain valid across restarts and replicas.
func FromHex(encoded string) (*Key, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, Error.New("malformed key: %v", err)
	}
	if len(raw) != 32 {
		return nil, Error.New("key must be 32 bytes, got %d", len(raw))
	}
	var hmac [32]byte
	copy(hmac[:], raw)
	return &Key{hmac: &hmac}, nil
}

// Hex returns the hex form of the key.
func (key *Key) Hex() string {
	return hex.EncodeToString(key.hmac[:])
}

// Sign returns the HMAC-SHA512/256 tag of data.
func (key *Key) Sign(data []byte) []byte {
	return cryptopasta.GenerateHMAC(data, key.hmac)
}

// Verify reports whether tag is a valid signature of data. Comparison is
// constant time.
func (key *Key) Verify(data, tag []byte) bool {
	return cryptopasta.CheckHMAC(data, tag, key.hmac)
}
