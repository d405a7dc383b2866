// Package fingerprint computes the deterministic content hashes that drive
// the sync engine's idempotency checks and echo suppression.
//
// A fingerprint is the SHA-256 of the canonical JSON encoding of a payload:
// object keys sorted, no insignificant whitespace, scalars encoded
// deterministically. Two payloads that differ only in map key order produce
// the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.skia.org/infra/go/skerr"
)

// OfJSON returns the fingerprint of the given raw JSON document. The document
// is decoded and re-encoded so that key order and whitespace do not affect
// the result.
func OfJSON(raw []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", skerr.Wrapf(err, "decoding payload for fingerprinting")
	}
	return of(v)
}

// Of returns the fingerprint of any JSON-encodable value.
func Of(payload interface{}) (string, error) {
	// Round-trip through interface{} so struct field order collapses to the
	// sorted-key map encoding of encoding/json.
	b, err := json.Marshal(payload)
	if err != nil {
		return "", skerr.Wrapf(err, "encoding payload for fingerprinting")
	}
	return OfJSON(b)
}

// MustOf is Of for payloads that cannot fail to encode (plain structs with
// json tags). It panics on error and exists to keep call sites readable.
func MustOf(payload interface{}) string {
	fp, err := Of(payload)
	if err != nil {
		panic(err)
	}
	return fp
}

func of(v interface{}) (string, error) {
	// encoding/json sorts map keys, which is exactly the canonical form we
	// need once the payload has been reduced to maps and slices.
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", skerr.Wrapf(err, "canonicalizing payload")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
