package gemini

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// authTagSize is the length of the truncated keyed digest appended to the
// CNX request and expected back in the CNX-ACK when WithAuthKey is set; see
// SPEC_FULL.md's "Optional connect authentication" section.
const authTagSize = 8

// computeAuthTag returns a keyed BLAKE2b-256 digest of msg truncated to
// authTagSize bytes. This generalizes the teacher's SASL layer (a pluggable
// authentication step ahead of normal traffic) to a single pre-shared-key
// scheme suited to a point-to-point UDP register bus: BLAKE2b supports keyed
// hashing natively, so no separate HMAC construction is needed.
func computeAuthTag(key, msg []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	sum := h.Sum(nil)
	return sum[:authTagSize], nil
}

// verifyAuthTag reports whether tag is the expected keyed digest of msg,
// using a constant-time comparison to avoid leaking timing information about
// the shared key.
func verifyAuthTag(key, msg, tag []byte) bool {
	if len(tag) != authTagSize {
		return false
	}
	expected, err := computeAuthTag(key, msg)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, tag) == 1
}
