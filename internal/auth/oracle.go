// Package auth provides the broker's password oracle and optional
// reconnect-token issuance.
//
// The wire handshake (see internal/broker) never sees a plaintext
// password comparison: it asks a PasswordOracle for the stored SHA-1 of
// a user's password and does the PLAIN/SHA comparison itself, so the
// oracle implementation can change (in-memory placeholder, file-backed,
// eventually a real credential store) without touching the handshake.
package auth

import "crypto/sha1" //nolint:gosec // wire protocol mandates SHA-1, not a choice

// PasswordOracle answers the one question the handshake needs: what is
// the stored SHA-1 digest of this user's password. A nil-ish miss (user
// unknown) is indistinguishable from a stored digest that just happens
// not to match — this keeps account enumeration out of the protocol.
type PasswordOracle interface {
	ShaPassword(user string) [20]byte
}

// InMemoryOracle is the reference placeholder oracle: every user's
// stored password digest is SHA1(username). It exists to make the
// broker runnable with zero configuration and to pin the invariant
// tests; it is not a credential store.
type InMemoryOracle struct{}

// ShaPassword implements PasswordOracle.
func (InMemoryOracle) ShaPassword(user string) [20]byte {
	return sha1.Sum([]byte(user)) //nolint:gosec // see package doc
}
