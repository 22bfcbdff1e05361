package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// EphemeralKeypair is the client's per-connection Ed25519 keypair. It is
// used two ways: standard Ed25519 signing (RFC 8032, via crypto/ed25519)
// for the clientek proof, and explicit scalar/point arithmetic on the same
// curve for the handshake's Diffie-Hellman step, which is not X25519.
type EphemeralKeypair struct {
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
	dhScalar *edwards25519.Scalar
}

// NewEphemeralKeypair generates a fresh ephemeral Ed25519 keypair and
// derives its clamped DH scalar (SHA-512 of the seed, standard clamping).
func NewEphemeralKeypair() (*EphemeralKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519dh: generate ephemeral key: %w", err)
	}
	scalar, err := clampedScalarFromSeed(priv.Seed())
	if err != nil {
		return nil, err
	}
	return &EphemeralKeypair{Public: pub, Private: priv, dhScalar: scalar}, nil
}

// clampedScalarFromSeed derives the Ed25519 private scalar from a 32-byte
// seed: SHA-512(seed), clamp per RFC 8032, reduce mod the group order.
func clampedScalarFromSeed(seed []byte) (*edwards25519.Scalar, error) {
	h := sha512.Sum512(seed)
	scalar, err := new(edwards25519.Scalar).SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("ed25519dh: clamp scalar: %w", err)
	}
	return scalar, nil
}

// SharedSecret computes the compressed-point serialization of
// serverPub * clientPriv (scalar multiplication on Ed25519, not X25519).
// An invalid peer point yields random bytes instead of an error, so the
// handshake fails later at the clientek proof step rather than here —
// this mirrors how a malformed server response should surface.
func (k *EphemeralKeypair) SharedSecret(serverPub [32]byte) [32]byte {
	var out [32]byte
	Q, err := new(edwards25519.Point).SetBytes(serverPub[:])
	if err != nil {
		_, _ = rand.Read(out[:])
		return out
	}
	R := new(edwards25519.Point).ScalarMult(k.dhScalar, Q)
	copy(out[:], R.Bytes())
	return out
}

// Sign produces an RFC 8032 Ed25519 signature over msg using the ephemeral
// private key (used to sign the session's shared IV for clientek).
func (k *EphemeralKeypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}
