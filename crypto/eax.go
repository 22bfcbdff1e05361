package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

// TagSize is the truncated EAX tag length used on the wire (spec: 8 bytes,
// not the full 16-byte OMAC output).
const TagSize = 8

// SealEAX encrypts plaintext under AES-128 EAX with the given key and nonce,
// authenticating header as associated data. It returns the ciphertext (same
// length as plaintext) and the 8-byte truncated tag.
func SealEAX(key, nonce, header, plaintext []byte) (ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("eax: new cipher: %w", err)
	}

	n, err := omac(key, 0, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("eax: omac(nonce): %w", err)
	}

	ciphertext = make([]byte, len(plaintext))
	cipher.NewCTR(block, n).XORKeyStream(ciphertext, plaintext)

	h, err := omac(key, 1, header)
	if err != nil {
		return nil, nil, fmt.Errorf("eax: omac(header): %w", err)
	}
	c, err := omac(key, 2, ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("eax: omac(ciphertext): %w", err)
	}

	full := xor3(n, h, c)
	return ciphertext, full[:TagSize], nil
}

// OpenEAX verifies tag against (key, nonce, header, ciphertext) in constant
// time and, on success, decrypts ciphertext in place of the returned slice.
// A tag mismatch returns an error and no plaintext; callers must treat this
// as a silent packet drop, not a fatal session error.
func OpenEAX(key, nonce, header, ciphertext, tag []byte) (plaintext []byte, err error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("eax: tag length %d, want %d", len(tag), TagSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("eax: new cipher: %w", err)
	}

	n, err := omac(key, 0, nonce)
	if err != nil {
		return nil, fmt.Errorf("eax: omac(nonce): %w", err)
	}
	h, err := omac(key, 1, header)
	if err != nil {
		return nil, fmt.Errorf("eax: omac(header): %w", err)
	}
	c, err := omac(key, 2, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("eax: omac(ciphertext): %w", err)
	}
	full := xor3(n, h, c)

	if subtle.ConstantTimeCompare(full[:TagSize], tag) != 1 {
		return nil, fmt.Errorf("eax: tag mismatch")
	}

	plaintext = make([]byte, len(ciphertext))
	cipher.NewCTR(block, n).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func xor3(a, b, c []byte) [blockSize]byte {
	var out [blockSize]byte
	for i := 0; i < blockSize; i++ {
		out[i] = a[i] ^ b[i] ^ c[i]
	}
	return out
}
