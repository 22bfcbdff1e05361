package crypto

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
)

// licenseRootKeyHex is the fixed 32-byte root point every license's Ed25519
// point chain is added onto.
const licenseRootKeyHex = "cd0de2aed46345509a7e3cfd8f68b3dc7555b29dccec73cd18750f993812408a"

var licenseRootKey = func() [32]byte {
	b, err := hex.DecodeString(licenseRootKeyHex)
	if err != nil || len(b) != 32 {
		panic("crypto: malformed license root key constant")
	}
	var out [32]byte
	copy(out[:], b)
	return out
}()

// licenseBlockTypeFixed is the only block type with a fixed 42-byte length;
// every other type runs until (and includes) the next NUL byte.
const licenseBlockTypeFixed = 32

// maxLicenseBlocks bounds the number of chained blocks in a license.
const maxLicenseBlocks = 8

type licenseBlock struct {
	pub  [32]byte
	rest []byte // block[32:end], the hash input for this block's scalar
}

// parseLicenseBlocks walks the license payload (after its 1-byte version
// prefix) and splits it into up to 8 blocks per spec §4.3.2.
func parseLicenseBlocks(license []byte) ([]licenseBlock, error) {
	if len(license) < 1 {
		return nil, fmt.Errorf("license: empty payload")
	}
	data := license[1:] // skip version byte

	var blocks []licenseBlock
	pos := 0
	for i := 0; i < maxLicenseBlocks && pos < len(data); i++ {
		const headerLen = 34 // 32-byte pubkey + 1 reserved byte + 1 type byte
		if pos+headerLen > len(data) {
			return nil, fmt.Errorf("license: block %d truncated before type byte", i)
		}

		var pub [32]byte
		copy(pub[:], data[pos:pos+32])
		blockType := data[pos+33]

		var blockLen int
		if blockType == licenseBlockTypeFixed {
			blockLen = 42
		} else {
			nul := -1
			for j := pos + headerLen; j < len(data); j++ {
				if data[j] == 0 {
					nul = j
					break
				}
			}
			if nul == -1 {
				return nil, fmt.Errorf("license: block %d has no terminating NUL", i)
			}
			blockLen = nul - pos + 1
		}

		if pos+blockLen > len(data) {
			return nil, fmt.Errorf("license: block %d length %d overruns payload", i, blockLen)
		}

		blocks = append(blocks, licenseBlock{
			pub:  pub,
			rest: data[pos+32 : pos+blockLen],
		})
		pos += blockLen
	}
	return blocks, nil
}

// DeriveServerPublicKey walks a license's Ed25519 point chain (spec §4.3.2)
// and returns the server's long-term Ed25519 public key: starting from the
// fixed root point, each block contributes P += scalar(block) * pubkey(block).
// A block whose public key is not a valid curve point is skipped, not fatal;
// the whole derivation only fails if the license payload itself is malformed.
func DeriveServerPublicKey(license []byte) ([32]byte, error) {
	var result [32]byte

	blocks, err := parseLicenseBlocks(license)
	if err != nil {
		return result, err
	}

	p, err := new(edwards25519.Point).SetBytes(licenseRootKey[:])
	if err != nil {
		return result, fmt.Errorf("license: root key is not a valid curve point: %w", err)
	}

	for i, blk := range blocks {
		q, err := new(edwards25519.Point).SetBytes(blk.pub[:])
		if err != nil {
			continue // invalid block public key: skip per spec, not fatal
		}

		h := sha512.Sum512(blk.rest)
		scalar, err := new(edwards25519.Scalar).SetBytesWithClamping(h[:32])
		if err != nil {
			return result, fmt.Errorf("license: block %d scalar clamp: %w", i, err)
		}
		if scalar.Equal(edwards25519.NewScalar()) == 1 {
			scalar = oneScalar()
		}

		scaled := new(edwards25519.Point).ScalarMult(scalar, q)
		p = new(edwards25519.Point).Add(p, scaled)
	}

	copy(result[:], p.Bytes())
	return result, nil
}

func oneScalar() *edwards25519.Scalar {
	var buf [32]byte
	buf[0] = 1
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(buf[:])
	if err != nil {
		panic("crypto: scalar value 1 must be canonical")
	}
	return s
}
