package crypto

import (
	"fmt"
	"math/big"
)

// PuzzleLevelCeiling caps the handshake's modular-squaring puzzle level to
// guard against a hostile or misconfigured server forcing unbounded CPU work.
const PuzzleLevelCeiling = 10_000_000

// SolvePuzzle computes y = x^(2^level) mod n by `level` successive
// modular squarings, as required by the Init3/Init4 handshake leg. x and n
// are 512-bit big-endian integers; the result is returned the same way.
// level above PuzzleLevelCeiling is rejected without doing any work.
func SolvePuzzle(x, n [64]byte, level uint32) ([64]byte, error) {
	var y [64]byte
	if level > PuzzleLevelCeiling {
		return y, fmt.Errorf("puzzle: level %d exceeds ceiling %d", level, PuzzleLevelCeiling)
	}

	modulus := new(big.Int).SetBytes(n[:])
	if modulus.Sign() == 0 {
		return y, fmt.Errorf("puzzle: modulus n is zero")
	}

	result := new(big.Int).SetBytes(x[:])
	result.Mod(result, modulus)
	for i := uint32(0); i < level; i++ {
		result.Mul(result, result)
		result.Mod(result, modulus)
	}

	b := result.Bytes()
	if len(b) > len(y) {
		return y, fmt.Errorf("puzzle: result overflows 64 bytes")
	}
	copy(y[len(y)-len(b):], b)
	return y, nil
}
