package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestCMACKAT checks AES-128-CMAC against the NIST SP 800-38B example
// vectors for the empty message and a single full block.
func TestCMACKAT(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")

	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"empty", "", "bb1d6929e95937287fa37d129b756746"},
		{"one-block", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cmac(key, mustHex(t, tc.msg))
			if err != nil {
				t.Fatalf("cmac: %v", err)
			}
			want := mustHex(t, tc.want)
			if !bytes.Equal(got, want) {
				t.Fatalf("cmac mismatch: got %x want %x", got, want)
			}
		})
	}
}

func TestDblDoublesWithReduction(t *testing.T) {
	// A block with the top bit set must fold in the 0x87 reduction constant.
	var in [blockSize]byte
	in[0] = 0x80
	out := dbl(in)
	var want [blockSize]byte
	want[blockSize-1] = 0x87
	if out != want {
		t.Fatalf("dbl with MSB set: got %x want %x", out, want)
	}

	// A block with the top bit clear is a plain left shift.
	in = [blockSize]byte{}
	in[0] = 0x40
	out = dbl(in)
	want = [blockSize]byte{}
	want[0] = 0x80
	if out != want {
		t.Fatalf("dbl without MSB: got %x want %x", out, want)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex literal %q: %v", s, err)
	}
	return b
}
