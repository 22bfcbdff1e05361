package crypto

import (
	"crypto/sha256"
	"encoding/binary"
)

// PacketKeyNonce derives the per-packet (key, nonce) pair for EAX encryption
// from the session's shared IV, the packet's type and id, the per-type
// generation counter, and the direction of travel.
//
// The KDF buffer is: direction(1) || type(1) || generation(4, BE) ||
// sharedIV(64), hashed with SHA-256; key = hash[0:16], nonce = hash[16:32].
// The packet id is then folded into the key's first two bytes.
func PacketKeyNonce(clientToServer bool, packetType uint8, packetID uint16, generation uint32, sharedIV [64]byte) (key, nonce [16]byte) {
	var buf [70]byte
	if clientToServer {
		buf[0] = 0x31
	} else {
		buf[0] = 0x30
	}
	buf[1] = packetType
	binary.BigEndian.PutUint32(buf[2:6], generation)
	copy(buf[6:70], sharedIV[:])

	sum := sha256.Sum256(buf[:])
	copy(key[:], sum[0:16])
	copy(nonce[:], sum[16:32])

	key[0] ^= byte(packetID >> 8)
	key[1] ^= byte(packetID)
	return key, nonce
}
