package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/ts3go/ts3go/crypto"
	"github.com/ts3go/ts3go/packet"
)

func newTestSession() *Session {
	var iv [64]byte
	for i := range iv {
		iv[i] = byte(i)
	}
	return New(iv, 7)
}

func TestEncryptSendPacketIDsMonotonicAndGenerationWraps(t *testing.T) {
	s := newTestSession()
	s.SeedSendState(packet.TypeCommand, 0xFFFE, 5)

	ids := make([]uint16, 0, 3)
	gens := make([]uint32, 0, 3)
	for i := 0; i < 3; i++ {
		// The generation in effect for this send is the counter's value
		// before EncryptSend consumes the id.
		gens = append(gens, s.send[packet.TypeCommand].gen)
		f, err := s.EncryptSend(packet.TypeCommand, 0, []byte("hello"))
		if err != nil {
			t.Fatalf("EncryptSend: %v", err)
		}
		ids = append(ids, f.Meta.PacketID)
	}

	wantIDs := []uint16{0xFFFE, 0xFFFF, 0x0000}
	for i, want := range wantIDs {
		if ids[i] != want {
			t.Fatalf("send %d: id = %#x, want %#x", i, ids[i], want)
		}
	}
	if gens[0] != 5 || gens[1] != 5 || gens[2] != 6 {
		t.Fatalf("generation sequence = %v, want [5 5 6]", gens)
	}
}

func TestObserveRecvCounterBumpsGenerationOnWrap(t *testing.T) {
	s := newTestSession()

	observe := func(id uint16) uint32 {
		gen := s.peekRecvGeneration(packet.TypeCommand, id)
		s.commitRecvCounter(packet.TypeCommand, id)
		return gen
	}

	g1 := observe(0xFFFE)
	g2 := observe(0xFFFF)
	g3 := observe(0x0000)
	g4 := observe(0x0001)

	if g1 != 0 || g2 != 0 {
		t.Fatalf("pre-wrap generations = %d, %d, want 0, 0", g1, g2)
	}
	if g3 != 1 || g4 != 1 {
		t.Fatalf("post-wrap generations = %d, %d, want 1, 1", g3, g4)
	}
}

func TestEncryptSendDecryptsWithMatchingKDF(t *testing.T) {
	s := newTestSession()

	f, err := s.EncryptSend(packet.TypeCommand, 0, []byte("clientinit stuff"))
	if err != nil {
		t.Fatalf("EncryptSend: %v", err)
	}
	raw := packet.Encode(true, f)

	got, err := packet.Decode(true, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	key, nonce := crypto.PacketKeyNonce(true, uint8(packet.TypeCommand), got.Meta.PacketID, 0, s.sharedIV)
	plaintext, err := crypto.OpenEAX(key[:], nonce[:], got.MetaBytes(true), got.Payload, got.MAC[:])
	if err != nil {
		t.Fatalf("OpenEAX: %v", err)
	}
	if string(plaintext) != "clientinit stuff" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "clientinit stuff")
	}
}

func TestDecryptRecvAcceptsValidFrameAndDropsBadMAC(t *testing.T) {
	s := newTestSession()

	meta := packet.Meta{PacketID: 4, TypeByte: uint8(packet.TypeCommand)}
	header := packet.EncodeMeta(false, meta)
	key, nonce := crypto.PacketKeyNonce(false, uint8(packet.TypeCommand), meta.PacketID, 0, s.sharedIV)
	ciphertext, tag, err := crypto.SealEAX(key[:], nonce[:], header, []byte("initserver aclid=1"))
	if err != nil {
		t.Fatalf("SealEAX: %v", err)
	}
	var mac [packet.MACLen]byte
	copy(mac[:], tag)
	raw := packet.Encode(false, packet.Frame{MAC: mac, Meta: meta, Payload: ciphertext})

	_, plaintext, ok, err := s.DecryptRecv(raw)
	if err != nil || !ok {
		t.Fatalf("DecryptRecv valid frame: ok=%v err=%v", ok, err)
	}
	if string(plaintext) != "initserver aclid=1" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	raw[len(raw)-1] ^= 0xFF // corrupt ciphertext
	_, _, ok, err = s.DecryptRecv(raw)
	if err != nil {
		t.Fatalf("DecryptRecv corrupted frame returned error instead of silent drop: %v", err)
	}
	if ok {
		t.Fatal("DecryptRecv should reject a corrupted frame")
	}
}

// TestDecryptRecvBadMACDoesNotAdvanceGeneration guards against a forged
// packet with an id lower than lastID permanently bumping the generation:
// a failed MAC must leave the recv sequence exactly as it was so the next
// legitimate packet still decrypts under the same generation.
func TestDecryptRecvBadMACDoesNotAdvanceGeneration(t *testing.T) {
	s := newTestSession()

	seal := func(id uint16, gen uint32, text string) []byte {
		meta := packet.Meta{PacketID: id, TypeByte: uint8(packet.TypeCommand)}
		header := packet.EncodeMeta(false, meta)
		key, nonce := crypto.PacketKeyNonce(false, uint8(packet.TypeCommand), id, gen, s.sharedIV)
		ciphertext, tag, err := crypto.SealEAX(key[:], nonce[:], header, []byte(text))
		if err != nil {
			t.Fatalf("SealEAX: %v", err)
		}
		var mac [packet.MACLen]byte
		copy(mac[:], tag)
		return packet.Encode(false, packet.Frame{MAC: mac, Meta: meta, Payload: ciphertext})
	}

	// Establish lastID = 100 at generation 0.
	if _, _, ok, err := s.DecryptRecv(seal(100, 0, "a")); err != nil || !ok {
		t.Fatalf("seed frame: ok=%v err=%v", ok, err)
	}

	// A forged frame with a lower id than lastID and a corrupted tag must be
	// silently dropped without bumping the generation.
	forged := seal(50, 0, "forged")
	forged[len(forged)-1] ^= 0xFF
	if _, _, ok, err := s.DecryptRecv(forged); err != nil || ok {
		t.Fatalf("forged frame: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	// A legitimate frame with id 101 must still decrypt under generation 0,
	// not generation 1.
	if _, plaintext, ok, err := s.DecryptRecv(seal(101, 0, "b")); err != nil || !ok {
		t.Fatalf("frame after forged drop: ok=%v err=%v (generation was bumped by the bad MAC)", ok, err)
	} else if string(plaintext) != "b" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "b")
	}
}

func TestFragmentAssemblyAcrossMultiplePackets(t *testing.T) {
	s := newTestSession()

	if assembled, done, err := s.Feed(packet.TypeCommand, 10, true, []byte("AA")); err != nil || done {
		t.Fatalf("fragment 1: assembled=%v done=%v err=%v", assembled, done, err)
	}
	if assembled, done, err := s.Feed(packet.TypeCommand, 11, true, []byte("BB")); err != nil || done {
		t.Fatalf("fragment 2: assembled=%v done=%v err=%v", assembled, done, err)
	}
	assembled, done, err := s.Feed(packet.TypeCommand, 12, false, []byte("CC"))
	if err != nil {
		t.Fatalf("fragment 3: %v", err)
	}
	if !done {
		t.Fatal("expected assembly to complete on non-fragmented frame")
	}
	if !bytes.Equal(assembled, []byte("AABBCC")) {
		t.Fatalf("assembled = %q, want %q", assembled, "AABBCC")
	}
}

func TestFragmentInterleaveRejected(t *testing.T) {
	s := newTestSession()

	if _, done, err := s.Feed(packet.TypeCommand, 20, true, []byte("X")); err != nil || done {
		t.Fatalf("fragment 1: done=%v err=%v", done, err)
	}
	_, done, err := s.Feed(packet.TypeCommand, 25, true, []byte("Y"))
	if err == nil {
		t.Fatal("expected error for interleaved fragment sequence")
	}
	if done {
		t.Fatal("interleaved fragment must not report completion")
	}
}

func TestFragmentGuardRejectsOversizedMessage(t *testing.T) {
	s := newTestSession()
	big := bytes.Repeat([]byte{0xAB}, fragmentGuardBytes+1)

	_, _, err := s.Feed(packet.TypeCommand, 0, true, big)
	if err == nil {
		t.Fatal("expected error for fragment buffer exceeding guard")
	}
}

func TestReliabilityAckClearsPending(t *testing.T) {
	s := newTestSession()
	now := time.Now()

	s.TrackPending(packet.TypeCommand, 3, []byte("raw-bytes"), now)
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", s.PendingCount())
	}

	s.AckReceived(packet.TypeAck, 3)
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount after ack = %d, want 0", s.PendingCount())
	}
}

func TestReliabilityRetransmitsThenTimesOut(t *testing.T) {
	s := newTestSession()
	now := time.Now()
	s.TrackPending(packet.TypeCommand, 9, []byte("raw-bytes"), now)

	interval := initialRetransmitInterval
	var timedOut bool
	for i := 0; i < maxRetransmitAttempts+1; i++ {
		now = now.Add(interval)
		var resent [][]byte
		resent, timedOut = s.DueRetransmits(now)
		if timedOut {
			break
		}
		if len(resent) != 1 {
			t.Fatalf("attempt %d: got %d due retransmits, want 1", i, len(resent))
		}
		interval *= retransmitBackoffFactor
	}
	if !timedOut {
		t.Fatal("expected retransmission to eventually time out")
	}
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount after timeout = %d, want 0", s.PendingCount())
	}
}
