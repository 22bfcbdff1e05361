// Package session owns an authenticated TS3 connection's encryption state:
// per-type packet id/generation counters, per-packet EAX encrypt/decrypt,
// fragment reassembly, and Command/CommandLow reliability.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ts3go/ts3go/crypto"
	"github.com/ts3go/ts3go/packet"
)

// Transport is the datagram contract the session is driven over.
type Transport interface {
	Send(ctx context.Context, raw []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// counterState tracks one packet type's independent id/generation sequence.
type counterState struct {
	nextID  uint16 // next id to assign (send side); the recv side uses haveSeq/lastID
	gen     uint32
	haveSeq bool
	lastID  uint16
}

// Session holds everything a connection needs to turn Frames into
// ciphertext and back, once the handshake has produced a shared IV.
type Session struct {
	mu sync.Mutex

	sharedIV    [64]byte
	ownClientID uint16

	send map[packet.Type]*counterState
	recv map[packet.Type]*counterState

	fragments map[packet.Type]*fragmentBuffer

	pending map[pendingKey]*pendingSend
}

// New creates a Session bound to the given shared IV and own client id (as
// assigned by the server in initserver).
func New(sharedIV [64]byte, ownClientID uint16) *Session {
	return &Session{
		sharedIV:    sharedIV,
		ownClientID: ownClientID,
		send:        make(map[packet.Type]*counterState),
		recv:        make(map[packet.Type]*counterState),
		fragments:   make(map[packet.Type]*fragmentBuffer),
		pending:     make(map[pendingKey]*pendingSend),
	}
}

// SeedSendState primes an outgoing counter (used to carry over the Command
// send id/generation left by the handshake).
func (s *Session) SeedSendState(t packet.Type, nextID uint16, gen uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send[t] = &counterState{nextID: nextID, gen: gen}
}

// SeedRecvState primes an incoming counter's last-seen id (used to carry
// over the Command recv id/generation left by the handshake).
func (s *Session) SeedRecvState(t packet.Type, lastID uint16, gen uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv[t] = &counterState{haveSeq: true, lastID: lastID, gen: gen}
}

func (s *Session) nextSendCounter(t packet.Type) (id uint16, gen uint32) {
	st, ok := s.send[t]
	if !ok {
		st = &counterState{}
		s.send[t] = st
	}
	id, gen = st.nextID, st.gen
	if st.nextID == 0xFFFF {
		st.nextID = 0
		st.gen++
	} else {
		st.nextID++
	}
	return id, gen
}

// peekRecvGeneration computes the generation a received packet id would use
// for key derivation, without committing any change to the stored
// last-seen id/generation. A failed MAC must leave the sequence exactly as
// it was, so callers commit via commitRecvCounter only after the packet
// verifies.
func (s *Session) peekRecvGeneration(t packet.Type, id uint16) uint32 {
	st, ok := s.recv[t]
	if !ok || !st.haveSeq {
		if ok {
			return st.gen
		}
		return 0
	}
	gen := st.gen
	if id < st.lastID {
		gen++
	}
	return gen
}

// commitRecvCounter advances the stored last-seen id/generation for t. Call
// only after the packet at id has verified successfully.
func (s *Session) commitRecvCounter(t packet.Type, id uint16) {
	st, ok := s.recv[t]
	if !ok {
		s.recv[t] = &counterState{haveSeq: true, lastID: id}
		return
	}
	if !st.haveSeq {
		st.haveSeq = true
		st.lastID = id
		return
	}
	if id < st.lastID {
		st.gen++
	}
	st.lastID = id
}

// EncryptSend builds a fully-formed, encrypted client->server Frame for the
// given packet type and plaintext payload, consuming the next send
// id/generation for that type.
func (s *Session) EncryptSend(t packet.Type, flags uint8, payload []byte) (packet.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, gen := s.nextSendCounter(t)
	meta := packet.Meta{PacketID: id, ClientID: s.ownClientID, TypeByte: uint8(t) | flags}
	header := packet.EncodeMeta(true, meta)

	key, nonce := crypto.PacketKeyNonce(true, uint8(t), id, gen, s.sharedIV)
	ciphertext, tag, err := crypto.SealEAX(key[:], nonce[:], header, payload)
	if err != nil {
		return packet.Frame{}, fmt.Errorf("session: seal %v packet: %w", t, err)
	}
	var mac [packet.MACLen]byte
	copy(mac[:], tag)

	return packet.Frame{MAC: mac, Meta: meta, Payload: ciphertext}, nil
}

// DecryptRecv decodes a raw server->client datagram and, for encrypted
// types, verifies and decrypts its payload. A MAC failure is reported via
// ok=false with no error: per spec this is a silent drop, never fatal.
func (s *Session) DecryptRecv(raw []byte) (f packet.Frame, plaintext []byte, ok bool, err error) {
	f, err = packet.Decode(false, raw)
	if err != nil {
		return packet.Frame{}, nil, false, err
	}

	if f.Meta.HasFlag(packet.FlagUnencrypted) {
		return f, f.Payload, true, nil
	}

	s.mu.Lock()
	gen := s.peekRecvGeneration(f.Meta.Type(), f.Meta.PacketID)
	s.mu.Unlock()

	key, nonce := crypto.PacketKeyNonce(false, f.Meta.TypeByte&0x0F, f.Meta.PacketID, gen, s.sharedIV)
	header := f.MetaBytes(false)
	pt, err := crypto.OpenEAX(key[:], nonce[:], header, f.Payload, f.MAC[:])
	if err != nil {
		return f, nil, false, nil
	}

	s.mu.Lock()
	s.commitRecvCounter(f.Meta.Type(), f.Meta.PacketID)
	s.mu.Unlock()

	return f, pt, true, nil
}

// OwnClientID returns the client id assigned during the handshake.
func (s *Session) OwnClientID() uint16 {
	return s.ownClientID
}
