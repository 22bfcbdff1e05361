package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ts3go/ts3go/packet"
)

// Reliability timing. The source is best-effort and omits retransmission
// entirely; spec §9 calls that a defect to fix, so outstanding Command/
// CommandLow sends here are retried with exponential backoff and the
// session fails with Timeout once a send exhausts its attempts.
const (
	initialRetransmitInterval = 500 * time.Millisecond
	retransmitBackoffFactor   = 2
	maxRetransmitAttempts     = 6
)

type pendingKey struct {
	Type packet.Type
	ID   uint16
}

type pendingSend struct {
	raw      []byte
	attempts int
	interval time.Duration
	deadline time.Time
}

// TrackPending registers a just-sent Command/CommandLow frame as awaiting
// an ack. raw is the already-encoded wire bytes, kept around for resend.
func (s *Session) TrackPending(t packet.Type, id uint16, raw []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey{t, id}] = &pendingSend{
		raw:      raw,
		interval: initialRetransmitInterval,
		deadline: now.Add(initialRetransmitInterval),
	}
}

// AckReceived clears a pending send once its ack arrives. ackType is the
// type carried by the Ack/AckLow frame itself (Ack acks Command, AckLow
// acks CommandLow).
func (s *Session) AckReceived(ackType packet.Type, ackedID uint16) {
	acked := packet.TypeCommand
	if ackType == packet.TypeAckLow {
		acked = packet.TypeCommandLow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingKey{acked, ackedID})
}

// PendingCount reports how many Command/CommandLow sends await an ack.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DueRetransmits returns the wire bytes of every pending send whose
// deadline has passed, advancing each one's backoff. A send that has
// exhausted maxRetransmitAttempts is dropped from tracking and reported via
// timedOut so the caller can fail the session with Timeout.
func (s *Session) DueRetransmits(now time.Time) (toResend [][]byte, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.pending {
		if now.Before(p.deadline) {
			continue
		}
		p.attempts++
		if p.attempts > maxRetransmitAttempts {
			delete(s.pending, key)
			timedOut = true
			continue
		}
		toResend = append(toResend, p.raw)
		p.interval *= retransmitBackoffFactor
		p.deadline = now.Add(p.interval)
	}
	return toResend, timedOut
}

// BuildAck constructs the Ack (resp. AckLow) frame replying to a received
// Command (resp. CommandLow) packet id.
func (s *Session) BuildAck(forType packet.Type, ackedID uint16) (packet.Frame, error) {
	ackType := packet.TypeAck
	if forType == packet.TypeCommandLow {
		ackType = packet.TypeAckLow
	} else if forType != packet.TypeCommand {
		return packet.Frame{}, fmt.Errorf("session: cannot ack packet type %v", forType)
	}

	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], ackedID)
	return s.EncryptSend(ackType, 0, payload[:])
}
