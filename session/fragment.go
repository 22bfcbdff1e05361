package session

import (
	"fmt"

	"github.com/ts3go/ts3go/packet"
)

// fragmentGuardBytes bounds how large a single fragmented message may grow
// before the assembly is abandoned as a protocol violation.
const fragmentGuardBytes = 1 << 20 // 1 MiB

// fragmentBuffer accumulates the payloads of consecutive fragmented frames
// of one packet type until the terminating non-fragmented frame arrives.
type fragmentBuffer struct {
	active bool
	lastID uint16
	buf    []byte
}

// Feed folds one incoming frame's payload into the fragment buffer for t.
// fragmented is whether this frame carried the FRAGMENTED flag.
//
// Returns (assembled, true, nil) once a terminating frame completes a
// message. Returns (nil, false, nil) while a message is still assembling.
// A gap in packet ids while a fragment sequence is in progress is treated
// as interleaved fragments of a different message and rejected, matching
// the requirement that fragments of one type never interleave.
func (s *Session) Feed(t packet.Type, id uint16, fragmented bool, payload []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb, ok := s.fragments[t]
	if !ok {
		fb = &fragmentBuffer{}
		s.fragments[t] = fb
	}

	if fb.active && id != nextID(fb.lastID) {
		fb.active = false
		fb.buf = nil
		return nil, false, fmt.Errorf("session: interleaved %v fragments at packet id %d (expected %d)", t, id, nextID(fb.lastID))
	}

	fb.active = true
	fb.lastID = id
	fb.buf = append(fb.buf, payload...)

	if len(fb.buf) > fragmentGuardBytes {
		fb.active = false
		fb.buf = nil
		return nil, false, fmt.Errorf("session: %v fragment buffer exceeded %d bytes", t, fragmentGuardBytes)
	}

	if fragmented {
		return nil, false, nil
	}

	assembled := fb.buf
	fb.active = false
	fb.buf = nil
	return assembled, true, nil
}

func nextID(id uint16) uint16 {
	if id == 0xFFFF {
		return 0
	}
	return id + 1
}
