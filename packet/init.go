package packet

import "bytes"

// InitMagic replaces the MAC field on every Init-phase packet.
var InitMagic = [MACLen]byte{'T', 'S', '3', 'I', 'N', 'I', 'T', '1'}

// InitPacketID and InitTypeByte are fixed for every Init0..Init4 frame.
// Init frames always use the 13-byte client-shaped header (client id 0),
// in both directions, because no client id has been assigned yet.
const InitPacketID uint16 = 0x0065

var InitTypeByte = FlagUnencrypted | uint8(TypeInit) // 0x88

// IsInitFrame reports whether raw begins with the Init magic.
func IsInitFrame(raw []byte) bool {
	return len(raw) >= MACLen && bytes.Equal(raw[:MACLen], InitMagic[:])
}

// NewInitFrame wraps an Init-phase payload in the fixed Init header.
func NewInitFrame(payload []byte) Frame {
	return Frame{
		MAC: InitMagic,
		Meta: Meta{
			PacketID: InitPacketID,
			ClientID: 0,
			TypeByte: InitTypeByte,
		},
		Payload: payload,
	}
}

// EncodeInit renders an Init frame to wire bytes (always the 13-byte shape).
func EncodeInit(payload []byte) []byte {
	return Encode(true, NewInitFrame(payload))
}

// DecodeInit parses an Init-phase wire frame (always the 13-byte shape) and
// returns its payload.
func DecodeInit(raw []byte) ([]byte, error) {
	f, err := Decode(true, raw)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}
