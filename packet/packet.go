// Package packet implements the TS3 wire framing: the common packet header,
// its two on-wire shapes (client→server carries an extra client-id field),
// and the literal-prefixed Init packet used before a client id exists.
package packet

import (
	"encoding/binary"
	"fmt"
)

// Type is the low nibble of a packet's type/flags byte.
type Type uint8

const (
	TypeVoice        Type = 0
	TypeVoiceWhisper Type = 1
	TypeCommand      Type = 2
	TypeCommandLow   Type = 3
	TypePing         Type = 4
	TypePong         Type = 5
	TypeAck          Type = 6
	TypeAckLow       Type = 7
	TypeInit         Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeVoice:
		return "Voice"
	case TypeVoiceWhisper:
		return "VoiceWhisper"
	case TypeCommand:
		return "Command"
	case TypeCommandLow:
		return "CommandLow"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeAck:
		return "Ack"
	case TypeAckLow:
		return "AckLow"
	case TypeInit:
		return "Init"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Flag bits occupy the high nibble of the type/flags byte.
const (
	FlagUnencrypted uint8 = 0x80
	FlagCompressed  uint8 = 0x40
	FlagNewProtocol uint8 = 0x20
	FlagFragmented  uint8 = 0x10
)

const (
	MACLen          = 8
	ServerHeaderLen = 11 // MAC(8) + packetID(2) + typeByte(1)
	ClientHeaderLen = 13 // MAC(8) + packetID(2) + clientID(2) + typeByte(1)
)

// Meta is the post-MAC portion of the header: what the per-packet EAX
// associated data covers, and the information needed to route a frame.
type Meta struct {
	PacketID uint16
	ClientID uint16 // only meaningful when the frame carries one (sender is client)
	TypeByte uint8
}

func (m Meta) Type() Type   { return Type(m.TypeByte & 0x0F) }
func (m Meta) Flags() uint8 { return m.TypeByte & 0xF0 }
func (m Meta) HasFlag(f uint8) bool {
	return m.TypeByte&f != 0
}

// EncodeMeta renders the post-MAC header bytes. senderIsClient selects the
// 13-byte (with client id) or 11-byte (without) shape.
func EncodeMeta(senderIsClient bool, m Meta) []byte {
	if senderIsClient {
		buf := make([]byte, ClientHeaderLen-MACLen)
		binary.BigEndian.PutUint16(buf[0:2], m.PacketID)
		binary.BigEndian.PutUint16(buf[2:4], m.ClientID)
		buf[4] = m.TypeByte
		return buf
	}
	buf := make([]byte, ServerHeaderLen-MACLen)
	binary.BigEndian.PutUint16(buf[0:2], m.PacketID)
	buf[2] = m.TypeByte
	return buf
}

// DecodeMeta is the inverse of EncodeMeta.
func DecodeMeta(senderIsClient bool, b []byte) (Meta, error) {
	if senderIsClient {
		if len(b) != ClientHeaderLen-MACLen {
			return Meta{}, fmt.Errorf("packet: client meta length %d, want %d", len(b), ClientHeaderLen-MACLen)
		}
		return Meta{
			PacketID: binary.BigEndian.Uint16(b[0:2]),
			ClientID: binary.BigEndian.Uint16(b[2:4]),
			TypeByte: b[4],
		}, nil
	}
	if len(b) != ServerHeaderLen-MACLen {
		return Meta{}, fmt.Errorf("packet: server meta length %d, want %d", len(b), ServerHeaderLen-MACLen)
	}
	return Meta{
		PacketID: binary.BigEndian.Uint16(b[0:2]),
		TypeByte: b[2],
	}, nil
}

// Frame is a fully-formed TS3 packet: the MAC (or fake/Init magic), the
// post-MAC meta header, and the payload (ciphertext for encrypted types).
type Frame struct {
	MAC     [MACLen]byte
	Meta    Meta
	Payload []byte
}

// Encode serializes a Frame to wire bytes.
func Encode(senderIsClient bool, f Frame) []byte {
	meta := EncodeMeta(senderIsClient, f.Meta)
	out := make([]byte, 0, MACLen+len(meta)+len(f.Payload))
	out = append(out, f.MAC[:]...)
	out = append(out, meta...)
	out = append(out, f.Payload...)
	return out
}

// Decode parses wire bytes into a Frame. senderIsClient must reflect which
// side produced raw (true when the local side is the server receiving a
// client packet, or when parsing any Init frame).
func Decode(senderIsClient bool, raw []byte) (Frame, error) {
	headerLen := ServerHeaderLen
	if senderIsClient {
		headerLen = ClientHeaderLen
	}
	if len(raw) < headerLen {
		return Frame{}, fmt.Errorf("packet: short frame (%d bytes, want at least %d)", len(raw), headerLen)
	}
	var mac [MACLen]byte
	copy(mac[:], raw[:MACLen])
	meta, err := DecodeMeta(senderIsClient, raw[MACLen:headerLen])
	if err != nil {
		return Frame{}, err
	}
	return Frame{MAC: mac, Meta: meta, Payload: raw[headerLen:]}, nil
}

// MetaBytes returns the EAX associated-data bytes for this frame (the post-MAC
// header, per spec: "meta = headerBytes[8..headerLen]").
func (f Frame) MetaBytes(senderIsClient bool) []byte {
	return EncodeMeta(senderIsClient, f.Meta)
}
