// Package handshake drives the TS3 Init0..Init4 state machine and the
// fake-key-encrypted bootstrap exchange (initivexpand2/clientek/clientinit)
// that follows it, up to the server's initserver reply.
package handshake

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/ts3go/ts3go/command"
	"github.com/ts3go/ts3go/crypto"
	"github.com/ts3go/ts3go/packet"
)

// State is one node of the handshake state machine.
type State int

const (
	StateInit0Sent State = iota
	StateInit2Sent
	StateInit4Sent
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit0Sent:
		return "Init0Sent"
	case StateInit2Sent:
		return "Init2Sent"
	case StateInit4Sent:
		return "Init4Sent"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultVersionOffset is the compile-time client-version offset sent in
// Init0/Init2/Init4 (client_version_epoch - 2013-01-01T00:00:00Z).
const DefaultVersionOffset uint32 = 1606824967 - 1356998400 // build epoch minus 2013-01-01

// Transport is the datagram contract the handshake is driven over: "send a
// whole datagram" / "receive the next one". Both the direct-UDP and relay
// transports satisfy this.
type Transport interface {
	Send(ctx context.Context, raw []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Config carries the connect-time parameters the handshake needs to build
// clientinitiv/clientinit.
type Config struct {
	VersionOffset  uint32
	VersionString  string
	Platform       string
	Nickname       string
	DefaultChannel string
	ServerPassword string
	HWID           string
	StrictLicense  bool
}

func (c Config) withDefaults() Config {
	if c.VersionOffset == 0 {
		c.VersionOffset = DefaultVersionOffset
	}
	if c.VersionString == "" {
		c.VersionString = "3.X.X [Build: 0]"
	}
	if c.Platform == "" {
		c.Platform = "Linux"
	}
	if c.HWID == "" {
		c.HWID = "0000000000000000000000000000000000000000000000000000000000000000"
	}
	return c
}

// Result is everything the session/client layer needs once the handshake
// reaches Authenticated.
type Result struct {
	SharedIV  [64]byte
	SharedMAC [8]byte

	OwnClientID       uint16
	VirtualServerName string
	ChannelID         string

	// CommandSendID/CommandSendGeneration are the next packet id/generation
	// to use for outgoing Command packets (clientinit was the last one sent).
	CommandSendID         uint16
	CommandSendGeneration uint32

	// CommandRecvID/CommandRecvGeneration mirror the last Command packet id
	// seen from the server (initserver).
	CommandRecvID         uint16
	CommandRecvGeneration uint32

	Warnings []string
}

// Run executes the handshake to completion (or failure) and returns the
// session material needed to continue as an authenticated connection.
func Run(ctx context.Context, t Transport, cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	state := StateInit0Sent
	logger.Debug("handshake starting", "state", state)

	random0, err := sendInit0(ctx, t, cfg)
	if err != nil {
		return nil, fmt.Errorf("handshake: send Init0: %w", err)
	}

	random1, random0r, err := recvInit1(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("handshake: recv Init1: %w", err)
	}
	if !byteEqual(random0r, random0) {
		return nil, fmt.Errorf("handshake: Init1 random0_r mismatch (protocol violation)")
	}
	logger.Debug("Init1 accepted")

	state = StateInit2Sent
	if err := sendInit2(ctx, t, cfg, random1, random0r); err != nil {
		return nil, fmt.Errorf("handshake: send Init2: %w", err)
	}
	logger.Debug("handshake state", "state", state)

	x, n, level, random2, err := recvInit3(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("handshake: recv Init3: %w", err)
	}
	logger.Debug("Init3 received, solving puzzle", "level", level)

	y, err := crypto.SolvePuzzle(x, n, level)
	if err != nil {
		return nil, fmt.Errorf("handshake: solve puzzle: %w", err)
	}

	alpha := make([]byte, 10)
	if _, err := rand.Read(alpha); err != nil {
		return nil, fmt.Errorf("handshake: generate alpha: %w", err)
	}
	ecdhPub, err := newP256PublicKeyDER()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate P-256 omega key: %w", err)
	}

	state = StateInit4Sent
	if err := sendInit4(ctx, t, cfg, x, n, level, random2, y, alpha, ecdhPub); err != nil {
		return nil, fmt.Errorf("handshake: send Init4: %w", err)
	}
	logger.Debug("handshake state", "state", state)

	state = StateAuthenticating

	license, beta, warnings, err := recvInitIVExpand2(ctx, t, logger)
	if err != nil {
		return nil, fmt.Errorf("handshake: recv initivexpand2: %w", err)
	}

	serverPub, err := crypto.DeriveServerPublicKey(license)
	if err != nil {
		if cfg.StrictLicense {
			return nil, fmt.Errorf("handshake: derive server public key: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("license derivation failed, falling back to random bytes: %v", err))
		if _, rerr := rand.Read(serverPub[:]); rerr != nil {
			return nil, fmt.Errorf("handshake: random license fallback: %w", rerr)
		}
	}

	ephemeral, err := crypto.NewEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral keypair: %w", err)
	}
	sharedSecret := ephemeral.SharedSecret(serverPub)

	sharedIV := computeSharedIV(sharedSecret, alpha, beta)
	sharedMAC := computeSharedMAC(sharedIV)
	proof := ephemeral.Sign(sharedIV[:])

	sendGen := uint32(0)
	sendID := uint16(1)

	if err := sendFakeKeyCommand(ctx, t, sendID, command.New("clientek",
		command.KV{Key: "ek", Value: base64.StdEncoding.EncodeToString(ephemeral.Public)},
		command.KV{Key: "proof", Value: base64.StdEncoding.EncodeToString(proof)},
	)); err != nil {
		return nil, fmt.Errorf("handshake: send clientek: %w", err)
	}
	sendID++

	if err := sendSessionCommand(ctx, t, sharedIV, sendID, sendGen, command.New("clientinit",
		command.KV{Key: "client_nickname", Value: cfg.Nickname},
		command.KV{Key: "client_version", Value: cfg.VersionString},
		command.KV{Key: "client_platform", Value: cfg.Platform},
		command.KV{Key: "client_input_hardware", Value: "1"},
		command.KV{Key: "client_output_hardware", Value: "1"},
		command.KV{Key: "client_default_channel", Value: cfg.DefaultChannel},
		command.KV{Key: "client_default_channel_password", Value: ""},
		command.KV{Key: "client_server_password", Value: cfg.ServerPassword},
		command.KV{Key: "client_meta_data", Value: ""},
		command.KV{Key: "client_version_sign", Value: ""},
		command.KV{Key: "client_key_offset", Value: "0"},
		command.KV{Key: "client_nickname_phonetic", Value: ""},
		command.KV{Key: "client_default_token", Value: ""},
		command.KV{Key: "hwid", Value: cfg.HWID},
	)); err != nil {
		return nil, fmt.Errorf("handshake: send clientinit: %w", err)
	}
	sendID++

	own, serverName, channelID, recvID, recvGen, err := recvInitServer(ctx, t, sharedIV, logger)
	if err != nil {
		return nil, fmt.Errorf("handshake: recv initserver: %w", err)
	}

	state = StateAuthenticated
	logger.Info("handshake complete", "state", state, "own_client_id", own)

	return &Result{
		SharedIV:              sharedIV,
		SharedMAC:             sharedMAC,
		OwnClientID:           own,
		VirtualServerName:     serverName,
		ChannelID:             channelID,
		CommandSendID:         sendID,
		CommandSendGeneration: sendGen,
		CommandRecvID:         recvID,
		CommandRecvGeneration: recvGen,
		Warnings:              warnings,
	}, nil
}

func byteEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sendInit0(ctx context.Context, t Transport, cfg Config) (random0 []byte, err error) {
	random0 = make([]byte, 4)
	if _, err := rand.Read(random0); err != nil {
		return nil, err
	}

	payload := make([]byte, 21)
	binary.BigEndian.PutUint32(payload[0:4], cfg.VersionOffset)
	payload[4] = 0x00
	binary.BigEndian.PutUint32(payload[5:9], uint32(time.Now().Unix()))
	copy(payload[9:13], random0)
	// bytes 13..21 are reserved padding, always zero.

	if err := t.Send(ctx, packet.EncodeInit(payload)); err != nil {
		return nil, err
	}
	return random0, nil
}

func recvInit1(ctx context.Context, t Transport) (random1, random0r []byte, err error) {
	raw, err := t.Recv(ctx)
	if err != nil {
		return nil, nil, err
	}
	payload, err := packet.DecodeInit(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(payload) != 21 {
		return nil, nil, fmt.Errorf("Init1 payload length %d, want 21", len(payload))
	}
	if payload[0] != 0x01 {
		return nil, nil, fmt.Errorf("Init1 step byte %#x, want 0x01", payload[0])
	}
	random1 = append([]byte(nil), payload[1:17]...)
	random0r = append([]byte(nil), payload[17:21]...)
	return random1, random0r, nil
}

func sendInit2(ctx context.Context, t Transport, cfg Config, random1, random0r []byte) error {
	payload := make([]byte, 25)
	binary.BigEndian.PutUint32(payload[0:4], cfg.VersionOffset)
	payload[4] = 0x02
	copy(payload[5:21], random1)
	copy(payload[21:25], random0r)
	return t.Send(ctx, packet.EncodeInit(payload))
}

func recvInit3(ctx context.Context, t Transport) (x, n [64]byte, level uint32, random2 []byte, err error) {
	raw, err := t.Recv(ctx)
	if err != nil {
		return x, n, 0, nil, err
	}
	payload, err := packet.DecodeInit(raw)
	if err != nil {
		return x, n, 0, nil, err
	}
	if len(payload) != 233 {
		return x, n, 0, nil, fmt.Errorf("Init3 payload length %d, want 233", len(payload))
	}
	if payload[0] != 0x03 {
		return x, n, 0, nil, fmt.Errorf("Init3 step byte %#x, want 0x03", payload[0])
	}
	copy(x[:], payload[1:65])
	copy(n[:], payload[65:129])
	level = binary.BigEndian.Uint32(payload[129:133])
	random2 = append([]byte(nil), payload[133:233]...)
	return x, n, level, random2, nil
}

func sendInit4(ctx context.Context, t Transport, cfg Config, x, n [64]byte, level uint32, random2 []byte, y [64]byte, alpha []byte, omegaDER []byte) error {
	tail := fmt.Sprintf("clientinitiv alpha=%s omega=%s ot=1 ip=",
		base64.StdEncoding.EncodeToString(alpha),
		base64.StdEncoding.EncodeToString(omegaDER))

	payload := make([]byte, 0, 4+1+64+64+4+100+64+len(tail))
	var versionOffset [4]byte
	binary.BigEndian.PutUint32(versionOffset[:], cfg.VersionOffset)
	payload = append(payload, versionOffset[:]...)
	payload = append(payload, 0x04)
	payload = append(payload, x[:]...)
	payload = append(payload, n[:]...)
	var levelBuf [4]byte
	binary.BigEndian.PutUint32(levelBuf[:], level)
	payload = append(payload, levelBuf[:]...)
	payload = append(payload, random2...)
	payload = append(payload, y[:]...)
	payload = append(payload, []byte(tail)...)

	return t.Send(ctx, packet.EncodeInit(payload))
}

// sendFakeKeyCommand encrypts a command under the fixed fake key and sends
// it as a Command-type packet with client id 0 (no client id assigned yet).
func sendFakeKeyCommand(ctx context.Context, t Transport, packetID uint16, cmd command.Command) error {
	line := cmd.Serialize() + "\n"
	meta := packet.Meta{PacketID: packetID, ClientID: 0, TypeByte: uint8(packet.TypeCommand)}
	header := packet.EncodeMeta(true, meta)

	ciphertext, tag, err := crypto.SealEAX(crypto.FakeKey[:], crypto.FakeNonce[:], header, []byte(line))
	if err != nil {
		return err
	}
	var mac [packet.MACLen]byte
	copy(mac[:], tag)

	raw := packet.Encode(true, packet.Frame{MAC: mac, Meta: meta, Payload: ciphertext})
	return t.Send(ctx, raw)
}

// sendSessionCommand encrypts a command under the post-handshake session key
// schedule derived from sharedIV.
func sendSessionCommand(ctx context.Context, t Transport, sharedIV [64]byte, packetID uint16, generation uint32, cmd command.Command) error {
	line := cmd.Serialize() + "\n"
	meta := packet.Meta{PacketID: packetID, ClientID: 0, TypeByte: uint8(packet.TypeCommand)}
	header := packet.EncodeMeta(true, meta)

	key, nonce := crypto.PacketKeyNonce(true, uint8(packet.TypeCommand), packetID, generation, sharedIV)
	ciphertext, tag, err := crypto.SealEAX(key[:], nonce[:], header, []byte(line))
	if err != nil {
		return err
	}
	var mac [packet.MACLen]byte
	copy(mac[:], tag)

	raw := packet.Encode(true, packet.Frame{MAC: mac, Meta: meta, Payload: ciphertext})
	return t.Send(ctx, raw)
}

// recvInitIVExpand2 reads the first fake-key-encrypted command packet and
// parses its initivexpand2 parameters.
func recvInitIVExpand2(ctx context.Context, t Transport, logger *slog.Logger) (license, beta []byte, warnings []string, err error) {
	raw, err := t.Recv(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := packet.Decode(false, raw)
	if err != nil {
		return nil, nil, nil, err
	}
	if f.Meta.Type() != packet.TypeCommand {
		return nil, nil, nil, fmt.Errorf("expected Command packet, got %v", f.Meta.Type())
	}

	header := f.MetaBytes(false)
	plaintext, err := crypto.OpenEAX(crypto.FakeKey[:], crypto.FakeNonce[:], header, f.Payload, f.MAC[:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fake-key decrypt: %w", err)
	}

	cmd, err := command.Parse(string(plaintext))
	if err != nil {
		return nil, nil, nil, err
	}
	if cmd.Name != "initivexpand2" {
		return nil, nil, nil, fmt.Errorf("expected initivexpand2, got %q", cmd.Name)
	}

	lb64, _ := cmd.Items[0].Get("l")
	bb64, _ := cmd.Items[0].Get("beta")
	license, err = base64.StdEncoding.DecodeString(lb64)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode license: %w", err)
	}
	beta, err = base64.StdEncoding.DecodeString(bb64)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode beta: %w", err)
	}

	if omegaB64, ok := cmd.Items[0].Get("omega"); ok {
		if _, ok2 := cmd.Items[0].Get("proof"); ok2 {
			logger.Debug("initivexpand2 omega/proof present, not verified", "omega_len", len(omegaB64))
		}
	}

	return license, beta, warnings, nil
}

// recvInitServer reads session-key-encrypted command packets until
// initserver arrives, returning the assigned client id and server view.
func recvInitServer(ctx context.Context, t Transport, sharedIV [64]byte, logger *slog.Logger) (ownClientID uint16, serverName, channelID string, recvID uint16, recvGen uint32, err error) {
	for {
		raw, err := t.Recv(ctx)
		if err != nil {
			return 0, "", "", 0, 0, err
		}
		f, err := packet.Decode(false, raw)
		if err != nil {
			return 0, "", "", 0, 0, err
		}
		if f.Meta.Type() != packet.TypeCommand {
			logger.Debug("ignoring non-command packet during handshake", "type", f.Meta.Type())
			continue
		}

		key, nonce := crypto.PacketKeyNonce(false, uint8(packet.TypeCommand), f.Meta.PacketID, 0, sharedIV)
		header := f.MetaBytes(false)
		plaintext, err := crypto.OpenEAX(key[:], nonce[:], header, f.Payload, f.MAC[:])
		if err != nil {
			logger.Debug("dropping packet with bad MAC during handshake")
			continue
		}

		cmd, err := command.Parse(string(plaintext))
		if err != nil {
			logger.Debug("ignoring unparseable command during handshake", "error", err)
			continue
		}

		recvID = f.Meta.PacketID

		switch cmd.Name {
		case "initserver":
			aclid, _ := cmd.Items[0].Get("aclid")
			name, _ := cmd.Items[0].Get("virtualserver_name")
			cid, _ := cmd.Items[0].Get("channel_id")
			var own uint16
			fmt.Sscanf(aclid, "%d", &own)
			return own, name, cid, recvID, recvGen, nil
		default:
			logger.Debug("ignoring command before initserver", "name", cmd.Name)
		}
	}
}

// newP256PublicKeyDER generates an ephemeral P-256 keypair for the legacy
// ECDH handshake leg and returns the DER encoding of its public key (the
// "omega" field). The private key is discarded: this leg is carried for
// protocol compatibility but is not load-bearing for session security, which
// rests on the Ed25519 DH leg (§4.3.3).
func newP256PublicKeyDER() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(&priv.PublicKey)
}

func computeSharedIV(sharedSecret [32]byte, alpha, beta []byte) [64]byte {
	h := sha512.Sum512(sharedSecret[:])
	var iv [64]byte
	copy(iv[:], h[:])
	for i := 0; i < len(alpha) && i < 64; i++ {
		iv[i] ^= alpha[i]
	}
	for i := 0; i < len(beta) && 10+i < 64; i++ {
		iv[10+i] ^= beta[i]
	}
	return iv
}

func computeSharedMAC(sharedIV [64]byte) [8]byte {
	h := sha1.Sum(sharedIV[:])
	var mac [8]byte
	copy(mac[:], h[:8])
	return mac
}
