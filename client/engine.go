package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ts3go/ts3go/command"
	"github.com/ts3go/ts3go/handshake"
	"github.com/ts3go/ts3go/packet"
	"github.com/ts3go/ts3go/session"
)

// Engine is one TS3 connection: transport, authenticated session, the
// channel/peer directories populated from server notifications, and the
// Event stream surfaced to the caller.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	transport datagramTransport
	sess      *session.Session

	channels *channelDirectory
	peers    *peerDirectory

	events chan Event

	mu         sync.Mutex
	ownClient  uint16
	closed     bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New creates an Engine. Dial work happens in Connect.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		channels: newChannelDirectory(),
		peers:    newPeerDirectory(),
		events:   make(chan Event, 64),
	}
}

// Events returns the channel Event values are delivered on. Callers should
// drain it for the lifetime of the Engine.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

// Connect dials the configured transport, runs the handshake to
// Authenticated, and starts the session's read/write loop. It fails with
// ErrTimeout if Authenticated is not reached within cfg.ConnectTimeout.
func (e *Engine) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	t, err := e.dial(ctx)
	if err != nil {
		return err
	}
	return e.connectOver(ctx, t)
}

// connectOver runs the handshake and post-authentication bootstrap over an
// already-dialed transport. Split out from Connect so tests can drive it
// with a scripted in-process transport instead of a real socket.
func (e *Engine) connectOver(ctx context.Context, t datagramTransport) error {
	result, err := handshake.Run(ctx, t, handshake.Config{
		Nickname:       e.cfg.Nickname,
		DefaultChannel: e.cfg.DefaultChannel,
		ServerPassword: e.cfg.ServerPassword,
		HWID:           e.cfg.HWID,
		StrictLicense:  e.cfg.StrictLicense,
	}, e.logger)
	if err != nil {
		_ = t.Close()
		if ctx.Err() != nil {
			return newError(ErrTimeout, "handshake did not authenticate in time", err)
		}
		return newError(ErrProtocol, "handshake failed", err)
	}

	for _, w := range result.Warnings {
		e.emit(Event{Kind: EventWarning, Warning: w})
	}

	sess := session.New(result.SharedIV, result.OwnClientID)
	sess.SeedSendState(packet.TypeCommand, result.CommandSendID, result.CommandSendGeneration)
	sess.SeedRecvState(packet.TypeCommand, result.CommandRecvID, result.CommandRecvGeneration)

	e.mu.Lock()
	e.transport = t
	e.sess = sess
	e.ownClient = result.OwnClientID
	e.mu.Unlock()

	if err := e.registerForNotifications(ctx); err != nil {
		_ = t.Close()
		return newError(ErrProtocol, "post-authentication registration failed", err)
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancelLoop = cancelLoop
	e.loopDone = make(chan struct{})
	e.mu.Unlock()
	go e.runLoop(loopCtx, cancelLoop)

	e.emit(Event{Kind: EventConnected, VirtualServerName: result.VirtualServerName})
	return nil
}

func (e *Engine) dial(ctx context.Context) (datagramTransport, error) {
	if e.cfg.usesRelay() {
		return dialRelay(ctx, e.cfg.RelayURL, e.cfg.RelayToken, e.cfg.Host, e.cfg.Port)
	}
	return dialUDP(ctx, e.cfg.Host, e.cfg.Port)
}

// registerForNotifications sends servernotifyregister for the categories the
// engine consumes, then requests clientlist/channellist so the directories
// start populated.
func (e *Engine) registerForNotifications(ctx context.Context) error {
	for _, category := range []string{"textchannel", "textprivate", "server"} {
		cmd := command.New("servernotifyregister", command.KV{Key: "event", Value: category})
		if err := e.sendCommand(ctx, cmd); err != nil {
			return fmt.Errorf("servernotifyregister %s: %w", category, err)
		}
	}
	if err := e.sendCommand(ctx, command.New("clientlist")); err != nil {
		return fmt.Errorf("clientlist: %w", err)
	}
	if err := e.sendCommand(ctx, command.New("channellist")); err != nil {
		return fmt.Errorf("channellist: %w", err)
	}
	return nil
}

// sendCommand encrypts and sends a single Command packet, tracking it as
// pending until its Ack arrives so driveRetransmits can resend it with
// backoff (spec §9).
func (e *Engine) sendCommand(ctx context.Context, cmd command.Command) error {
	e.mu.Lock()
	sess, t := e.sess, e.transport
	e.mu.Unlock()

	frame, err := sess.EncryptSend(packet.TypeCommand, 0, []byte(cmd.Serialize()+"\n"))
	if err != nil {
		return err
	}
	raw := packet.Encode(true, frame)
	sess.TrackPending(packet.TypeCommand, frame.Meta.PacketID, raw, time.Now())
	return t.Send(ctx, raw)
}

// runLoop is the Engine's I/O loop: receive datagrams, decrypt/reassemble/
// dispatch them, fire the ping timer, and drive retransmission. Grounded on
// the teacher's mutex-guarded read/write method pairs, generalized to a
// single-goroutine select loop since the session has only one transport.
func (e *Engine) runLoop(ctx context.Context, cancel context.CancelFunc) {
	defer close(e.loopDone)
	defer cancel() // every exit path tears down recvPump's context too

	recvCh := make(chan []byte, 16)
	recvErrCh := make(chan error, 1)
	go e.recvPump(ctx, recvCh, recvErrCh)

	pingTicker := time.NewTicker(e.cfg.PingInterval)
	defer pingTicker.Stop()
	retransmitTicker := time.NewTicker(100 * time.Millisecond)
	defer retransmitTicker.Stop()
	idleTimer := time.NewTimer(e.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-recvErrCh:
			e.emit(Event{Kind: EventError, ErrorKind: ErrTransport, Detail: err.Error()})
			e.emit(Event{Kind: EventDisconnected, Reason: "transport"})
			return

		case raw := <-recvCh:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(e.cfg.IdleTimeout)
			e.handleDatagram(ctx, raw)

		case <-idleTimer.C:
			e.emit(Event{Kind: EventDisconnected, Reason: "timeout"})
			return

		case <-pingTicker.C:
			e.sendPing(ctx)

		case <-retransmitTicker.C:
			e.driveRetransmits(ctx)
		}
	}
}

func (e *Engine) recvPump(ctx context.Context, out chan<- []byte, errOut chan<- error) {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	for {
		raw, err := t.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errOut <- err
			return
		}
		select {
		case out <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sendPing(ctx context.Context) {
	e.mu.Lock()
	sess, t := e.sess, e.transport
	e.mu.Unlock()
	frame, err := sess.EncryptSend(packet.TypePing, packet.FlagUnencrypted, nil)
	if err != nil {
		e.logger.Warn("build ping failed", "err", err)
		return
	}
	if err := t.Send(ctx, packet.Encode(true, frame)); err != nil {
		e.logger.Warn("send ping failed", "err", err)
	}
}

func (e *Engine) driveRetransmits(ctx context.Context) {
	e.mu.Lock()
	sess, t := e.sess, e.transport
	e.mu.Unlock()

	toResend, timedOut := sess.DueRetransmits(time.Now())
	for _, raw := range toResend {
		if err := t.Send(ctx, raw); err != nil {
			e.logger.Warn("retransmit failed", "err", err)
		}
	}
	if timedOut {
		e.mu.Lock()
		cancel := e.cancelLoop
		e.mu.Unlock()
		e.emit(Event{Kind: EventError, ErrorKind: ErrTimeout, Detail: "command retransmission exhausted"})
		if cancel != nil {
			cancel()
		}
	}
}

func (e *Engine) handleDatagram(ctx context.Context, raw []byte) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	f, plaintext, ok, err := sess.DecryptRecv(raw)
	if err != nil {
		e.logger.Debug("drop unparseable datagram", "err", err)
		return
	}
	if !ok {
		return // MAC failure or unknown shape: silent drop per protocol
	}

	t := f.Meta.Type()
	switch t {
	case packet.TypePing:
		e.respondPong(ctx, f.Meta.PacketID)
	case packet.TypePong:
		// nothing to do; receipt alone satisfies the idle timer
	case packet.TypeAck, packet.TypeAckLow:
		if len(plaintext) >= 2 {
			ackedID := uint16(plaintext[0])<<8 | uint16(plaintext[1])
			sess.AckReceived(t, ackedID)
		}
	case packet.TypeCommand, packet.TypeCommandLow:
		e.handleCommandFrame(ctx, f, plaintext)
	default:
		e.logger.Debug("ignoring packet type", "type", t)
	}
}

func (e *Engine) respondPong(ctx context.Context, pingID uint16) {
	e.mu.Lock()
	sess, t := e.sess, e.transport
	e.mu.Unlock()
	payload := []byte{byte(pingID >> 8), byte(pingID)}
	frame, err := sess.EncryptSend(packet.TypePong, packet.FlagUnencrypted, payload)
	if err != nil {
		e.logger.Warn("build pong failed", "err", err)
		return
	}
	if err := t.Send(ctx, packet.Encode(true, frame)); err != nil {
		e.logger.Warn("send pong failed", "err", err)
	}
}

func (e *Engine) handleCommandFrame(ctx context.Context, f packet.Frame, plaintext []byte) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	ackFrame, err := sess.BuildAck(f.Meta.Type(), f.Meta.PacketID)
	if err == nil {
		e.mu.Lock()
		t := e.transport
		e.mu.Unlock()
		if err := t.Send(ctx, packet.Encode(true, ackFrame)); err != nil {
			e.logger.Warn("send ack failed", "err", err)
		}
	}

	assembled, done, err := sess.Feed(f.Meta.Type(), f.Meta.PacketID, f.Meta.HasFlag(packet.FlagFragmented), plaintext)
	if err != nil {
		e.logger.Warn("fragment assembly failed", "err", err)
		return
	}
	if !done {
		return
	}

	cmd, err := command.ParseBody(string(assembled))
	if err != nil {
		e.logger.Debug("unparseable command body", "err", err)
		return
	}
	e.dispatchNotification(cmd)
}

func (e *Engine) dispatchNotification(cmd command.Command) {
	switch cmd.Name {
	case "channellist":
		for _, item := range cmd.Items {
			id, idOK := item.Get("cid")
			name, nameOK := item.Get("channel_name")
			if idOK && nameOK {
				if n, err := strconv.Atoi(id); err == nil {
					e.channels.set(n, name)
				}
			}
		}
	case "channellistfinished":
		// directory considered populated; nothing further to do
	case "notifycliententerview":
		for _, item := range cmd.Items {
			id, idOK := item.Get("clid")
			nick, nickOK := item.Get("client_nickname")
			if idOK && nickOK {
				if n, err := strconv.Atoi(id); err == nil {
					e.peers.set(uint16(n), nick)
				}
			}
		}
	case "notifyclientleftview":
		for _, item := range cmd.Items {
			id, ok := item.Get("clid")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(id)
			if err != nil {
				continue
			}
			e.peers.remove(uint16(n))
			e.mu.Lock()
			own := e.ownClient
			e.mu.Unlock()
			if uint16(n) == own {
				reason, _ := item.Get("reason")
				e.emit(Event{Kind: EventDisconnected, Reason: "left_view:" + reason})
			}
		}
	case "notifytextmessage":
		item := firstItem(cmd)
		mode, _ := strconv.Atoi(valueOr(item, "targetmode", "0"))
		invokerID, _ := strconv.Atoi(valueOr(item, "invokerid", "0"))
		e.emit(Event{
			Kind:        EventTextMessage,
			Mode:        mode,
			Text:        valueOr(item, "msg", ""),
			InvokerName: valueOr(item, "invokername", ""),
			InvokerID:   uint16(invokerID),
		})
	case "notifyclientmoved":
		// channel membership per peer isn't tracked by peerDirectory; the
		// move itself needs no directory update beyond what notifycliententerview
		// already recorded.
	case "notifyserveredited":
		// server properties changed; directories unaffected
	case "notifychanneledited":
		item := firstItem(cmd)
		id := valueOr(item, "cid", "")
		name, nameOK := item.Get("channel_name")
		if id != "" && nameOK {
			if n, err := strconv.Atoi(id); err == nil {
				e.channels.set(n, name)
			}
		}
	default:
		e.logger.Debug("unhandled notification", "name", cmd.Name)
	}
}

func firstItem(cmd command.Command) command.Item {
	if len(cmd.Items) == 0 {
		return nil
	}
	return cmd.Items[0]
}

func valueOr(item command.Item, key, fallback string) string {
	if v, ok := item.Get(key); ok {
		return v
	}
	return fallback
}

// Disconnect sends a best-effort clientdisconnect and tears down the
// transport. Idempotent.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sess, t, cancel := e.sess, e.transport, e.cancelLoop
	e.mu.Unlock()

	if sess != nil && t != nil {
		frame, err := sess.EncryptSend(packet.TypeCommand, 0, []byte(command.New("clientdisconnect").Serialize()+"\n"))
		if err == nil {
			_ = t.Send(ctx, packet.Encode(true, frame))
		}
	}
	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	return nil
}

// MoveToChannel looks up name in the channel directory (case-insensitive)
// and, if found, sends clientmove for the own client id. The bool reports
// whether the name was known.
func (e *Engine) MoveToChannel(ctx context.Context, name string) (bool, error) {
	id, ok := e.channels.findByName(name)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	own := e.ownClient
	e.mu.Unlock()
	cmd := command.New("clientmove",
		command.KV{Key: "clid", Value: strconv.Itoa(int(own))},
		command.KV{Key: "cid", Value: strconv.Itoa(id)},
	)
	if err := e.sendCommand(ctx, cmd); err != nil {
		return true, err
	}
	return true, nil
}

// SendChannelMessage sends a text message to the current channel (targetmode 2).
func (e *Engine) SendChannelMessage(ctx context.Context, text string) error {
	return e.SendTextMessage(ctx, 2, 0, text)
}

// SendServerMessage sends a text message to the whole server (targetmode 3).
func (e *Engine) SendServerMessage(ctx context.Context, text string) error {
	return e.SendTextMessage(ctx, 3, 0, text)
}

// SendTextMessage enqueues a sendtextmessage command. Fire-and-forget:
// reliability is handled by the ack layer, not by this call.
func (e *Engine) SendTextMessage(ctx context.Context, mode int, target uint16, text string) error {
	cmd := command.New("sendtextmessage",
		command.KV{Key: "targetmode", Value: strconv.Itoa(mode)},
		command.KV{Key: "target", Value: strconv.Itoa(int(target))},
		command.KV{Key: "msg", Value: text},
	)
	return e.sendCommand(ctx, cmd)
}

// UpdateDescription sends clientedit for the own client id.
func (e *Engine) UpdateDescription(ctx context.Context, text string) error {
	e.mu.Lock()
	own := e.ownClient
	e.mu.Unlock()
	cmd := command.New("clientedit",
		command.KV{Key: "clid", Value: strconv.Itoa(int(own))},
		command.KV{Key: "client_description", Value: text},
	)
	return e.sendCommand(ctx, cmd)
}
