package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ts3go/ts3go/client"
)

func main() {
	host := flag.String("host", "", "TS3 server host (required; with -relay-url it is the relay's UDP target)")
	port := flag.Uint("port", 9987, "TS3 server UDP port")
	nickname := flag.String("nickname", "ts3go", "nickname to connect with")
	defaultChannel := flag.String("default-channel", "", "default channel path")
	serverPassword := flag.String("server-password", "", "server password")
	hwid := flag.String("hwid", "", "client hardware identifier (hex)")
	relayURL := flag.String("relay-url", "", "UDP relay URL (ws://host:port/) to tunnel through")
	relayToken := flag.String("relay-token", "", "relay shared-secret token")
	strictLicense := flag.Bool("strict-license", false, "fail the handshake instead of falling back on license derivation failure")
	flag.Parse()

	if *host == "" {
		fmt.Fprintln(os.Stderr, "ts3-client: -host is required")
		os.Exit(1)
	}

	logger := setupLogging()

	cfg := client.Config{
		Host:           *host,
		Port:           uint16(*port),
		Nickname:       *nickname,
		DefaultChannel: *defaultChannel,
		ServerPassword: *serverPassword,
		HWID:           *hwid,
		RelayURL:       *relayURL,
		RelayToken:     *relayToken,
		StrictLicense:  *strictLicense,
	}

	engine := client.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = engine.Disconnect(ctx)
		cancel()
		os.Exit(0)
	}()

	if err := engine.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}

	for ev := range engine.Events() {
		printEvent(ev)
	}
}

func printEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		fmt.Printf("connected to %q\n", ev.VirtualServerName)
	case client.EventDisconnected:
		fmt.Printf("disconnected: %s\n", ev.Reason)
	case client.EventError:
		fmt.Printf("error [%s]: %s\n", ev.ErrorKind, ev.Detail)
	case client.EventTextMessage:
		fmt.Printf("<%s> %s\n", ev.InvokerName, ev.Text)
	case client.EventWarning:
		fmt.Printf("warning: %s\n", ev.Warning)
	}
}

func setupLogging() *slog.Logger {
	logFile, err := os.OpenFile("ts3-client.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
