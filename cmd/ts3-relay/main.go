package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ts3go/ts3go/relay"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	port := envInt("PROXY_PORT", 9988)
	secret := os.Getenv("PROXY_SECRET")
	if secret == "" {
		secret = generateSecret()
		logger.Info("generated relay secret (set PROXY_SECRET to pin this across restarts)", "secret", secret)
	}

	srv := relay.New(relay.Config{
		ListenAddr: fmt.Sprintf(":%d", port),
		Secret:     secret,
	}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("relay server error", "err", err)
		os.Exit(1)
	}
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func generateSecret() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}
