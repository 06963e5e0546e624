package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keiryo"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KEIRYO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	app, err := keiryo.New(
		keiryo.WithLogger(logger),
		keiryo.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("keiryo: %w", err)
	}

	slog.Info("keiryod starting", "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(gctx) })

	if socket := os.Getenv("KEIRYO_EVENT_SOCKET"); socket != "" {
		g.Go(func() error { return serveEventSocket(gctx, logger, app, socket) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveEventSocket reads length-prefixed raw event frames from a unix
// stream socket: frame = len(u32 LE) + elapsed(u64) + wall(u64) +
// uid(u32) + wire buffer.
func serveEventSocket(ctx context.Context, logger *slog.Logger, app *keiryo.App, path string) error {
	_ = os.Remove(path)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("event socket: %w", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("event socket listening", "path", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("event socket accept", "error", err)
			continue
		}
		go handleEventConn(ctx, logger, app, conn)
	}
}

func handleEventConn(ctx context.Context, logger *slog.Logger, app *keiryo.App, conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 24)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
		if _, err := readFull(conn, header[:4]); err != nil {
			return
		}
		frameLen := binary.LittleEndian.Uint32(header[:4])
		if frameLen < 20 || frameLen > 1<<20 {
			logger.Warn("event socket: bad frame length", "len", frameLen)
			return
		}
		frame := make([]byte, frameLen)
		if _, err := readFull(conn, frame); err != nil {
			return
		}
		elapsed := int64(binary.LittleEndian.Uint64(frame[0:8]))
		wall := int64(binary.LittleEndian.Uint64(frame[8:16]))
		uid := int32(binary.LittleEndian.Uint32(frame[16:20]))
		if err := app.SubmitRawEvent(frame[20:], elapsed, wall, uid); err != nil {
			logger.Debug("event socket: rejected event", "error", err)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
