package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avbridge/chunkflow/certs"
	"github.com/avbridge/chunkflow/distribution"
	"github.com/avbridge/chunkflow/manifest"
	"github.com/avbridge/chunkflow/packager"
	"github.com/avbridge/chunkflow/pipeline"
	"github.com/avbridge/chunkflow/source"
	"github.com/avbridge/chunkflow/store"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := envOr("ADDR", ":8443")
	app := envOr("APP", "app")
	streamKey := envOr("STREAM", "stream")
	prefix := envOr("SEGMENT_PREFIX", streamKey)
	segDur := envFloat("SEGMENT_DURATION", 6)
	chunkDur := envFloat("CHUNK_DURATION", 0.5)
	maxSegments := envInt("MAX_SEGMENTS", 6)

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("chunkflow starting",
		"version", version,
		"addr", addr,
		"stream", app+"/"+streamKey,
		"segmentDuration", segDur,
		"chunkDuration", chunkDur,
		"cert_hash", cert.FingerprintBase64(),
	)

	src := source.NewSynthetic(nil)
	segments := store.NewMemory(maxSegments)
	live := distribution.NewBroadcaster(nil)

	mpd := manifest.New(manifest.Config{
		SegmentPrefix:   prefix,
		SegmentDuration: segDur,
		Video:           src.VideoParams(),
		Audio:           src.AudioParams(),
		VideoInitName:   packager.VideoInitFileName,
		AudioInitName:   packager.AudioInitFileName,
		VideoSuffix:     packager.VideoSegmentSuffix,
		AudioSuffix:     packager.AudioSegmentSuffix,
	})

	pkt, err := packager.New(packager.Config{
		App:             app,
		Stream:          streamKey,
		SegmentPrefix:   prefix,
		SegmentDuration: segDur,
		ChunkDuration:   chunkDur,
		Video:           src.VideoParams(),
		Audio:           src.AudioParams(),
		Store:           segments,
		Transfer:        live,
		Manifest:        mpd,
	})
	if err != nil {
		slog.Error("failed to create packetizer", "error", err)
		os.Exit(1)
	}

	origin, err := distribution.NewServer(distribution.ServerConfig{
		Addr: addr,
		Cert: cert,
	})
	if err != nil {
		slog.Error("failed to create origin server", "error", err)
		os.Exit(1)
	}
	origin.Register(app, streamKey, &distribution.StreamHandle{
		Manifest: mpd,
		Segments: segments,
		Live:     live,
	})

	p := pipeline.New(pkt, src, segDur, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return src.Run(ctx)
	})
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		return origin.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		slog.Warn("ignoring invalid value", "key", key, "value", v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("ignoring invalid value", "key", key, "value", v)
	}
	return fallback
}
