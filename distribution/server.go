// Package distribution serves the packaged stream to players: the DASH
// manifest, init segments, finalized segments from the store, and in-flight
// segments chunk by chunk as the packager produces them. The same handler
// tree is exposed over TLS/TCP and HTTP/3.
package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/avbridge/chunkflow/certs"
	"github.com/avbridge/chunkflow/manifest"
)

// SegmentReader is the subset of the segment store the origin reads from.
type SegmentReader interface {
	GetSegmentData(name string) ([]byte, bool)
}

// StreamHandle bundles the per-stream resources the origin serves from:
// the manifest generator, the finalized-segment store, and the live chunk
// broadcaster.
type StreamHandle struct {
	Manifest *manifest.Generator
	Segments SegmentReader
	Live     *Broadcaster
}

// ServerConfig holds the origin server configuration.
type ServerConfig struct {
	Addr string
	Cert *certs.CertInfo
	Log  *slog.Logger
}

// Server is the chunkflow origin. It registers streams under app/stream
// keys and serves GET /{app}/{stream}/manifest.mpd and
// GET /{app}/{stream}/{file} over both TLS/TCP and HTTP/3.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu      sync.RWMutex
	streams map[string]*StreamHandle
}

// NewServer creates an origin Server. It returns an error if required
// fields are missing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     log.With("component", "origin"),
		streams: make(map[string]*StreamHandle),
	}, nil
}

// Register makes a stream's resources servable under app/stream.
func (s *Server) Register(app, stream string, h *StreamHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[app+"/"+stream] = h
}

// Unregister removes a stream from the origin.
func (s *Server) Unregister(app, stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, app+"/"+stream)
}

func (s *Server) lookup(app, stream string) *StreamHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[app+"/"+stream]
}

// Handler returns the origin's handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{app}/{stream}/manifest.mpd", s.handleManifest)
	mux.HandleFunc("GET /{app}/{stream}/{file}", s.handleMedia)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	h := s.lookup(r.PathValue("app"), r.PathValue("stream"))
	if h == nil || h.Manifest == nil {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	text, err := h.Manifest.Manifest(time.Now())
	if err != nil {
		if errors.Is(err, manifest.ErrNotStarted) {
			writeError(w, http.StatusNotFound, "stream has not started")
			return
		}
		writeError(w, http.StatusInternalServerError, "manifest unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/dash+xml")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write([]byte(text)); err != nil {
		s.log.Debug("manifest response write", "error", err)
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	stream := r.PathValue("stream")
	name := r.PathValue("file")

	h := s.lookup(app, stream)
	if h == nil {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}

	// Finalized segments and init segments come from the store.
	if h.Segments != nil {
		if payload, ok := h.Segments.GetSegmentData(name); ok {
			w.Header().Set("Content-Type", mediaContentType(name))
			w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
			if _, err := w.Write(payload); err != nil {
				s.log.Debug("segment response write", "error", err)
			}
			return
		}
	}

	// A segment still being produced streams chunk by chunk.
	if h.Live != nil {
		if history, ch, cancel, ok := h.Live.Subscribe(app, stream, name); ok {
			defer cancel()
			s.streamLive(w, r, name, history, ch)
			return
		}
	}

	writeError(w, http.StatusNotFound, "segment not found")
}

// streamLive writes already-produced chunks, then relays new chunks with a
// flush after each so they reach the player before the segment completes.
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request, name string, history [][]byte, ch <-chan []byte) {
	w.Header().Set("Content-Type", mediaContentType(name))
	flusher, _ := w.(http.Flusher)

	for _, chunk := range history {
		if _, err := w.Write(chunk); err != nil {
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Start serves the handler tree over TLS/TCP and HTTP/3 on the configured
// address, blocking until the context is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Cert.TLSCert},
	}

	handler := s.Handler()

	tcpSrv := &http.Server{
		Addr:      s.cfg.Addr,
		Handler:   handler,
		TLSConfig: tlsConfig,
	}
	h3Srv := &http3.Server{
		Addr:      s.cfg.Addr,
		Handler:   handler,
		TLSConfig: tlsConfig,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("HTTPS origin listening", "addr", s.cfg.Addr)
		if err := tcpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("origin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP/3 origin listening", "addr", s.cfg.Addr)
		if err := h3Srv.ListenAndServe(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("HTTP/3 origin: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h3Srv.Close()
		return tcpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// altSvcMiddleware advertises the HTTP/3 endpoint to TCP clients.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	_, port, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return next
	}
	altSvc := fmt.Sprintf(`h3=":%s"; ma=2592000`, port)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", altSvc)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func mediaContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".mpd"):
		return "application/dash+xml"
	case strings.HasPrefix(name, "init_"):
		return "video/mp4"
	default:
		return "video/iso.segment"
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}
