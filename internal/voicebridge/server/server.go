// Package server exposes the media stream endpoints, the control API and
// the gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/voicebridge/internal/voicebridge/bridge"
	"github.com/sebas/voicebridge/internal/voicebridge/events"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/registry"
	"github.com/sebas/voicebridge/internal/voicebridge/store"
	"github.com/sebas/voicebridge/internal/voicebridge/telephony"
	"github.com/sebas/voicebridge/internal/voicebridge/transcribe"
)

// HealthService is the gRPC health service name reported alongside the
// overall server status.
const HealthService = "voicebridge.Bridge"

// Options wires the server to the rest of the process.
type Options struct {
	HTTPAddr string
	GRPCAddr string // empty disables gRPC

	// Bridge is the template for every bridge; Registry is filled in by the
	// server.
	Bridge    bridge.Config
	Telephony telephony.Options

	// Transcription sibling pipeline. Both providers nil disables
	// /transcribe-stream.
	Streaming  transcribe.StreamingProvider
	Batch      transcribe.BatchProvider
	Transcribe transcribe.Config

	// Store backs call lookups once a call has left the registry. Optional.
	Store *store.Store

	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Server runs bridges for incoming media streams.
type Server struct {
	opts     Options
	log      *slog.Logger
	registry *registry.Registry[*bridge.Bridge]
	health   *health.Server

	httpServer *http.Server
	grpcServer *grpc.Server

	// ctx is the parent of every call; cancelled when shutdown gives up
	// waiting.
	ctx    context.Context
	cancel context.CancelFunc

	calls        sync.WaitGroup
	draining     atomic.Bool
	shutdownOnce sync.Once
	startTime    time.Time
}

// New creates a server. Nothing listens until ListenAndServe.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Bridge.Logger == nil {
		opts.Bridge.Logger = opts.Logger
	}
	if opts.Bridge.Metrics == nil {
		opts.Bridge.Metrics = opts.Metrics
	}
	if opts.Telephony.Metrics == nil {
		opts.Telephony.Metrics = opts.Metrics
	}
	if opts.Telephony.Logger == nil {
		opts.Telephony.Logger = opts.Logger
	}
	if opts.Transcribe.Metrics == nil {
		opts.Transcribe.Metrics = opts.Metrics
	}
	if opts.Transcribe.Logger == nil {
		opts.Transcribe.Logger = opts.Logger
	}
	if opts.Bridge.Notifier == nil {
		opts.Bridge.Notifier = events.NewNoopNotifier()
	}
	if opts.Bridge.Events == nil {
		opts.Bridge.Events = events.NewBuilder("")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		log:       opts.Logger,
		registry:  registry.New[*bridge.Bridge](opts.Logger),
		health:    health.NewServer(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.opts.Bridge.Registry = s.registry

	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Media streams
	mux.HandleFunc("/media-stream", s.handleMediaStream)
	mux.HandleFunc("/transcribe-stream", s.handleTranscribeStream)

	// Control API
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	mux.Handle("/metrics", s.opts.Metrics.Handler())
	return mux
}

// Registry exposes the live bridges.
func (s *Server) Registry() *registry.Registry[*bridge.Bridge] {
	return s.registry
}

// Health exposes the gRPC health server.
func (s *Server) Health() *health.Server {
	return s.health
}

// ListenAndServe serves HTTP and gRPC until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpListener, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return err
	}
	s.log.Info("[Server] HTTP listening", "addr", httpListener.Addr().String())
	g.Go(func() error {
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.opts.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			_ = httpListener.Close()
			return err
		}
		s.log.Info("[Server] gRPC health listening", "addr", grpcListener.Addr().String())
		g.Go(func() error {
			return s.grpcServer.Serve(grpcListener)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// Shutdown reports NOT_SERVING, stops accepting streams, ends every live
// call and waits for them until ctx ends. Calls still running then are
// cancelled.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.draining.Store(true)
		s.health.Shutdown()
		s.log.Info("[Server] Shutting down", "active_calls", s.registry.Count())

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("[Server] HTTP shutdown incomplete", "error", err)
		}

		s.registry.EndAll(bridge.ReasonShutdown)
		if !s.registry.Wait(ctx) {
			s.log.Warn("[Server] Calls still live after shutdown timeout", "count", s.registry.Count())
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.calls.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("[Server] Gave up waiting for streams")
		}

		s.grpcServer.GracefulStop()
		s.log.Info("[Server] Stopped")
	})
}

// --- Media streams ---

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, err := telephony.Accept(w, r, s.opts.Telephony)
	if err != nil {
		s.log.Warn("[Server] Media stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.calls.Add(1)
	defer s.calls.Done()

	b := bridge.New(sess, s.opts.Bridge)
	s.log.Debug("[Server] Media stream accepted", "remote", r.RemoteAddr, "bridge_id", b.ID)
	b.Run(s.ctx)
}

func (s *Server) handleTranscribeStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Streaming == nil && s.opts.Batch == nil {
		http.Error(w, "Transcription not configured", http.StatusServiceUnavailable)
		return
	}
	if s.draining.Load() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, err := telephony.Accept(w, r, s.opts.Telephony)
	if err != nil {
		s.log.Warn("[Server] Transcription stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.calls.Add(1)
	defer s.calls.Done()
	s.runTranscription(sess)
}

// runTranscription feeds one telephony stream into a transcription session
// until the stream stops or the server shuts down.
func (s *Server) runTranscription(sess *telephony.Session) {
	defer sess.Close()

	var ts *transcribe.Session
	for {
		var ev telephony.Event
		var ok bool
		select {
		case ev, ok = <-sess.Events():
		case <-s.ctx.Done():
			ok = false
		}
		if !ok {
			break
		}

		switch e := ev.(type) {
		case telephony.StartEvent:
			if ts != nil {
				continue
			}
			ts = transcribe.NewSession(e.CallID, s.opts.Streaming, s.opts.Batch,
				s.transcriptSink(e.CallID), s.opts.Transcribe)
			if err := ts.Start(s.ctx); err != nil {
				s.log.Error("[Server] Transcription unavailable", "call_id", e.CallID, "error", err)
				return
			}
		case telephony.AudioEvent:
			if ts != nil {
				ts.Feed(e.Payload)
			}
		case telephony.StopEvent:
			ok = false
		}
		if !ok {
			break
		}
	}

	if ts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		ts.Stop(ctx)
		s.log.Info("[Server] Transcription finished", "call_id", sess.CallID(), "lines", len(ts.History()))
	}
}

func (s *Server) transcriptSink(callID string) transcribe.Sink {
	return func(line transcribe.Line) {
		if !line.IsFinal {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ev := s.opts.Bridge.Events.Line(callID, events.SpeakerCustomer, line.Text)
		if err := s.opts.Bridge.Notifier.Notify(ctx, ev); err != nil {
			s.log.Warn("[Server] Transcript notification failed", "call_id", callID, "error", err)
		}
	}
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.draining.Load() {
		status = "draining"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, map[string]interface{}{
		"status":       status,
		"uptime":       int64(time.Since(s.startTime).Seconds()),
		"active_calls": s.registry.Count(),
	})
}

// --- Calls ---

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bridges := s.registry.Snapshot()
	infos := make([]bridge.Info, 0, len(bridges))
	for _, b := range bridges {
		infos = append(infos, b.Info())
	}
	s.writeJSON(w, infos)
}

// handleCallByID serves
// GET /api/v1/calls/{callID} - live bridge or stored record
// POST /api/v1/calls/{callID}/end - end a live call
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	parts := strings.Split(path, "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "end") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	callID, err := url.PathUnescape(parts[0])
	if err != nil || callID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleEndCall(w, callID)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleGetCall(w, r, callID)
}

type callResponse struct {
	Live   bool         `json:"live"`
	Bridge *bridge.Info `json:"bridge,omitempty"`
	Call   *store.Call  `json:"call,omitempty"`
	Lines  []store.Line `json:"lines,omitempty"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request, callID string) {
	var resp callResponse
	if b, ok := s.registry.Lookup(callID); ok {
		info := b.Info()
		resp.Live = true
		resp.Bridge = &info
	}

	if s.opts.Store != nil {
		call, err := s.opts.Store.Call(r.Context(), callID)
		switch {
		case err == nil:
			resp.Call = call
		case !errors.Is(err, store.ErrNotFound):
			s.log.Error("[Server] Call lookup failed", "call_id", callID, "error", err)
			http.Error(w, "Storage error", http.StatusInternalServerError)
			return
		}
		if resp.Call != nil || resp.Live {
			lines, err := s.opts.Store.Lines(r.Context(), callID)
			if err != nil {
				s.log.Warn("[Server] Transcript lookup failed", "call_id", callID, "error", err)
			}
			resp.Lines = lines
		}
	}

	if !resp.Live && resp.Call == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleEndCall(w http.ResponseWriter, callID string) {
	b, ok := s.registry.Lookup(callID)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	b.End(bridge.ReasonExternal)
	s.log.Info("[Server] Call end requested", "call_id", callID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Call ending",
		"call_id": callID,
	}); err != nil {
		s.log.Error("[Server] Failed to encode JSON", "error", err)
	}
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("[Server] Failed to encode JSON", "error", err)
	}
}
