// Package api is the Consumer API surface of §4.6: the HTTP operations a
// hub-side integrator calls to attach a buffer/live/record consumer to one
// device's FrameStore and to deliver talkback bytes back to it. It is a
// thin transport layer over pkg/sessionmgr.Manager; every consumer
// operation it exposes maps directly onto a Manager method.
package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/sessionmgr"
)

// sinkKind tags each chunk written to a live/record stream so one HTTP
// response can carry both independent sinks (§3: video and audio are
// delivered on independent sinks, with no inter-kind ordering guarantee).
type sinkKind byte

const (
	sinkVideo sinkKind = 0
	sinkAudio sinkKind = 1
)

// Server is the Consumer API's HTTP frontend.
type Server struct {
	mgr    *sessionmgr.Manager
	logger *slog.Logger

	httpServer *http.Server

	mu        sync.Mutex
	talkbacks map[string]chan []byte
}

// NewServer builds a Consumer API server over mgr.
func NewServer(mgr *sessionmgr.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mgr:       mgr,
		logger:    logger,
		talkbacks: make(map[string]chan []byte),
	}
}

// Start launches the HTTP server in the background. It returns the server's
// error if it fails within 100 ms (for example a bind error), and nil once
// that wait passes without one.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)

	mux.HandleFunc("POST /api/devices/{id}/buffer", s.handleStartBuffer)
	mux.HandleFunc("DELETE /api/devices/{id}/buffer", s.handleStopBuffer)

	mux.HandleFunc("GET /api/devices/{id}/live", s.handleLive)
	mux.HandleFunc("POST /api/devices/{id}/live/talkback", s.handleTalkback)

	mux.HandleFunc("GET /api/devices/{id}/record", s.handleRecord)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("consumer API server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("consumer API listening", "address", addr)
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// deviceStatusDTO is the JSON-serializable view of sessionmgr.Status; its
// LastError field is an error interface, which encoding/json flattens to an
// empty object rather than text.
type deviceStatusDTO struct {
	DeviceID    string    `json:"deviceId"`
	State       string    `json:"state"`
	ConnState   string    `json:"connState"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"lastError,omitempty"`
	LastAttempt time.Time `json:"lastAttempt"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses := s.mgr.Status()
	dtos := make([]deviceStatusDTO, 0, len(statuses))
	for _, st := range statuses {
		dto := deviceStatusDTO{
			DeviceID:    st.DeviceID,
			State:       st.State.String(),
			ConnState:   st.ConnState.String(),
			Failures:    st.Failures,
			LastAttempt: st.LastAttempt,
		}
		if st.LastError != nil {
			dto.LastError = st.LastError.Error()
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleStartBuffer(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.mgr.StartBuffer(r.Context(), deviceID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopBuffer(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.mgr.StopBuffer(r.Context(), deviceID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLive attaches a live consumer and streams both sinks as one
// length-prefixed chunked HTTP response until the client disconnects.
// Each chunk is `1-byte kind | 4-byte BE length | payload`; kind 0 is
// video, kind 1 is audio (§3). A talkback channel is always registered so
// a concurrent POST .../live/talkback can feed it even if it connects
// slightly after this request starts.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	consumerID := r.URL.Query().Get("consumer")
	if consumerID == "" {
		http.Error(w, "missing consumer query parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	talkback := make(chan []byte, 8)
	key := talkbackKey(deviceID, consumerID)
	s.mu.Lock()
	s.talkbacks[key] = talkback
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.talkbacks, key)
		s.mu.Unlock()
		close(talkback)
	}()

	sw := &streamWriter{rw: w, flusher: flusher, errCh: make(chan error, 1)}
	video := &muxSink{w: sw, kind: sinkVideo}
	audio := &muxSink{w: sw, kind: sinkAudio}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.mgr.StartLive(r.Context(), deviceID, consumerID, video, audio, talkback); err != nil {
		s.logger.Warn("start live failed", "device_id", deviceID, "consumer_id", consumerID, "error", err)
		return
	}
	defer s.mgr.StopLive(context.Background(), deviceID, consumerID)

	select {
	case <-r.Context().Done():
	case <-sw.errCh:
	}
}

// handleRecord attaches a record consumer (head-start semantics: the
// caller immediately receives the trunk snapshot, then live pushes) and
// streams it the same way handleLive does.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	consumerID := r.URL.Query().Get("consumer")
	if consumerID == "" {
		http.Error(w, "missing consumer query parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sw := &streamWriter{rw: w, flusher: flusher, errCh: make(chan error, 1)}
	video := &muxSink{w: sw, kind: sinkVideo}
	audio := &muxSink{w: sw, kind: sinkAudio}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.mgr.StartRecord(r.Context(), deviceID, consumerID, video, audio); err != nil {
		s.logger.Warn("start record failed", "device_id", deviceID, "consumer_id", consumerID, "error", err)
		return
	}
	defer s.mgr.StopRecord(context.Background(), deviceID, consumerID)

	select {
	case <-r.Context().Done():
	case <-sw.errCh:
	}
}

// handleTalkback reads the raw bytes of the request body as a sequence of
// talkback chunks, one per Read, and forwards each to the live consumer's
// talkback channel registered by handleLive. A zero-length body is the
// caller's explicit end-of-utterance convention (§3); the silence timer in
// pkg/session synthesizes the same terminator if the connection is simply
// closed without one.
func (s *Server) handleTalkback(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	consumerID := r.URL.Query().Get("consumer")

	s.mu.Lock()
	ch, ok := s.talkbacks[talkbackKey(deviceID, consumerID)]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no live consumer with talkback registered", http.StatusNotFound)
		return
	}

	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			total += n
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case ch <- chunk:
			case <-r.Context().Done():
				return
			}
		}
		if err != nil {
			break
		}
	}
	if total == 0 {
		select {
		case ch <- []byte{}:
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func talkbackKey(deviceID, consumerID string) string {
	return deviceID + "/" + consumerID
}

// streamWriter serializes writes from the video and audio muxSinks onto one
// underlying HTTP response, flushing after each framed chunk so the
// consumer sees packets as they arrive rather than buffered.
type streamWriter struct {
	mu      sync.Mutex
	rw      http.ResponseWriter
	flusher http.Flusher
	errCh   chan error
}

func (w *streamWriter) writeFrame(kind sinkKind, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(p)))

	if _, err := w.rw.Write(header); err != nil {
		w.reportErr(err)
		return 0, err
	}
	if len(p) > 0 {
		if _, err := w.rw.Write(p); err != nil {
			w.reportErr(err)
			return 0, err
		}
	}
	w.flusher.Flush()
	return len(p), nil
}

func (w *streamWriter) reportErr(err error) {
	select {
	case w.errCh <- err:
	default:
	}
}

// muxSink is one sinkKind's framestore.Sink view onto a shared streamWriter.
type muxSink struct {
	w    *streamWriter
	kind sinkKind
}

func (s *muxSink) Write(p []byte) (int, error) { return s.w.writeFrame(s.kind, p) }
func (s *muxSink) Err() <-chan error            { return s.w.errCh }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode, "duration_ms", time.Since(start).Milliseconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets the wrapped writer satisfy http.Flusher for the streaming
// handlers, since they type-assert w (not the mux's own responseWriter).
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.Of(err) {
	case errs.KindInvalidArgument:
		status = http.StatusBadRequest
	case errs.KindNotConnected:
		status = http.StatusConflict
	}
	http.Error(w, fmt.Sprintf("%v", err), status)
}
