package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/internal/logging"
	"github.com/menta2k/hwassist/pkg/advisor"
	"github.com/menta2k/hwassist/pkg/detection"
	"github.com/menta2k/hwassist/pkg/extract"
	"github.com/menta2k/hwassist/pkg/types"
	"github.com/menta2k/hwassist/pkg/voice"
)

// maxImageUpload caps capture uploads
const maxImageUpload = 50 << 20

// Server exposes the assistant over HTTP
type Server struct {
	assistant  *hwassist.Assistant
	voice      *voice.Controller
	microphone *voice.StreamMicrophone
	speaker    *voice.MemorySpeaker
	logger     *slog.Logger
}

// Options holds the server's collaborators. The voice fields may be nil, in
// which case the voice endpoints answer 503.
type Options struct {
	Assistant  *hwassist.Assistant
	Voice      *voice.Controller
	Microphone *voice.StreamMicrophone
	Speaker    *voice.MemorySpeaker
	Logger     *slog.Logger
}

// New creates a server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{
		assistant:  opts.Assistant,
		voice:      opts.Voice,
		microphone: opts.Microphone,
		speaker:    opts.Speaker,
		logger:     opts.Logger,
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HealthHandler)

	mux.HandleFunc("POST /api/capture", s.CaptureHandler)
	mux.HandleFunc("GET /api/session", s.SessionHandler)
	mux.HandleFunc("POST /api/session/size", s.ImageSizeHandler)

	mux.HandleFunc("GET /api/context", s.ContextHandler)
	mux.HandleFunc("PUT /api/context", s.UpdateContextHandler)

	mux.HandleFunc("POST /api/ask", s.AskHandler)
	mux.HandleFunc("POST /api/plan", s.PlanHandler)

	mux.HandleFunc("GET /api/voice", s.VoiceStatusHandler)
	mux.HandleFunc("POST /api/voice/start", s.VoiceStartHandler)
	mux.HandleFunc("POST /api/voice/audio", s.VoiceAudioHandler)
	mux.HandleFunc("POST /api/voice/stop", s.VoiceStopHandler)
	mux.HandleFunc("GET /api/voice/playback", s.PlaybackHandler)
	mux.HandleFunc("DELETE /api/voice/playback", s.FinishPlaybackHandler)

	return corsMiddleware(s.logRequests(mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.voice != nil {
		s.voice.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// HealthHandler reports liveness
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "version": hwassist.Version}, http.StatusOK)
}

type captureRequest struct {
	Image string `json:"image"`
}

// CaptureHandler analyzes an uploaded image: multipart field "file" or a JSON
// body {"image": "<data URL or base64>"}
func (s *Server) CaptureHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageUpload)

	var snap detection.Snapshot
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		data, rerr := readUpload(r)
		if rerr != nil {
			respondError(w, rerr.Error(), http.StatusBadRequest)
			return
		}
		snap, err = s.assistant.CaptureBytes(r.Context(), data)
	} else {
		var req captureRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil || req.Image == "" {
			respondError(w, "Image is required", http.StatusBadRequest)
			return
		}
		snap, err = s.assistant.CaptureBase64(r.Context(), req.Image)
	}

	switch {
	case err == nil:
		respondJSON(w, snap, http.StatusOK)
	case errors.Is(err, hwassist.ErrInvalidImage):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, detection.ErrSuperseded):
		respondError(w, "Capture superseded by a newer capture", http.StatusConflict)
	default:
		respondJSON(w, snap, http.StatusBadGateway)
	}
}

func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		return nil, fmt.Errorf("failed to parse form")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("no file uploaded")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file")
	}
	return data, nil
}

// SessionHandler returns the capture session snapshot
func (s *Server) SessionHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.assistant.Session().Snapshot(), http.StatusOK)
}

type imageSizeRequest struct {
	Generation uint64 `json:"generation"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ImageSizeHandler records the displayed image size of a capture generation
func (s *Server) ImageSizeHandler(w http.ResponseWriter, r *http.Request) {
	var req imageSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	session := s.assistant.Session()
	if err := session.SetImageSize(req.Generation, types.ImageSize{Width: req.Width, Height: req.Height}); err != nil {
		respondError(w, err.Error(), http.StatusConflict)
		return
	}
	respondJSON(w, session.Snapshot(), http.StatusOK)
}

// ContextHandler returns the conversation context without the image
func (s *Server) ContextHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, contextView(s.assistant.Conversation().Snapshot()), http.StatusOK)
}

type contextUpdate struct {
	Objective          *string  `json:"objective"`
	CurrentItems       *string  `json:"currentItems"`
	ReferenceDocuments []string `json:"referenceDocuments"`
}

// UpdateContextHandler applies user edits; omitted fields are left as they are
func (s *Server) UpdateContextHandler(w http.ResponseWriter, r *http.Request) {
	var req contextUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	store := s.assistant.Conversation()
	if req.Objective != nil {
		store.SetObjective(*req.Objective)
	}
	if req.CurrentItems != nil {
		store.SetCurrentItems(*req.CurrentItems)
	}
	if req.ReferenceDocuments != nil {
		store.SetReferenceDocuments(req.ReferenceDocuments)
	}
	respondJSON(w, contextView(store.Snapshot()), http.StatusOK)
}

type contextResponse struct {
	Objective          string   `json:"objective"`
	CurrentItems       string   `json:"currentItems"`
	ReferenceDocuments []string `json:"referenceDocuments"`
	HasImage           bool     `json:"hasImage"`
	LastDetectedLabels []string `json:"lastDetectedLabels"`
}

func contextView(c types.ConversationContext) contextResponse {
	return contextResponse{
		Objective:          c.Objective,
		CurrentItems:       c.CurrentItems,
		ReferenceDocuments: nonNil(c.ReferenceDocuments),
		HasImage:           c.LastImage != "",
		LastDetectedLabels: nonNil(c.LastDetectedLabels),
	}
}

type askRequest struct {
	Query string `json:"query"`
}

// AskHandler answers a typed question
func (s *Server) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	answer, err := s.assistant.Ask(r.Context(), req.Query)
	if errors.Is(err, advisor.ErrEmptyQuery) {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("ask failed", "error", err)
		respondError(w, "Failed to get next step", http.StatusBadGateway)
		return
	}
	respondJSON(w, map[string]string{"answer": answer}, http.StatusOK)
}

// PlanHandler returns a build plan for the current objective
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := s.assistant.Plan(r.Context())
	if err != nil {
		var failure *extract.Failure
		if errors.As(err, &failure) {
			respondJSON(w, map[string]string{"error": failure.Reason, "raw": failure.Raw}, http.StatusUnprocessableEntity)
			return
		}
		respondError(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondJSON(w, plan, http.StatusOK)
}

// VoiceStatusHandler returns the voice controller status
func (s *Server) VoiceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	respondJSON(w, s.voice.Status(), http.StatusOK)
}

// VoiceStartHandler opens a recording
func (s *Server) VoiceStartHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	if err := s.voice.Start(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, voice.ErrBusy) || errors.Is(err, voice.ErrClosed) {
			status = http.StatusConflict
		}
		respondError(w, err.Error(), status)
		return
	}
	respondJSON(w, s.voice.Status(), http.StatusOK)
}

// VoiceAudioHandler appends the request body to the open recording
func (s *Server) VoiceAudioHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	n, err := io.Copy(s.microphone, r.Body)
	if errors.Is(err, voice.ErrNoRecording) {
		respondError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	respondJSON(w, map[string]int64{"received": n}, http.StatusOK)
}

type voiceStopResponse struct {
	voice.Outcome
	Error string `json:"error,omitempty"`
}

// VoiceStopHandler ends the recording and runs the voice cycle
func (s *Server) VoiceStopHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	out, err := s.voice.Stop(r.Context())
	switch {
	case err == nil:
		respondJSON(w, voiceStopResponse{Outcome: out}, http.StatusOK)
	case errors.Is(err, voice.ErrNotRecording):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, voice.ErrEmptyAudio):
		respondJSON(w, voiceStopResponse{Outcome: out, Error: err.Error()}, http.StatusBadRequest)
	default:
		respondJSON(w, voiceStopResponse{Outcome: out, Error: err.Error()}, http.StatusBadGateway)
	}
}

// PlaybackHandler serves the audio of the active playback
func (s *Server) PlaybackHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	audio, id, ok := s.speaker.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Playback-Id", strconv.FormatUint(id, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// FinishPlaybackHandler ends a playback once the client has played it;
// without an id the active playback is stopped
func (s *Server) FinishPlaybackHandler(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	raw := r.URL.Query().Get("id")
	if raw == "" {
		s.voice.StopPlayback()
		respondJSON(w, s.voice.Status(), http.StatusOK)
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, "Invalid playback id", http.StatusBadRequest)
		return
	}
	if !s.speaker.Finish(id) {
		respondError(w, "Playback not active", http.StatusNotFound)
		return
	}
	respondJSON(w, s.voice.Status(), http.StatusOK)
}

func (s *Server) voiceEnabled(w http.ResponseWriter) bool {
	if s.voice == nil || s.microphone == nil || s.speaker == nil {
		respondError(w, "Voice is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Playback-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
