package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/menta2k/hwassist/internal/watch"
	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/extract"
	"github.com/menta2k/hwassist/pkg/types"
)

// State is the position of the controller in the record → answer → speak cycle
type State int

const (
	// StateIdle accepts a new recording
	StateIdle State = iota
	// StateRecording holds an open microphone
	StateRecording
	// StateTranscribing waits for the speech-to-text service
	StateTranscribing
	// StateReasoning waits for the answer
	StateReasoning
	// StateSynthesizing waits for the answer's speech
	StateSynthesizing
	// StatePlaying plays the answer; a new recording may start
	StatePlaying
	// StateError is the failed step, left at once for the fallback
	StateError
	// StateFallbackSynthesizing waits for the apology's speech
	StateFallbackSynthesizing
	// StateFallbackPlaying plays the apology; a new recording may start
	StateFallbackPlaying
)

var stateNames = [...]string{
	"idle", "recording", "transcribing", "reasoning", "synthesizing",
	"playing", "error", "fallback-synthesizing", "fallback-playing",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Processing reports whether a step of the cycle is in flight, which
// excludes starting a new recording
func (s State) Processing() bool {
	return s == StateTranscribing || s == StateReasoning || s == StateSynthesizing ||
		s == StateError || s == StateFallbackSynthesizing
}

// User-facing messages
const (
	MsgServerIssues     = "The server is experiencing issues. Please try again in a moment."
	MsgUnavailable      = "The transcription service is currently unavailable."
	MsgNotUnderstood    = "I'm having trouble understanding you right now. Please try again."
	MsgProcessingFailed = "I'm having trouble processing your request. Please try again."
	MsgNoAudio          = "No audio was recorded. Please try again."
	MsgAudioFailed      = "There was an error processing the audio. Please try again."
	MsgMicrophone       = "Unable to access microphone. Please check permissions and try again."
	MsgPlaybackFailed   = "Unable to play the response audio."

	// FallbackSpeech is spoken once when the cycle fails
	FallbackSpeech = "I apologize, but I'm having trouble connecting to the network. Please try again in a moment."
)

var (
	// ErrBusy is returned when a recording is requested while a cycle is active
	ErrBusy = errors.New("voice cycle already in progress")
	// ErrNotRecording is returned by Stop when nothing is being recorded
	ErrNotRecording = errors.New("not recording")
	// ErrEmptyAudio is returned when the recording captured no audio
	ErrEmptyAudio = errors.New("no audio data recorded")
	// ErrEmptyTranscript is returned when transcription produced no text
	ErrEmptyTranscript = errors.New("transcription returned no text")
	// ErrClosed is returned once the controller has been closed
	ErrClosed = errors.New("voice controller closed")
)

// Microphone acquires the audio input
type Microphone interface {
	Open(ctx context.Context) (Recording, error)
}

// Recording is an open audio capture
type Recording interface {
	// Stop ends the capture and returns everything recorded
	Stop() ([]byte, error)
	// Close releases the input; safe after Stop
	Close() error
}

// Speaker plays synthesized audio
type Speaker interface {
	Play(ctx context.Context, audio []byte) (Playback, error)
}

// Playback is audio being played
type Playback interface {
	// Done is closed when playback ends for any reason
	Done() <-chan struct{}
	// Stop ends playback and releases its resources; safe to call more than once
	Stop()
}

// Transcriber turns base64 audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audioB64 string) (string, error)
}

// Reasoner answers a question against the conversation context
type Reasoner interface {
	NextStep(ctx context.Context, query string, conv types.ConversationContext) (string, error)
}

// Synthesizer turns text into audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config wires the controller's collaborators. Context and OnTranscript may be nil.
type Config struct {
	Microphone   Microphone
	Speaker      Speaker
	Transcriber  Transcriber
	Reasoner     Reasoner
	Synthesizer  Synthesizer
	Context      func() types.ConversationContext
	OnTranscript func(string)
	Logger       *slog.Logger
}

// Status is a read-only view of the controller
type Status struct {
	Cycle      uint64 `json:"cycle"`
	State      State  `json:"state"`
	Playing    bool   `json:"playing"`
	Transcript string `json:"transcript,omitempty"`
	Response   string `json:"response,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Outcome describes a finished cycle
type Outcome struct {
	Transcript string `json:"transcript,omitempty"`
	Response   string `json:"response,omitempty"`
	Message    string `json:"message,omitempty"`
	Fallback   bool   `json:"fallback"`
}

// Controller runs one voice cycle at a time. It owns at most one recording and
// at most one playback.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	recording Recording
	playback  Playback
	cancel    context.CancelFunc
	opening   bool
	closed    bool
	hub       watch.Hub[Status]
}

// NewController creates an idle controller
func NewController(cfg Config) (*Controller, error) {
	if cfg.Microphone == nil || cfg.Speaker == nil || cfg.Transcriber == nil ||
		cfg.Reasoner == nil || cfg.Synthesizer == nil {
		return nil, fmt.Errorf("voice controller requires microphone, speaker, transcriber, reasoner and synthesizer")
	}
	if cfg.Context == nil {
		cfg.Context = func() types.ConversationContext { return types.ConversationContext{} }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{cfg: cfg, logger: logger}, nil
}

// Start begins a new recording. It is refused with ErrBusy unless the
// controller is idle or only playing a previous answer or the fallback.
// The microphone is opened without holding the controller lock.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opening || c.status.State == StateRecording || c.status.State.Processing() {
		c.mu.Unlock()
		return ErrBusy
	}
	c.opening = true
	c.mu.Unlock()

	rec, err := c.cfg.Microphone.Open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.opening = false

	if err != nil {
		c.status.Message = MsgMicrophone
		c.publishLocked()
		return fmt.Errorf("open microphone: %w", err)
	}
	if c.closed {
		if cerr := rec.Close(); cerr != nil {
			c.logger.Warn("closing recording", "error", cerr)
		}
		return ErrClosed
	}

	c.recording = rec
	c.status = Status{
		Cycle:   c.status.Cycle + 1,
		State:   StateRecording,
		Playing: c.playback != nil,
	}
	c.publishLocked()
	c.logger.Debug("recording started", "cycle", c.status.Cycle)
	return nil
}

// Stop ends the recording and runs transcribe → reason → synthesize → play.
// It returns once playback has started or the cycle has failed; a failure at
// any network step triggers a single spoken fallback.
func (c *Controller) Stop(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.status.State != StateRecording || c.recording == nil {
		c.mu.Unlock()
		return Outcome{}, ErrNotRecording
	}
	rec := c.recording
	c.recording = nil
	cycle := c.status.Cycle

	audio, err := rec.Stop()
	if cerr := rec.Close(); cerr != nil {
		c.logger.Warn("closing recording", "error", cerr)
	}
	if err != nil {
		c.finishLocked(MsgAudioFailed)
		c.mu.Unlock()
		return Outcome{Message: MsgAudioFailed}, fmt.Errorf("stop recording: %w", err)
	}
	if len(audio) == 0 {
		c.finishLocked(MsgNoAudio)
		c.mu.Unlock()
		return Outcome{Message: MsgNoAudio}, ErrEmptyAudio
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	c.setLocked(StateTranscribing)
	c.mu.Unlock()

	transcript, err := c.cfg.Transcriber.Transcribe(ctx, base64.StdEncoding.EncodeToString(audio))
	if err == nil && transcript == "" {
		err = ErrEmptyTranscript
	}
	if err != nil {
		return c.fallback(ctx, cycle, Outcome{}, transcriptionMessage(err), fmt.Errorf("transcribe: %w", err))
	}
	out := Outcome{Transcript: transcript}

	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(transcript)
	}
	if !c.advance(cycle, StateReasoning, func(s *Status) { s.Transcript = transcript }) {
		return out, ErrClosed
	}

	reply, err := c.cfg.Reasoner.NextStep(ctx, transcript, c.cfg.Context())
	if err != nil {
		return c.fallback(ctx, cycle, out, MsgProcessingFailed, fmt.Errorf("reason: %w", err))
	}
	out.Response = extract.StripThinking(reply)

	if !c.advance(cycle, StateSynthesizing, func(s *Status) { s.Response = out.Response }) {
		return out, ErrClosed
	}
	speech, err := c.cfg.Synthesizer.Synthesize(ctx, out.Response)
	if err != nil {
		return c.fallback(ctx, cycle, out, MsgProcessingFailed, fmt.Errorf("synthesize: %w", err))
	}

	if err := c.play(ctx, cycle, speech, StatePlaying); err != nil {
		c.logger.Error("playback failed", "cycle", cycle, "error", err)
		out.Message = MsgPlaybackFailed
		c.finish(cycle, MsgPlaybackFailed)
		return out, fmt.Errorf("play: %w", err)
	}
	return out, nil
}

// fallback speaks FallbackSpeech exactly once. Its own failures are logged and
// returned alongside cause but never retried.
func (c *Controller) fallback(ctx context.Context, cycle uint64, out Outcome, message string, cause error) (Outcome, error) {
	out.Fallback = true
	out.Message = message
	c.logger.Error("voice cycle failed", "cycle", cycle, "error", cause)

	if !c.advance(cycle, StateError, func(s *Status) { s.Message = message }) {
		return out, ErrClosed
	}
	if !c.advance(cycle, StateFallbackSynthesizing, nil) {
		return out, ErrClosed
	}

	speech, err := c.cfg.Synthesizer.Synthesize(ctx, FallbackSpeech)
	if err != nil {
		c.logger.Error("fallback speech failed", "cycle", cycle, "error", err)
		c.finish(cycle, message)
		return out, errors.Join(cause, fmt.Errorf("fallback speech: %w", err))
	}
	if err := c.play(ctx, cycle, speech, StateFallbackPlaying); err != nil {
		c.logger.Error("fallback playback failed", "cycle", cycle, "error", err)
		c.finish(cycle, message)
		return out, errors.Join(cause, fmt.Errorf("fallback playback: %w", err))
	}
	return out, cause
}

// play replaces any active playback with audio and moves to state. The
// playback outlives ctx; it ends on its own, on Stop, or on Close.
func (c *Controller) play(ctx context.Context, cycle uint64, audio []byte, state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.status.Cycle != cycle {
		return ErrClosed
	}
	c.stopPlaybackLocked()

	pb, err := c.cfg.Speaker.Play(context.WithoutCancel(ctx), audio)
	if err != nil {
		return err
	}
	c.playback = pb
	c.cancel = nil
	c.status.Playing = true
	c.setLocked(state)

	go c.watch(pb)
	return nil
}

// watch returns the controller to idle when the playback it started ends,
// unless a newer playback or cycle took over
func (c *Controller) watch(pb Playback) {
	<-pb.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback != pb {
		return
	}
	c.playback = nil
	c.status.Playing = false
	if c.status.State == StatePlaying || c.status.State == StateFallbackPlaying {
		c.status.State = StateIdle
	}
	c.publishLocked()
}

// StopPlayback stops the active playback, if any
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback == nil {
		return
	}
	c.stopPlaybackLocked()
	if c.status.State == StatePlaying || c.status.State == StateFallbackPlaying {
		c.status.State = StateIdle
	}
	c.publishLocked()
}

// Close releases the recording and the playback and cancels the in-flight
// cycle. The controller refuses new work afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	var err error
	if c.recording != nil {
		err = c.recording.Close()
		c.recording = nil
	}
	c.stopPlaybackLocked()
	c.status.State = StateIdle
	c.publishLocked()
	return err
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe streams status changes, starting with the current status
func (c *Controller) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.Subscribe(c.status)
}

// advance moves the given cycle to state; it reports false once the cycle is
// no longer current or the controller is closed
func (c *Controller) advance(cycle uint64, state State, update func(*Status)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status.Cycle != cycle {
		return false
	}
	if update != nil {
		update(&c.status)
	}
	c.setLocked(state)
	return true
}

// finish ends the cycle in idle with message
func (c *Controller) finish(cycle uint64, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status.Cycle != cycle {
		return
	}
	c.finishLocked(message)
}

func (c *Controller) finishLocked(message string) {
	c.status.Message = message
	c.cancel = nil
	c.setLocked(StateIdle)
}

func (c *Controller) setLocked(state State) {
	c.status.State = state
	c.publishLocked()
}

func (c *Controller) stopPlaybackLocked() {
	if c.playback != nil {
		c.playback.Stop()
		c.playback = nil
		c.status.Playing = false
	}
}

func (c *Controller) publishLocked() {
	c.hub.Publish(c.status)
}

// transcriptionMessage classifies a transcription failure by status code
func transcriptionMessage(err error) string {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.ServerError():
			return MsgServerIssues
		case statusErr.NotFound():
			return MsgUnavailable
		}
	}
	return MsgNotUnderstood
}
