package detection

import (
	"context"
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

// State is the lifecycle position of the current capture
type State int

const (
	// StateIdle means nothing was captured yet
	StateIdle State = iota
	// StateCapturing is set while a new capture replaces the previous one
	StateCapturing
	// StateAnalyzing waits for the vision model
	StateAnalyzing
	// StateExtracted holds detections that wait for the image size
	StateExtracted
	// StateNormalizing converts boxes to the [0,1] space
	StateNormalizing
	// StateReady holds normalized boxes
	StateReady
	// StateErrored means the analysis failed; Message says why
	StateErrored
)

var stateNames = [...]string{"idle", "capturing", "analyzing", "extracted", "normalizing", "ready", "errored"}

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

var (
	// ErrSuperseded is returned for work belonging to a capture that a newer one replaced
	ErrSuperseded = errors.New("capture superseded by a newer capture")
	// ErrNoImage is returned when a capture carries no image data
	ErrNoImage = errors.New("image data is required")
)

// Capture is one submitted image. Size may be zero when not yet known.
type Capture struct {
	ImageB64 string
	Size     types.ImageSize
	Prompt   string
}

// Snapshot is a read-only view of the session
type Snapshot struct {
	Generation      uint64                `json:"generation"`
	State           State                 `json:"state"`
	Image           string                `json:"-"`
	ImageSize       types.ImageSize       `json:"imageSize"`
	Result          types.AnalysisResult  `json:"result"`
	Boxes           []types.NormalizedBox `json:"boxes"`
	PrimaryProduct  string                `json:"primaryProduct,omitempty"`
	Message         string                `json:"message,omitempty"`
	ExtractionError string                `json:"extractionError,omitempty"`
	Dropped         int                   `json:"dropped,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Result.Detections = append([]types.Detection{}, s.Result.Detections...)
	if s.Boxes != nil {
		s.Boxes = append([]types.NormalizedBox{}, s.Boxes...)
	}
	return s
}

// Session owns the capture → analysis → extraction → normalization lifecycle.
// Only the latest capture may write state; older in-flight analyses are
// cancelled and their responses dropped on arrival.
type Session struct {
	analyzer Analyzer
	policy   ProductPolicy
	logger   *slog.Logger

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	hub    watch.Hub[Snapshot]
}

// NewSession creates an idle session
func NewSession(analyzer Analyzer, policy ProductPolicy, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		analyzer: analyzer,
		policy:   policy,
		logger:   logger,
		snap:     Snapshot{State: StateIdle, Result: types.AnalysisResult{Detections: []types.Detection{}}},
	}
}

// Capture starts a new generation for the image and blocks until its analysis
// completes. It returns ErrSuperseded when a newer capture started meanwhile.
func (s *Session) Capture(ctx context.Context, c Capture, conv types.ConversationContext) (Snapshot, error) {
	if c.ImageB64 == "" {
		return s.Snapshot(), ErrNoImage
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	gen := s.snap.Generation + 1
	s.snap = Snapshot{
		Generation: gen,
		State:      StateCapturing,
		Image:      c.ImageB64,
		ImageSize:  c.Size,
		Result:     types.AnalysisResult{Detections: []types.Detection{}},
	}
	s.publishLocked()
	s.snap.State = StateAnalyzing
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Debug("analyzing capture", "generation", gen, "size", c.Size)
	raw, err := s.analyzer.Analyze(ctx, c.ImageB64, c.Prompt, conv)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Generation != gen {
		s.logger.Debug("discarding stale analysis", "generation", gen, "current", s.snap.Generation)
		return s.snap.clone(), ErrSuperseded
	}

	if err != nil {
		s.snap.State = StateErrored
		s.snap.Message = failureMessage(err)
		s.logger.Error("image analysis failed", "generation", gen, "error", err)
		s.publishLocked()
		return s.snap.clone(), fmt.Errorf("analyze image: %w", err)
	}

	result, dropped, xerr := extract.Detections(raw)
	s.snap.Result = result
	s.snap.Dropped = dropped
	if xerr != nil {
		s.snap.ExtractionError = xerr.Error()
		s.logger.Warn("no detections extracted", "generation", gen, "error", xerr)
	} else if dropped > 0 {
		s.logger.Warn("dropped malformed detections", "generation", gen, "dropped", dropped)
	}
	s.snap.PrimaryProduct = s.policy.PrimaryProduct(result.Detections)
	s.snap.State = StateExtracted
	s.publishLocked()

	s.normalizeLocked()
	return s.snap.clone(), nil
}

// SetImageSize records the image size of the given generation, replacing any
// earlier value, and normalizes detections that are already extracted.
func (s *Session) SetImageSize(generation uint64, size types.ImageSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.snap.Generation {
		return ErrSuperseded
	}
	s.snap.ImageSize = size
	if s.snap.State == StateExtracted || s.snap.State == StateReady {
		s.normalizeLocked()
	}
	return nil
}

// normalizeLocked moves Extracted to Ready once the size is known; otherwise
// the detections stay pending in Extracted.
func (s *Session) normalizeLocked() {
	if !s.snap.ImageSize.Known() {
		s.snap.Boxes = nil
		if s.snap.State == StateReady {
			s.snap.State = StateExtracted
			s.publishLocked()
		}
		return
	}
	s.snap.State = StateNormalizing
	s.publishLocked()
	s.snap.Boxes = NormalizeAll(s.snap.Result.Detections, s.snap.ImageSize)
	s.snap.State = StateReady
	s.publishLocked()
}

// IfCurrent runs fn under the session lock while generation is still the
// latest capture, and reports whether it ran. fn must not call back into the
// session.
func (s *Session) IfCurrent(generation uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.snap.Generation {
		return false
	}
	fn()
	return true
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Subscribe streams snapshots, starting with the current one
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(s.snap.clone())
}

func (s *Session) publishLocked() {
	s.hub.Publish(s.snap.clone())
}

func failureMessage(err error) string {
	var statusErr *client.StatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("Failed to process image (status %d). Please try again.", statusErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "Image analysis timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "Image analysis was cancelled."
	default:
		return "Failed to process image. Please try again."
	}
}
