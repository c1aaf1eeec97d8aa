// Package hwassist is a camera inventory and voice-driven bench assistant.
//
// A capture is prepared (resized and re-encoded), sent to a vision model for a
// component inventory, and the model's free-form answer is extracted into
// detections with bounding boxes normalized to [0,1]. The latest capture, the
// user's objective and the reference documents found for the primary product
// form the conversation context that grounds every question.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/menta2k/hwassist"
//		"github.com/menta2k/hwassist/pkg/ollama"
//	)
//
//	func main() {
//		ctx := context.Background()
//		llm, err := ollama.NewClient("http://localhost:11434")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		assistant, err := hwassist.New(hwassist.Options{Client: llm, VisionModel: "openbmb/minicpm-v4"})
//		if err != nil {
//			log.Fatal(err)
//		}
//		assistant.Conversation().SetObjective("blink an LED")
//
//		snap, err := assistant.CaptureSource(ctx, "bench.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, box := range snap.Boxes {
//			fmt.Printf("%s at %.2f,%.2f\n", box.Label, box.Box.X1, box.Box.Y1)
//		}
//
//		answer, err := assistant.Ask(ctx, "what should I do next?")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(answer)
//	}
//
// The package wires these components:
//
//  1. Detection (pkg/detection): capture lifecycle, box normalization, primary product
//  2. Extraction (pkg/extract): structured data out of model text
//  3. Conversation (pkg/conversation): the grounding context
//  4. Documents (pkg/documents): reference lookup and excerpts
//  5. Advisor (pkg/advisor): next-step answers and plans
//  6. Voice (pkg/voice): record → transcribe → reason → synthesize → play
package hwassist

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/menta2k/hwassist/internal/logging"
	"github.com/menta2k/hwassist/pkg/advisor"
	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/conversation"
	"github.com/menta2k/hwassist/pkg/detection"
	"github.com/menta2k/hwassist/pkg/documents"
	"github.com/menta2k/hwassist/pkg/extract"
	"github.com/menta2k/hwassist/pkg/processing"
	"github.com/menta2k/hwassist/pkg/types"
	"github.com/menta2k/hwassist/pkg/voice"
)

// Version of the assistant
const Version = "0.3.0"

// ErrInvalidImage is returned when a capture cannot be decoded or is too small to analyze
var ErrInvalidImage = errors.New("invalid image")

// Options configures an Assistant. Client is required; the rest is optional.
type Options struct {
	Client         client.VisionClient
	VisionModel    string
	ReasoningModel string // defaults to VisionModel
	Prompt         string // analysis prompt, defaults to detection.DefaultPrompt
	Catalog        documents.Catalog
	Keywords       []string // primary product keywords, defaults to detection.DefaultDeviceKeywords
	MaxDimension   int      // longest side sent to the model, defaults to processing.DefaultMaxDimension
	JPEGQuality    int      // defaults to processing.DefaultJPEGQuality
	Initial        types.ConversationContext
	Logger         *slog.Logger
}

// Assistant ties the capture session, the conversation context, document
// lookup and the advisor together
type Assistant struct {
	processor *processing.Processor
	session   *detection.Session
	detector  *detection.Detector
	store     *conversation.Store
	catalog   documents.Catalog
	advisor   *advisor.Advisor
	prompt    string
	logger    *slog.Logger
}

// New creates an Assistant
func New(opts Options) (*Assistant, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("vision client is required")
	}
	if opts.VisionModel == "" {
		return nil, fmt.Errorf("vision model is required")
	}
	if opts.ReasoningModel == "" {
		opts.ReasoningModel = opts.VisionModel
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	policy := detection.NewProductPolicy(opts.Keywords)
	detector := detection.NewDetector(opts.Client, opts.VisionModel)

	var excerpts advisor.ExcerptSource
	if opts.Catalog != nil {
		excerpts = documents.NewSearcher(opts.Catalog, opts.Client, opts.ReasoningModel, opts.Logger.With("component", "documents"))
	}

	return &Assistant{
		processor: processing.NewProcessorWithOptions(opts.MaxDimension, opts.JPEGQuality),
		session:   detection.NewSession(detector, policy, opts.Logger.With("component", "detection")),
		detector:  detector,
		store:     conversation.NewStore(opts.Initial),
		catalog:   opts.Catalog,
		advisor:   advisor.New(opts.Client, opts.ReasoningModel, excerpts, opts.Logger.With("component", "advisor")),
		prompt:    opts.Prompt,
		logger:    opts.Logger,
	}, nil
}

// Processor returns the image processor used for captures
func (a *Assistant) Processor() *processing.Processor { return a.processor }

// Session returns the capture session
func (a *Assistant) Session() *detection.Session { return a.session }

// Conversation returns the conversation context store
func (a *Assistant) Conversation() *conversation.Store { return a.store }

// Advisor returns the advisor answering questions
func (a *Assistant) Advisor() *advisor.Advisor { return a.advisor }

// Capture analyzes img as the latest capture. On success the conversation
// records the image and labels, and reference documents are looked up for the
// primary product.
func (a *Assistant) Capture(ctx context.Context, img image.Image) (detection.Snapshot, error) {
	prepared, err := a.processor.Prepare(img)
	if err != nil {
		return a.session.Snapshot(), fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	snap, err := a.session.Capture(ctx, detection.Capture{
		ImageB64: prepared.Base64,
		Size:     prepared.Size,
		Prompt:   a.prompt,
	}, a.store.Snapshot())
	if err != nil {
		return snap, err
	}

	recorded := a.session.IfCurrent(snap.Generation, func() {
		a.store.RecordCapture("data:image/jpeg;base64,"+prepared.Base64, snap.Result.Labels())
	})
	if !recorded {
		return a.session.Snapshot(), detection.ErrSuperseded
	}
	a.refreshDocuments(ctx, snap.Generation, snap.PrimaryProduct)
	return snap, nil
}

// CheckVision sends img to the vision model with a plain description prompt
// and returns the answer, without touching the session or the conversation
func (a *Assistant) CheckVision(ctx context.Context, img image.Image) (string, error) {
	prepared, err := a.processor.Prepare(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return a.detector.CheckVision(ctx, prepared.Base64)
}

// CaptureSource loads an image from a file path, URL or data URL and captures it
func (a *Assistant) CaptureSource(ctx context.Context, source string) (detection.Snapshot, error) {
	img, err := a.processor.LoadImageSmart(ctx, source)
	if err != nil {
		return a.session.Snapshot(), err
	}
	return a.Capture(ctx, img)
}

// CaptureBytes decodes an uploaded image and captures it
func (a *Assistant) CaptureBytes(ctx context.Context, data []byte) (detection.Snapshot, error) {
	img, err := a.processor.DecodeBytes(data)
	if err != nil {
		return a.session.Snapshot(), fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return a.Capture(ctx, img)
}

// CaptureBase64 decodes a base64 image or data URL and captures it
func (a *Assistant) CaptureBase64(ctx context.Context, b64 string) (detection.Snapshot, error) {
	img, err := a.processor.DecodeBase64(b64)
	if err != nil {
		return a.session.Snapshot(), fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return a.Capture(ctx, img)
}

// refreshDocuments replaces the reference documents with those found for
// product. Lookup failures, empty results and lookups that finish after a newer
// capture keep the current documents.
func (a *Assistant) refreshDocuments(ctx context.Context, generation uint64, product string) {
	if a.catalog == nil || product == "" {
		return
	}
	refs, err := a.catalog.Lookup(ctx, product)
	if err != nil {
		a.logger.Warn("reference document lookup failed", "product", product, "error", err)
		return
	}
	if len(refs) == 0 {
		a.logger.Debug("no reference documents", "product", product)
		return
	}
	if !a.session.IfCurrent(generation, func() { a.store.SetReferenceDocuments(refs) }) {
		a.logger.Debug("discarding documents of a superseded capture", "product", product, "generation", generation)
		return
	}
	a.logger.Info("reference documents found", "product", product, "count", len(refs))
}

// Ask answers query against the current conversation context, think blocks removed
func (a *Assistant) Ask(ctx context.Context, query string) (string, error) {
	text, err := a.advisor.NextStep(ctx, query, a.store.Snapshot())
	if err != nil {
		return "", err
	}
	return extract.StripThinking(text), nil
}

// Plan asks for a build plan toward the current objective
func (a *Assistant) Plan(ctx context.Context) (types.Plan, error) {
	return a.advisor.Plan(ctx, a.store.Snapshot())
}

// VoiceDevices are the audio endpoints and speech services for a voice controller
type VoiceDevices struct {
	Microphone  voice.Microphone
	Speaker     voice.Speaker
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
}

// NewVoiceController creates a voice controller that reasons with the
// assistant's advisor over its conversation context. Transcripts become the
// conversation objective.
func (a *Assistant) NewVoiceController(d VoiceDevices) (*voice.Controller, error) {
	return voice.NewController(voice.Config{
		Microphone:   d.Microphone,
		Speaker:      d.Speaker,
		Transcriber:  d.Transcriber,
		Reasoner:     a.advisor,
		Synthesizer:  d.Synthesizer,
		Context:      a.store.Snapshot,
		OnTranscript: func(text string) { a.store.SetObjective(text) },
		Logger:       a.logger.With("component", "voice"),
	})
}

// IsSuperseded reports whether err means a newer capture replaced this one
func IsSuperseded(err error) bool {
	return errors.Is(err, detection.ErrSuperseded)
}
