package hwassist

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/detection"
	"github.com/menta2k/hwassist/pkg/types"
	"github.com/menta2k/hwassist/pkg/voice"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

type fakeModel struct {
	mu         sync.Mutex
	analysis   string
	analyzeErr error
	answer     string
	excerpt    string
	prompts    []string
}

func (f *fakeModel) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if strings.Contains(prompt, "Question:") {
		return f.answer, nil
	}
	return f.excerpt, nil
}

func (f *fakeModel) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return f.analysis, f.analyzeErr
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

type fakeCatalog struct {
	refs    []string
	err     error
	lookups []string
}

func (c *fakeCatalog) Lookup(ctx context.Context, product string) ([]string, error) {
	c.lookups = append(c.lookups, product)
	return c.refs, c.err
}

func (c *fakeCatalog) Content(ctx context.Context, ref string) (string, error) {
	return "Pin 13 drives the onboard LED.", nil
}

const boardAnalysis = "```json\n" + `[{"box_2d":[80,60,400,300],"label":"Arduino Uno board","product_name":"arduino uno"},{"box_2d":[600,300,700,500],"label":"red LED"}]` + "\n```"

func newTestAssistant(t *testing.T, model *fakeModel, catalog *fakeCatalog) *Assistant {
	t.Helper()
	opts := Options{Client: model, VisionModel: "vision"}
	if catalog != nil {
		opts.Catalog = catalog
	}
	a, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNew(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("Expected error without client")
	}
	if _, err := New(Options{Client: &fakeModel{}}); err == nil {
		t.Error("Expected error without model")
	}

	a := newTestAssistant(t, &fakeModel{}, nil)
	if a.Processor() == nil || a.Session() == nil || a.Conversation() == nil || a.Advisor() == nil {
		t.Error("Expected all components initialized")
	}
}

func TestCapture(t *testing.T) {
	model := &fakeModel{analysis: boardAnalysis}
	catalog := &fakeCatalog{refs: []string{"arduino/uno.md"}}
	a := newTestAssistant(t, model, catalog)

	snap, err := a.Capture(context.Background(), createTestImage(1600, 1200))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if snap.State != detection.StateReady {
		t.Errorf("Expected ready, got %s", snap.State)
	}
	if snap.ImageSize != (types.ImageSize{Width: 800, Height: 600}) {
		t.Errorf("Expected prepared size 800x600, got %+v", snap.ImageSize)
	}
	if len(snap.Boxes) != 2 {
		t.Fatalf("Expected 2 boxes, got %d", len(snap.Boxes))
	}
	want := types.CornerBox{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.5}
	if snap.Boxes[0].Box != want {
		t.Errorf("Expected %+v, got %+v", want, snap.Boxes[0].Box)
	}
	if snap.PrimaryProduct != "arduino uno" {
		t.Errorf("Expected primary product, got %q", snap.PrimaryProduct)
	}

	conv := a.Conversation().Snapshot()
	if !strings.HasPrefix(conv.LastImage, "data:image/jpeg;base64,") {
		t.Errorf("Expected data URL image, got %.30q", conv.LastImage)
	}
	if len(conv.LastDetectedLabels) != 2 || conv.LastDetectedLabels[1] != "red LED" {
		t.Errorf("Unexpected labels %v", conv.LastDetectedLabels)
	}
	if len(catalog.lookups) != 1 || catalog.lookups[0] != "arduino uno" {
		t.Errorf("Expected lookup for primary product, got %v", catalog.lookups)
	}
	if len(conv.ReferenceDocuments) != 1 || conv.ReferenceDocuments[0] != "arduino/uno.md" {
		t.Errorf("Unexpected documents %v", conv.ReferenceDocuments)
	}
}

func TestCaptureLookupFailureKeepsDocuments(t *testing.T) {
	model := &fakeModel{analysis: boardAnalysis}
	catalog := &fakeCatalog{err: errors.New("catalog offline")}
	a := newTestAssistant(t, model, catalog)
	a.Conversation().SetReferenceDocuments([]string{"manual.md"})

	if _, err := a.Capture(context.Background(), createTestImage(400, 300)); err != nil {
		t.Fatalf("Lookup failure must not fail the capture: %v", err)
	}
	if docs := a.Conversation().Snapshot().ReferenceDocuments; len(docs) != 1 || docs[0] != "manual.md" {
		t.Errorf("Expected documents kept, got %v", docs)
	}
}

func TestCaptureWithoutProductSkipsLookup(t *testing.T) {
	model := &fakeModel{analysis: `[{"box_2d":[0,0,10,10],"label":"resistor"}]`}
	catalog := &fakeCatalog{}
	a := newTestAssistant(t, model, catalog)

	if _, err := a.Capture(context.Background(), createTestImage(400, 300)); err != nil {
		t.Fatal(err)
	}
	if len(catalog.lookups) != 0 {
		t.Errorf("Expected no lookup, got %v", catalog.lookups)
	}
}

func TestCaptureFailureLeavesConversation(t *testing.T) {
	model := &fakeModel{analyzeErr: &client.StatusError{StatusCode: 500}}
	a := newTestAssistant(t, model, nil)

	snap, err := a.Capture(context.Background(), createTestImage(400, 300))
	if err == nil {
		t.Fatal("Expected error")
	}
	if snap.State != detection.StateErrored || snap.Message == "" {
		t.Errorf("Expected errored snapshot with message, got %+v", snap)
	}
	if a.Conversation().Snapshot().LastImage != "" {
		t.Error("A failed capture must not update the conversation")
	}
}

func TestCaptureRejectsTinyImage(t *testing.T) {
	a := newTestAssistant(t, &fakeModel{}, nil)
	if _, err := a.Capture(context.Background(), createTestImage(8, 8)); err == nil {
		t.Error("Expected error for tiny image")
	}
}

func TestAsk(t *testing.T) {
	model := &fakeModel{
		analysis: boardAnalysis,
		answer:   "<think>check pin 13</think>Connect the LED to pin 13.",
		excerpt:  "- Pin 13 drives the onboard LED.",
	}
	a := newTestAssistant(t, model, &fakeCatalog{refs: []string{"arduino/uno.md"}})
	a.Conversation().SetObjective("blink an LED")
	a.Capture(context.Background(), createTestImage(400, 300))

	answer, err := a.Ask(context.Background(), "what next?")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "Connect the LED to pin 13." {
		t.Errorf("Expected think blocks stripped, got %q", answer)
	}

	prompt := model.lastPrompt()
	for _, want := range []string{"blink an LED", "arduino/uno.md", "Pin 13 drives the onboard LED", "Question: what next?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q", want)
		}
	}
}

type scriptedMic struct{}

func (scriptedMic) Open(ctx context.Context) (voice.Recording, error) { return scriptedRecording{}, nil }

type scriptedRecording struct{}

func (scriptedRecording) Stop() ([]byte, error) { return []byte("webm"), nil }
func (scriptedRecording) Close() error          { return nil }

type echoSpeech struct{ transcript string }

func (e echoSpeech) Transcribe(ctx context.Context, audioB64 string) (string, error) {
	return e.transcript, nil
}

func (e echoSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

func TestVoiceControllerUpdatesObjective(t *testing.T) {
	model := &fakeModel{answer: "Start with the breadboard."}
	a := newTestAssistant(t, model, nil)
	speech := echoSpeech{transcript: "build a traffic light"}

	vc, err := a.NewVoiceController(VoiceDevices{
		Microphone:  scriptedMic{},
		Speaker:     voice.NewMemorySpeaker(0),
		Transcriber: speech,
		Synthesizer: speech,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer vc.Close()

	if err := vc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out, err := vc.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Response != "Start with the breadboard." {
		t.Errorf("Unexpected response %q", out.Response)
	}
	if got := a.Conversation().Snapshot().Objective; got != "build a traffic light" {
		t.Errorf("Expected transcript as objective, got %q", got)
	}
	if !strings.Contains(model.lastPrompt(), "- Objective: build a traffic light") {
		t.Error("Reasoning did not see the updated objective")
	}
}

func TestIsSuperseded(t *testing.T) {
	if !IsSuperseded(detection.ErrSuperseded) || IsSuperseded(errors.New("other")) {
		t.Error("IsSuperseded misclassified")
	}
}

type sequencedModel struct {
	mu       sync.Mutex
	analyses []string
}

func (m *sequencedModel) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "", nil
}

func (m *sequencedModel) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.analyses[0]
	m.analyses = m.analyses[1:]
	return next, nil
}

// slowCatalog holds the lookup for "old board" until released
type slowCatalog struct {
	entered chan struct{}
	release chan struct{}
}

func (c *slowCatalog) Lookup(ctx context.Context, product string) ([]string, error) {
	if product == "old board" {
		close(c.entered)
		<-c.release
		return []string{"old.md"}, nil
	}
	return []string{"new.md"}, nil
}

func (c *slowCatalog) Content(ctx context.Context, ref string) (string, error) {
	return "", nil
}

func TestSlowLookupOfSupersededCaptureIsDiscarded(t *testing.T) {
	model := &sequencedModel{analyses: []string{
		`[{"box_2d":[0,0,10,10],"label":"x","product_name":"old board"}]`,
		`[{"box_2d":[0,0,10,10],"label":"y","product_name":"new board"}]`,
	}}
	catalog := &slowCatalog{entered: make(chan struct{}), release: make(chan struct{})}
	a, err := New(Options{Client: model, VisionModel: "vision", Catalog: catalog})
	if err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := a.Capture(context.Background(), createTestImage(400, 300))
		first <- err
	}()
	<-catalog.entered

	snap, err := a.Capture(context.Background(), createTestImage(400, 300))
	if err != nil {
		t.Fatalf("Second capture failed: %v", err)
	}
	if snap.PrimaryProduct != "new board" {
		t.Fatalf("Unexpected primary product %q", snap.PrimaryProduct)
	}

	close(catalog.release)
	if err := <-first; err != nil {
		t.Fatalf("First capture failed: %v", err)
	}

	conv := a.Conversation().Snapshot()
	if len(conv.LastDetectedLabels) != 1 || conv.LastDetectedLabels[0] != "y" {
		t.Errorf("Expected labels of the latest capture, got %v", conv.LastDetectedLabels)
	}
	if len(conv.ReferenceDocuments) != 1 || conv.ReferenceDocuments[0] != "new.md" {
		t.Errorf("Superseded capture overwrote documents: %v", conv.ReferenceDocuments)
	}
}

func TestCheckVisionLeavesState(t *testing.T) {
	model := &fakeModel{excerpt: "A blue board."}
	a := newTestAssistant(t, model, nil)

	text, err := a.CheckVision(context.Background(), createTestImage(400, 300))
	if err != nil {
		t.Fatal(err)
	}
	if text != "A blue board." {
		t.Errorf("Unexpected description %q", text)
	}
	if a.Session().Snapshot().Generation != 0 || a.Conversation().Snapshot().LastImage != "" {
		t.Error("Vision check must not record a capture")
	}
	if _, err := a.CheckVision(context.Background(), createTestImage(8, 8)); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage, got %v", err)
	}
}
