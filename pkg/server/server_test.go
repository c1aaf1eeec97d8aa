package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/voice"
)

type fakeModel struct {
	analysis   string
	analyzeErr error
	answer     string
}

func (f *fakeModel) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return f.answer, nil
}

func (f *fakeModel) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return f.analysis, f.analyzeErr
}

type fakeSpeech struct{}

func (fakeSpeech) Transcribe(ctx context.Context, audioB64 string) (string, error) {
	audio, _ := base64.StdEncoding.DecodeString(audioB64)
	return "heard " + string(audio), nil
}

func (fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("mp3:" + text), nil
}

type snapshotView struct {
	Generation     uint64 `json:"generation"`
	State          string `json:"state"`
	PrimaryProduct string `json:"primaryProduct"`
	Message        string `json:"message"`
	Boxes          []struct {
		Label string `json:"label"`
	} `json:"boxes"`
}

func pngDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// multipartWriter writes data as the "file" field and returns the content type
func multipartWriter(buf *bytes.Buffer, data []byte) string {
	mw := multipart.NewWriter(buf)
	fw, _ := mw.CreateFormFile("file", "capture.png")
	fw.Write(data)
	mw.Close()
	return mw.FormDataContentType()
}

func newTestServer(t *testing.T, model *fakeModel, withVoice bool) *httptest.Server {
	t.Helper()
	a, err := hwassist.New(hwassist.Options{Client: model, VisionModel: "vision"})
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{Assistant: a}
	if withVoice {
		opts.Microphone = voice.NewStreamMicrophone(0)
		opts.Speaker = voice.NewMemorySpeaker(0)
		vc, err := a.NewVoiceController(hwassist.VoiceDevices{
			Microphone:  opts.Microphone,
			Speaker:     opts.Speaker,
			Transcriber: fakeSpeech{},
			Synthesizer: fakeSpeech{},
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { vc.Close() })
		opts.Voice = vc
	}

	ts := httptest.NewServer(New(opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeModel{}, false)
	resp := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestCaptureJSON(t *testing.T) {
	model := &fakeModel{analysis: `[{"box_2d":[10,10,100,100],"label":"ESP32 board"}]`}
	ts := newTestServer(t, model, false)

	body, _ := json.Marshal(map[string]string{"image": pngDataURL(t, 200, 100)})
	resp := do(t, http.MethodPost, ts.URL+"/api/capture", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var snap snapshotView
	decode(t, resp, &snap)
	if snap.State != "ready" || len(snap.Boxes) != 1 || snap.PrimaryProduct != "ESP32 board" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	var conv contextResponse
	decode(t, do(t, http.MethodGet, ts.URL+"/api/context", ""), &conv)
	if !conv.HasImage || len(conv.LastDetectedLabels) != 1 {
		t.Errorf("Expected capture recorded in context, got %+v", conv)
	}
}

func TestCaptureMultipart(t *testing.T) {
	model := &fakeModel{analysis: `[]`}
	ts := newTestServer(t, model, false)

	raw, _ := base64.StdEncoding.DecodeString(strings.SplitN(pngDataURL(t, 64, 64), ",", 2)[1])
	var buf bytes.Buffer
	mw := multipartWriter(&buf, raw)

	resp, err := http.Post(ts.URL+"/api/capture", mw, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestCaptureErrors(t *testing.T) {
	ts := newTestServer(t, &fakeModel{analyzeErr: &client.StatusError{StatusCode: 503}}, false)

	if resp := do(t, http.MethodPost, ts.URL+"/api/capture", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing image, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, ts.URL+"/api/capture", `{"image":"bm90IGFuIGltYWdl"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for undecodable image, got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"image": pngDataURL(t, 64, 64)})
	resp := do(t, http.MethodPost, ts.URL+"/api/capture", string(body))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	var snap snapshotView
	decode(t, resp, &snap)
	if snap.State != "errored" || !strings.Contains(snap.Message, "503") {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestImageSizeStaleGeneration(t *testing.T) {
	ts := newTestServer(t, &fakeModel{analysis: `[]`}, false)
	resp := do(t, http.MethodPost, ts.URL+"/api/session/size", `{"generation":7,"width":10,"height":10}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestUpdateContext(t *testing.T) {
	ts := newTestServer(t, &fakeModel{}, false)

	resp := do(t, http.MethodPut, ts.URL+"/api/context", `{"objective":"blink","referenceDocuments":["uno.md"]}`)
	var conv contextResponse
	decode(t, resp, &conv)
	if conv.Objective != "blink" || len(conv.ReferenceDocuments) != 1 {
		t.Errorf("Unexpected context %+v", conv)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/context", `{"currentItems":"led"}`)
	decode(t, resp, &conv)
	if conv.Objective != "blink" || conv.CurrentItems != "led" {
		t.Errorf("Omitted fields must be kept, got %+v", conv)
	}
}

func TestAsk(t *testing.T) {
	ts := newTestServer(t, &fakeModel{answer: "<think>x</think>Use pin 13."}, false)

	if resp := do(t, http.MethodPost, ts.URL+"/api/ask", `{"query":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty query, got %d", resp.StatusCode)
	}

	var out map[string]string
	decode(t, do(t, http.MethodPost, ts.URL+"/api/ask", `{"query":"what next?"}`), &out)
	if out["answer"] != "Use pin 13." {
		t.Errorf("Unexpected answer %q", out["answer"])
	}
}

func TestPlanExtractionFailure(t *testing.T) {
	ts := newTestServer(t, &fakeModel{answer: "no plan"}, false)
	do(t, http.MethodPut, ts.URL+"/api/context", `{"objective":"blink"}`)

	resp := do(t, http.MethodPost, ts.URL+"/api/plan", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestVoiceDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeModel{}, false)
	if resp := do(t, http.MethodPost, ts.URL+"/api/voice/start", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestVoiceCycle(t *testing.T) {
	ts := newTestServer(t, &fakeModel{answer: "Add a resistor."}, true)

	if resp := do(t, http.MethodPost, ts.URL+"/api/voice/stop", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 without recording, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, ts.URL+"/api/voice/audio", "x"); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for audio without recording, got %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, ts.URL+"/api/voice/start", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, ts.URL+"/api/voice/start", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while recording, got %d", resp.StatusCode)
	}
	do(t, http.MethodPost, ts.URL+"/api/voice/audio", "chunk1 ")
	do(t, http.MethodPost, ts.URL+"/api/voice/audio", "chunk2")

	var out voiceStopResponse
	resp := do(t, http.MethodPost, ts.URL+"/api/voice/stop", "")
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusOK || out.Transcript != "heard chunk1 chunk2" || out.Response != "Add a resistor." {
		t.Fatalf("Unexpected outcome %d %+v", resp.StatusCode, out)
	}

	var conv contextResponse
	decode(t, do(t, http.MethodGet, ts.URL+"/api/context", ""), &conv)
	if conv.Objective != "heard chunk1 chunk2" {
		t.Errorf("Expected transcript as objective, got %q", conv.Objective)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/voice/playback", "")
	audio, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(audio) != "mp3:Add a resistor." {
		t.Fatalf("Unexpected playback %d %q", resp.StatusCode, audio)
	}
	id := resp.Header.Get("X-Playback-Id")

	if resp := do(t, http.MethodDelete, ts.URL+"/api/voice/playback?id=999", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown playback, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, ts.URL+"/api/voice/playback?id="+id, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/api/voice/playback", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204 after finish, got %d", resp.StatusCode)
	}
}

func TestVoiceEmptyAudio(t *testing.T) {
	ts := newTestServer(t, &fakeModel{}, true)
	do(t, http.MethodPost, ts.URL+"/api/voice/start", "")

	var out voiceStopResponse
	resp := do(t, http.MethodPost, ts.URL+"/api/voice/stop", "")
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusBadRequest || out.Message != voice.MsgNoAudio {
		t.Errorf("Unexpected result %d %+v", resp.StatusCode, out)
	}
}
