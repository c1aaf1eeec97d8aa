package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/menta2k/hwassist/pkg/client"
)

const (
	DefaultBaseURL            = "https://api.openai.com"
	DefaultTranscriptionModel = "whisper-1"
	DefaultSpeechModel        = "tts-1"
	DefaultVoice              = "nova"
	DefaultLanguage           = "en"

	// MaxSpeechRunes is the longest input the speech endpoint accepts
	MaxSpeechRunes = 4096
)

// Config selects the endpoint and models of an OpenAI-compatible audio API
type Config struct {
	BaseURL            string
	APIKey             string
	TranscriptionModel string
	SpeechModel        string
	Voice              string
	Language           string
	Timeout            time.Duration
}

// Client talks to the audio transcription and speech endpoints
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// NewClient creates a speech client, filling unset fields with defaults
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// Transcribe uploads base64 audio (optionally a data URL) and returns the transcript
func (c *Client) Transcribe(ctx context.Context, audioB64 string) (string, error) {
	if i := strings.Index(audioB64, ","); strings.HasPrefix(audioB64, "data:") && i >= 0 {
		audioB64 = audioB64[i+1:]
	}
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode audio: %v", err)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("no audio data provided")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fmt.Sprintf("audio-%d.webm", time.Now().UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio: %v", err)
	}
	if err := mw.WriteField("model", c.cfg.TranscriptionModel); err != nil {
		return "", fmt.Errorf("failed to write form field: %v", err)
	}
	if err := mw.WriteField("language", c.cfg.Language); err != nil {
		return "", fmt.Errorf("failed to write form field: %v", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %v", err)
	}

	respBody, err := c.send(ctx, "/v1/audio/transcriptions", mw.FormDataContentType(), &body)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse transcription: %v", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize converts text to mp3 audio after cleaning it for speech
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	input := CleanSpeechText(text)
	if input == "" {
		return nil, fmt.Errorf("text is required")
	}

	payload, err := json.Marshal(speechRequest{
		Model:          c.cfg.SpeechModel,
		Input:          input,
		Voice:          c.cfg.Voice,
		ResponseFormat: "mp3",
		Speed:          1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	audio, err := c.send(ctx, "/v1/audio/speech", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio from speech service")
	}
	return audio, nil
}

func (c *Client) send(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &client.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

var (
	reCodeBlock = regexp.MustCompile("```[^`]*```")
	reBrackets  = regexp.MustCompile(`[\[\]]`)
	reNewlines  = regexp.MustCompile(`\n+`)
)

// CleanSpeechText removes code blocks, square brackets and newlines, then
// truncates to MaxSpeechRunes
func CleanSpeechText(text string) string {
	text = reCodeBlock.ReplaceAllString(text, "")
	text = reBrackets.ReplaceAllString(text, "")
	text = reNewlines.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if r := []rune(text); len(r) > MaxSpeechRunes {
		text = string(r[:MaxSpeechRunes])
	}
	return text
}
