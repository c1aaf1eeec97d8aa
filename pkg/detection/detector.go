package detection

import (
	"context"
	"fmt"
	"strings"

	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/types"
)

// VisionCheckPrompt asks for a plain description to confirm the model receives the image
const VisionCheckPrompt = `Describe in one or two sentences what is on this workbench.`

// DefaultPrompt asks for a pixel-space inventory of the hardware in view
const DefaultPrompt = `You are an electronics bench inventory assistant.

List every electronic component, board, module, cable and tool visible in the image.

Return JSON only, as an array:
[
  {"box_2d": [x1, y1, x2, y2], "label": "short generic name", "product_name": "exact product name if readable"}
]

RULES
- box_2d is in PIXELS of the image as given: top-left corner then bottom-right corner.
- label is lowercase and generic ("breadboard", "220 ohm resistor", "usb cable").
- product_name only when the product can be identified (e.g. "Raspberry Pi 4 Model B"); omit it otherwise.
- If nothing electronic is visible, return [].
- No prose, no comments, no trailing commas.`

// Analyzer sends a captured image to the vision service and returns its raw text
type Analyzer interface {
	Analyze(ctx context.Context, imgB64, prompt string, conv types.ConversationContext) (string, error)
}

// Detector handles inventory detection using vision models
type Detector struct {
	client client.VisionClient
	model  string
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient, model string) *Detector {
	return &Detector{client: client, model: model}
}

// Analyze runs the analysis prompt, extended with the conversation context, against the image
func (d *Detector) Analyze(ctx context.Context, imgB64, prompt string, conv types.ConversationContext) (string, error) {
	if imgB64 == "" {
		return "", fmt.Errorf("image data is required")
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return d.client.AnalyzeImage(ctx, d.model, withContext(prompt, conv), StripDataURL(imgB64))
}

// CheckVision asks the model for a free-text description of the image. A
// description that ignores the picture means the model was not sent it or
// cannot read images.
func (d *Detector) CheckVision(ctx context.Context, imgB64 string) (string, error) {
	if imgB64 == "" {
		return "", ErrNoImage
	}
	text, err := d.client.SimpleQuery(ctx, d.model, VisionCheckPrompt, StripDataURL(imgB64))
	if err != nil {
		return "", fmt.Errorf("vision check: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// withContext appends the user's objective and inventory so labels match their vocabulary
func withContext(prompt string, conv types.ConversationContext) string {
	var b strings.Builder
	b.WriteString(prompt)
	if conv.Objective != "" || conv.CurrentItems != "" {
		b.WriteString("\n\nCONTEXT\n")
		if conv.Objective != "" {
			fmt.Fprintf(&b, "- The user is working on: %s\n", conv.Objective)
		}
		if conv.CurrentItems != "" {
			fmt.Fprintf(&b, "- Items the user says they have: %s\n", conv.CurrentItems)
		}
	}
	return b.String()
}

// StripDataURL removes a "data:image/...;base64," prefix if present
func StripDataURL(b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			return b64[i+1:]
		}
	}
	return b64
}
