package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/hwassist/pkg/types"
)

const (
	// DefaultMaxDimension is the longest side sent to the vision model
	DefaultMaxDimension = 800
	// DefaultJPEGQuality is the quality used for model-bound JPEGs
	DefaultJPEGQuality = 80
	// MinDimension is the smallest side accepted for analysis
	MinDimension = 32
	// maxDownloadBytes caps images fetched from URLs
	maxDownloadBytes = 32 << 20
)

// Processor handles image processing operations
type Processor struct {
	httpClient   *http.Client
	maxDimension int
	quality      int
}

// NewProcessor creates a new image processor preparing captures at
// DefaultMaxDimension and DefaultJPEGQuality
func NewProcessor() *Processor {
	return NewProcessorWithOptions(DefaultMaxDimension, DefaultJPEGQuality)
}

// NewProcessorWithOptions creates a processor preparing captures at the given
// longest side and JPEG quality; zero values take the defaults
func NewProcessorWithOptions(maxDimension, quality int) *Processor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Processor{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		maxDimension: maxDimension,
		quality:      quality,
	}
}

// Prepared is an image ready for the vision model
type Prepared struct {
	Base64 string
	Size   types.ImageSize
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "hwassist/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %v", err)
	}

	return p.DecodeBytes(imageData)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	// Fallback: explicit decode, WebP first for .webp files
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
			return img, nil
		}
	}
	img, err := p.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("image: unknown format for %s", path)
	}
	return img, nil
}

// LoadImageSmart loads an image from a URL, a data URL, or a file path
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	switch {
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		return p.LoadImageFromURL(ctx, source)
	case strings.HasPrefix(source, "data:"):
		return p.DecodeBase64(source)
	default:
		return p.LoadImage(source)
	}
}

// DecodeBase64 decodes a base64 image, with or without a data URL prefix
func (p *Processor) DecodeBase64(b64 string) (image.Image, error) {
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %v", err)
	}
	return p.DecodeBytes(data)
}

// DecodeBytes decodes an image from byte data with WebP support
func (p *Processor) DecodeBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// Prepare downsizes the image to the processor's longest side and encodes it as JPEG.
// The returned size is that of the encoded image, which is the pixel space
// the model answers in.
func (p *Processor) Prepare(img image.Image) (Prepared, error) {
	if err := p.ValidateImage(img); err != nil {
		return Prepared{}, err
	}
	img = p.Fit(img, p.maxDimension)
	b64, err := p.PrepareImageForModel(img, "jpg", 0, p.quality)
	if err != nil {
		return Prepared{}, err
	}
	b := img.Bounds()
	return Prepared{Base64: b64, Size: types.ImageSize{Width: b.Dx(), Height: b.Dy()}}, nil
}

// ValidateImage checks that an image is large enough to analyze
func (p *Processor) ValidateImage(img image.Image) error {
	b := img.Bounds()
	if b.Dx() < MinDimension || b.Dy() < MinDimension {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)", b.Dx(), b.Dy(), MinDimension)
	}
	return nil
}

// Fit scales img down so its longest side is at most maxDim
func (p *Processor) Fit(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxDim, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxDim, imaging.Lanczos)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	img = p.Fit(img, maxDim)

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// CropToBox crops an image to a normalized corner box, padded by margin
// (a fraction of the box size) on every side
func (p *Processor) CropToBox(img image.Image, box types.CornerBox, margin float64) (image.Image, error) {
	bounds := img.Bounds()
	padX := (box.X2 - box.X1) * margin
	padY := (box.Y2 - box.Y1) * margin
	x0, y0, x1, y1 := boxToPixels(types.CornerBox{
		X1: box.X1 - padX, Y1: box.Y1 - padY,
		X2: box.X2 + padX, Y2: box.Y2 + padY,
	}, bounds.Dx(), bounds.Dy())

	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("empty crop rectangle")
	}
	return imaging.Crop(img, rect), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay draws every normalized box onto a copy of the image.
// Boxes reaching outside the frame are clipped for drawing only.
func (p *Processor) CreateDebugOverlay(img image.Image, boxes []types.NormalizedBox) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side
	for i, nb := range boxes {
		drawBox(nrgba, nb.Box, w, h, palette[i%len(palette)], stroke)
	}

	// Image center marker
	blue := color.NRGBA{0, 170, 255, 255}
	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

var palette = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 0, 0, 255},
	{255, 0, 255, 255},
	{0, 255, 255, 255},
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boxToPixels(box types.CornerBox, w, h int) (int, int, int, int) {
	x0 := int(clamp(math.Min(box.X1, box.X2), 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(math.Min(box.Y1, box.Y2), 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(math.Max(box.X1, box.X2), 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(math.Max(box.Y1, box.Y2), 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.CornerBox, w, h int, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
