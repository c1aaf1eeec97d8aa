package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BoxKind tells which encoding a RawBox was decoded from
type BoxKind int

const (
	// BoxUnknown marks a box that could not be decoded
	BoxUnknown BoxKind = iota
	// BoxArray is the [x1, y1, x2, y2] encoding
	BoxArray
	// BoxObject is the {"x1":..,"y1":..,"x2":..,"y2":..} encoding
	BoxObject
)

// CornerBox holds top-left and bottom-right corners
type CornerBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// RawBox is a pixel-space box as reported by the vision model.
// Exactly one of Array or Object is meaningful, selected by Kind.
type RawBox struct {
	Kind   BoxKind
	Array  []float64
	Object CornerBox
}

// UnmarshalJSON decodes either box encoding, picking it by the JSON value type
func (b *RawBox) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty box")
	}

	switch data[0] {
	case '[':
		var arr []float64
		if err := json.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("box array: %w", err)
		}
		*b = RawBox{Kind: BoxArray, Array: arr}
	case '{':
		var obj struct {
			X1 *float64 `json:"x1"`
			Y1 *float64 `json:"y1"`
			X2 *float64 `json:"x2"`
			Y2 *float64 `json:"y2"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("box object: %w", err)
		}
		if obj.X1 == nil || obj.Y1 == nil || obj.X2 == nil || obj.Y2 == nil {
			return fmt.Errorf("box object: missing corner")
		}
		*b = RawBox{Kind: BoxObject, Object: CornerBox{X1: *obj.X1, Y1: *obj.Y1, X2: *obj.X2, Y2: *obj.Y2}}
	default:
		return fmt.Errorf("box must be an array or an object")
	}
	return nil
}

// Corners resolves the encoding into corner form. The array form must carry
// exactly four values; anything else reports false.
func (b RawBox) Corners() (CornerBox, bool) {
	switch b.Kind {
	case BoxArray:
		if len(b.Array) != 4 {
			return CornerBox{}, false
		}
		return CornerBox{X1: b.Array[0], Y1: b.Array[1], X2: b.Array[2], Y2: b.Array[3]}, true
	case BoxObject:
		return b.Object, true
	default:
		return CornerBox{}, false
	}
}

// MarshalJSON writes the box back in the encoding it was read from
func (b RawBox) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BoxArray:
		return json.Marshal(b.Array)
	case BoxObject:
		return json.Marshal(b.Object)
	default:
		return []byte("null"), nil
	}
}

// Detection is one object reported by the vision model
type Detection struct {
	Box         RawBox `json:"box"`
	Label       string `json:"label"`
	ProductName string `json:"productName,omitempty"`
}

// UnmarshalJSON accepts both the camelCase and the snake_case field names
func (d *Detection) UnmarshalJSON(data []byte) error {
	var aux struct {
		Box          *RawBox `json:"box"`
		Box2D        *RawBox `json:"box_2d"`
		Label        string  `json:"label"`
		ProductName  string  `json:"productName"`
		ProductName2 string  `json:"product_name"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*d = Detection{Label: aux.Label, ProductName: aux.ProductName}
	if d.ProductName == "" {
		d.ProductName = aux.ProductName2
	}
	switch {
	case aux.Box != nil:
		d.Box = *aux.Box
	case aux.Box2D != nil:
		d.Box = *aux.Box2D
	}
	return nil
}

// NormalizedBox is a detection box in unit-interval coordinates of the source image
type NormalizedBox struct {
	Box         CornerBox `json:"box"`
	Label       string    `json:"label"`
	ProductName string    `json:"productName,omitempty"`
}

// ImageSize is the pixel size of a captured image
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Known reports whether both dimensions are usable for normalization
func (s ImageSize) Known() bool {
	return s.Width > 0 && s.Height > 0
}

// AnalysisResult contains the raw model output and the detections extracted from it
type AnalysisResult struct {
	RawText    string      `json:"rawText"`
	Detections []Detection `json:"detections"`
}

// Labels returns the detection labels in order
func (r AnalysisResult) Labels() []string {
	labels := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		labels = append(labels, d.Label)
	}
	return labels
}

// Plan is a structured build plan returned by the reasoning model
type Plan struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
	Parts   []string `json:"parts"`
}

// ConversationContext is the grounding data passed into every analysis and reasoning call.
// It is a value: the With* methods return updated copies and never touch the receiver.
type ConversationContext struct {
	Objective          string   `json:"objective"`
	CurrentItems       string   `json:"currentItems"`
	ReferenceDocuments []string `json:"referenceDocuments"`
	LastImage          string   `json:"lastImage,omitempty"`
	LastDetectedLabels []string `json:"lastDetectedLabels"`
}

// Clone returns a deep copy
func (c ConversationContext) Clone() ConversationContext {
	c.ReferenceDocuments = cloneStrings(c.ReferenceDocuments)
	c.LastDetectedLabels = cloneStrings(c.LastDetectedLabels)
	return c
}

// WithObjective returns a copy with the objective replaced
func (c ConversationContext) WithObjective(objective string) ConversationContext {
	out := c.Clone()
	out.Objective = objective
	return out
}

// WithCurrentItems returns a copy with the inventory text replaced
func (c ConversationContext) WithCurrentItems(items string) ConversationContext {
	out := c.Clone()
	out.CurrentItems = items
	return out
}

// WithReferenceDocuments returns a copy with the document list replaced
func (c ConversationContext) WithReferenceDocuments(docs []string) ConversationContext {
	out := c.Clone()
	out.ReferenceDocuments = cloneStrings(docs)
	return out
}

// WithCapture returns a copy carrying the latest capture and its labels
func (c ConversationContext) WithCapture(image string, labels []string) ConversationContext {
	out := c.Clone()
	out.LastImage = image
	out.LastDetectedLabels = cloneStrings(labels)
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
