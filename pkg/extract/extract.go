// Package extract pulls structured payloads out of free-form model output.
//
// Model responses wrap JSON in code fences, mix real and escaped newlines and
// append prose after the payload. Extraction runs in a fixed order: strip
// fences, collapse newlines, trim, locate the bracket span, parse. Nothing in
// this package panics on bad input; every problem comes back as a *Failure.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/hwassist/pkg/types"
)

// Shape selects the top-level JSON value to look for
type Shape int

const (
	// ShapeList looks for a JSON array
	ShapeList Shape = iota
	// ShapeObject looks for a JSON object
	ShapeObject
)

func (s Shape) String() string {
	if s == ShapeObject {
		return "object"
	}
	return "list"
}

func (s Shape) brackets() (byte, byte) {
	if s == ShapeObject {
		return '{', '}'
	}
	return '[', ']'
}

// Result is a successfully located and parsed payload
type Result struct {
	Value json.RawMessage
	Raw   string
}

// Failure reports why no payload could be extracted. Raw always carries the
// original text so callers can fall back to displaying it.
type Failure struct {
	Reason string
	Raw    string
}

func (f *Failure) Error() string {
	return "extract: " + f.Reason
}

var (
	reFence   = regexp.MustCompile("```[A-Za-z0-9_+-]*")
	reNewline = regexp.MustCompile(`(?:\r\n|\r|\n|\\r\\n|\\n|\\r)+`)
)

// Clean applies the fence strip, newline collapse and trim steps
func Clean(raw string) string {
	s := reFence.ReplaceAllString(raw, "")
	s = reNewline.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Extract locates the first top-level value of the requested shape in raw and parses it.
// The greedy first-open to last-close span is tried first; when it does not parse
// (prose between two payloads, say) the first balanced span is used instead.
func Extract(raw string, shape Shape) (Result, error) {
	cleaned := Clean(raw)
	open, close := shape.brackets()

	start := strings.IndexByte(cleaned, open)
	end := strings.LastIndexByte(cleaned, close)
	if start < 0 || end < start {
		return Result{}, &Failure{Reason: fmt.Sprintf("no %s found in response", shape), Raw: raw}
	}

	if v, ok := parseSpan(cleaned[start:end+1], shape); ok {
		return Result{Value: v, Raw: raw}, nil
	}

	if span, ok := balancedSpan(cleaned[start:], open, close); ok {
		if v, ok := parseSpan(span, shape); ok {
			return Result{Value: v, Raw: raw}, nil
		}
	}

	return Result{}, &Failure{Reason: fmt.Sprintf("%s span is not valid JSON", shape), Raw: raw}
}

func parseSpan(span string, shape Shape) (json.RawMessage, bool) {
	var err error
	switch shape {
	case ShapeObject:
		var obj map[string]json.RawMessage
		err = json.Unmarshal([]byte(span), &obj)
	default:
		var arr []json.RawMessage
		err = json.Unmarshal([]byte(span), &arr)
	}
	if err != nil {
		return nil, false
	}
	return json.RawMessage(span), true
}

// balancedSpan returns the prefix of s (which starts at an opening bracket)
// up to its matching close, skipping brackets inside JSON strings.
func balancedSpan(s string, open, close byte) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// Detections extracts the detection list from an analysis response.
// Records without a label or a usable box are dropped one by one and counted.
// On failure the returned result still carries RawText and an empty, non-nil list.
func Detections(raw string) (types.AnalysisResult, int, error) {
	result := types.AnalysisResult{RawText: raw, Detections: []types.Detection{}}

	res, err := Extract(raw, ShapeList)
	if err != nil {
		return result, 0, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(res.Value, &records); err != nil {
		return result, 0, &Failure{Reason: "list span is not valid JSON", Raw: raw}
	}

	dropped := 0
	for _, rec := range records {
		var d types.Detection
		if err := json.Unmarshal(rec, &d); err != nil {
			dropped++
			continue
		}
		d.Label = strings.TrimSpace(d.Label)
		d.ProductName = strings.TrimSpace(d.ProductName)
		if d.Label == "" {
			dropped++
			continue
		}
		if _, ok := d.Box.Corners(); !ok {
			dropped++
			continue
		}
		result.Detections = append(result.Detections, d)
	}
	return result, dropped, nil
}

// PlanFrom extracts a plan object. Blank steps and parts are dropped; a plan
// with neither a summary nor any step is a failure.
func PlanFrom(raw string) (types.Plan, error) {
	res, err := Extract(raw, ShapeObject)
	if err != nil {
		return types.Plan{}, err
	}

	var aux struct {
		Summary string            `json:"summary"`
		Steps   []json.RawMessage `json:"steps"`
		Parts   []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(res.Value, &aux); err != nil {
		return types.Plan{}, &Failure{Reason: "plan fields have the wrong type", Raw: raw}
	}

	plan := types.Plan{
		Summary: strings.TrimSpace(aux.Summary),
		Steps:   textItems(aux.Steps),
		Parts:   textItems(aux.Parts),
	}
	if plan.Summary == "" && len(plan.Steps) == 0 {
		return types.Plan{}, &Failure{Reason: "object has no plan fields", Raw: raw}
	}
	return plan, nil
}

func textItems(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
