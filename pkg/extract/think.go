package extract

import (
	"regexp"
	"strings"
)

// ThinkOpen and ThinkClose delimit internal reasoning in model output
const (
	ThinkOpen  = "<think>"
	ThinkClose = "</think>"
)

var reThink = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(ThinkOpen) + `.*?` + regexp.QuoteMeta(ThinkClose))

// StripThinking removes every matched think block and trims the remainder.
// An opening marker without a closing one is left in place.
func StripThinking(text string) string {
	return strings.TrimSpace(reThink.ReplaceAllString(text, ""))
}
