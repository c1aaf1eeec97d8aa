package advisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/detection"
	"github.com/menta2k/hwassist/pkg/extract"
	"github.com/menta2k/hwassist/pkg/types"
)

// ErrEmptyQuery is returned when there is no question to answer
var ErrEmptyQuery = errors.New("query is required")

// ExcerptSource pulls passages relevant to terms out of reference documents
type ExcerptSource interface {
	Excerpts(ctx context.Context, refs, terms []string) (string, error)
}

// Advisor answers bench questions with the conversation context as grounding
type Advisor struct {
	client   client.VisionClient
	model    string
	excerpts ExcerptSource
	logger   *slog.Logger
}

// New creates an advisor. excerpts may be nil.
func New(client client.VisionClient, model string, excerpts ExcerptSource, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Advisor{client: client, model: model, excerpts: excerpts, logger: logger}
}

// NextStep answers query. The reply is returned as the model wrote it, think
// blocks included; callers strip them before display or speech.
func (a *Advisor) NextStep(ctx context.Context, query string, conv types.ConversationContext) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	prompt := buildNextStepPrompt(query, conv, a.lookupExcerpts(ctx, conv))
	text, err := a.client.SimpleQuery(ctx, a.model, prompt, detection.StripDataURL(conv.LastImage))
	if err != nil {
		return "", fmt.Errorf("next step request failed: %w", err)
	}
	return text, nil
}

// Plan asks for a structured build plan toward the objective
func (a *Advisor) Plan(ctx context.Context, conv types.ConversationContext) (types.Plan, error) {
	if strings.TrimSpace(conv.Objective) == "" {
		return types.Plan{}, fmt.Errorf("objective is required")
	}

	prompt := buildPlanPrompt(conv, a.lookupExcerpts(ctx, conv))
	text, err := a.client.SimpleQuery(ctx, a.model, prompt, detection.StripDataURL(conv.LastImage))
	if err != nil {
		return types.Plan{}, fmt.Errorf("plan request failed: %w", err)
	}

	plan, err := extract.PlanFrom(extract.StripThinking(text))
	if err != nil {
		a.logger.Warn("plan not extracted", "error", err)
		return types.Plan{}, err
	}
	return plan, nil
}

// lookupExcerpts degrades to no excerpts on any failure
func (a *Advisor) lookupExcerpts(ctx context.Context, conv types.ConversationContext) string {
	if a.excerpts == nil || len(conv.LastDetectedLabels) == 0 || len(conv.ReferenceDocuments) == 0 {
		return ""
	}
	text, err := a.excerpts.Excerpts(ctx, conv.ReferenceDocuments, conv.LastDetectedLabels)
	if err != nil {
		a.logger.Warn("documentation search failed", "error", err)
		return ""
	}
	return text
}

func buildNextStepPrompt(query string, conv types.ConversationContext, excerpts string) string {
	var b strings.Builder
	b.WriteString(extract.ThinkOpen + "\n")
	writeContext(&b, conv, excerpts)
	b.WriteString(`
Guidelines:
1. identify objects in image
2. Check documentation
3. answer user questions
4. provide instruction for how to proceed
`)
	b.WriteString(extract.ThinkClose + "\n")
	fmt.Fprintf(&b, "Question: %s\n", query)
	b.WriteString("Answer the user's question directly. Do not tell the user to look it up elsewhere.\n")
	b.WriteString(extract.ThinkOpen + `
Remember:
- Be brief and clear
- Maximum 3 sentences total
` + extract.ThinkClose)
	return b.String()
}

func buildPlanPrompt(conv types.ConversationContext, excerpts string) string {
	var b strings.Builder
	writeContext(&b, conv, excerpts)
	b.WriteString(`
Write a build plan that reaches the objective with the available items.

Return JSON only, as an object:
{"summary": "one sentence", "steps": ["step 1", "step 2"], "parts": ["part still needed"]}

RULES
- steps are short imperative instructions, in order.
- parts lists only what is missing from the available items; use [] if nothing is missing.
- No prose, no comments, no trailing commas.`)
	return b.String()
}

func writeContext(b *strings.Builder, conv types.ConversationContext, excerpts string) {
	b.WriteString("Context:\n")
	fmt.Fprintf(b, "- Objective: %s\n", conv.Objective)
	fmt.Fprintf(b, "- Available Items: %s\n", conv.CurrentItems)
	fmt.Fprintf(b, "- Documentation: %s\n", strings.Join(conv.ReferenceDocuments, ", "))
	if len(conv.LastDetectedLabels) > 0 {
		fmt.Fprintf(b, "- Detected In Image: %s\n", strings.Join(conv.LastDetectedLabels, ", "))
	}
	if excerpts != "" {
		fmt.Fprintf(b, "\nRelevant Documentation Content:\n%s\n", excerpts)
	}
}
