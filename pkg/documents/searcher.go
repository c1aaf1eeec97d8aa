package documents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/menta2k/hwassist/pkg/client"
)

// maxDocumentRunes bounds how much of each document goes into the search prompt
const maxDocumentRunes = 20000

// Searcher asks a model to pull the passages of reference documents that
// concern a set of detected items
type Searcher struct {
	catalog Catalog
	client  client.VisionClient
	model   string
	logger  *slog.Logger
}

// NewSearcher creates a searcher reading documents from catalog
func NewSearcher(catalog Catalog, client client.VisionClient, model string, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Searcher{catalog: catalog, client: client, model: model, logger: logger}
}

// Excerpts returns up to three summarized passages relevant to terms. It returns
// "" without calling the model when there is nothing to search.
func (s *Searcher) Excerpts(ctx context.Context, refs, terms []string) (string, error) {
	if len(refs) == 0 || len(terms) == 0 {
		return "", nil
	}

	var contents strings.Builder
	for _, ref := range refs {
		text, err := s.catalog.Content(ctx, ref)
		if err != nil {
			s.logger.Warn("skipping unreadable document", "ref", ref, "error", err)
			continue
		}
		if r := []rune(text); len(r) > maxDocumentRunes {
			text = string(r[:maxDocumentRunes])
		}
		fmt.Fprintf(&contents, "\n--- From %s ---\n%s", path.Base(ref), text)
	}
	if contents.Len() == 0 {
		return "", nil
	}

	prompt := fmt.Sprintf(`Search through the following documentation for information relevant to these items: %s

Documentation content:
%s

Extract and summarize ONLY the most relevant sections that specifically mention or relate to the listed items.
Format the response as clear, concise bullet points.
Include page numbers or section references where available.
Limit the response to the 3 most relevant pieces of information.`, strings.Join(terms, ", "), contents.String())

	text, err := s.client.SimpleQuery(ctx, s.model, prompt, "")
	if err != nil {
		return "", fmt.Errorf("document search failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}
