package main

import (
	"fmt"
	"os"
	"path"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist/pkg/documents"
)

var indexDir string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Load reference documents from a directory into PostgreSQL",
	Long: `Reads every text document under the documents directory and stores it in
the PostgreSQL catalog (DATABASE_URL), embedding each one with the configured
embedding model so lookups can rank by similarity.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexDir, "dir", "", "documents directory (default from config)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if cfg.Documents.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to index documents")
	}
	if indexDir == "" {
		indexDir = cfg.Documents.Dir
	}

	dir, err := documents.NewDirCatalog(indexDir)
	if err != nil {
		return err
	}
	files, err := dir.Files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("no documents found", "dir", indexDir)
		return nil
	}

	llm, err := newModelClient()
	if err != nil {
		return err
	}
	catalog, closeCatalog, err := openCatalog(ctx, llm)
	if err != nil {
		return err
	}
	defer closeCatalog()
	pg, ok := catalog.(*documents.PostgresCatalog)
	if !ok {
		return fmt.Errorf("catalog is not backed by PostgreSQL")
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var indexed int
	for _, ref := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		content, err := dir.Content(ctx, ref)
		if err != nil {
			logger.Warn("skipping document", "ref", ref, "error", err)
			bar.Add(1)
			continue
		}
		doc := documents.Document{
			Product: documents.ProductFromFilename(ref),
			Title:   path.Base(ref),
			Path:    ref,
			Content: content,
		}
		if err := pg.Add(ctx, doc); err != nil {
			logger.Error("failed to index document", "ref", ref, "error", err)
		} else {
			indexed++
		}
		bar.Add(1)
	}
	bar.Finish()

	logger.Info("indexing complete", "indexed", indexed, "total", len(files))
	return nil
}
