package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/internal/utils"
	"github.com/menta2k/hwassist/pkg/client"
	"github.com/menta2k/hwassist/pkg/documents"
	"github.com/menta2k/hwassist/pkg/llamacpp"
	"github.com/menta2k/hwassist/pkg/ollama"
	"github.com/menta2k/hwassist/pkg/speech"
)

// modelClient is a backend that can both chat and embed
type modelClient interface {
	client.VisionClient
	client.Embedder
}

func newModelClient() (modelClient, error) {
	switch cfg.Model.Backend {
	case "ollama":
		c, err := ollama.NewClient(cfg.Model.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		c.SetTimeout(time.Duration(cfg.Model.Timeout))
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.Model.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		c.SetTimeout(time.Duration(cfg.Model.Timeout))
		return c, nil
	}
	return nil, fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", cfg.Model.Backend)
}

// openCatalog prefers the PostgreSQL catalog when a database is configured and
// falls back to the documents directory. It returns a nil catalog when neither
// is available.
func openCatalog(ctx context.Context, embedder client.Embedder) (documents.Catalog, func(), error) {
	if cfg.Documents.DatabaseURL != "" {
		opts := documents.PostgresOptions{
			Dimensions:  cfg.Documents.Dimensions,
			Limit:       cfg.Documents.Limit,
			MaxDistance: cfg.Documents.MaxDistance,
			Logger:      logger.With("component", "catalog"),
		}
		if cfg.Model.EmbedModel != "" {
			opts.Embedder = embedder
			opts.EmbedModel = cfg.Model.EmbedModel
		}
		pg, err := documents.NewPostgresCatalog(ctx, cfg.Documents.DatabaseURL, opts)
		if err != nil {
			return nil, func() {}, err
		}
		return pg, pg.Close, nil
	}

	if utils.DirExists(cfg.Documents.Dir) {
		dir, err := documents.NewDirCatalog(cfg.Documents.Dir)
		if err != nil {
			return nil, func() {}, err
		}
		return dir, func() {}, nil
	}

	logger.Debug("no reference documents configured", "dir", cfg.Documents.Dir)
	return nil, func() {}, nil
}

// newAssistant builds the assistant from the configuration. The returned
// func releases the catalog.
func newAssistant(ctx context.Context) (*hwassist.Assistant, func(), error) {
	llm, err := newModelClient()
	if err != nil {
		return nil, nil, err
	}
	catalog, closeCatalog, err := openCatalog(ctx, llm)
	if err != nil {
		return nil, nil, err
	}

	a, err := hwassist.New(hwassist.Options{
		Client:         llm,
		VisionModel:    cfg.Model.VisionModel,
		ReasoningModel: cfg.Model.ReasoningModel,
		Catalog:        catalog,
		Keywords:       cfg.Detection.ProductKeywords,
		MaxDimension:   cfg.Detection.MaxDimension,
		JPEGQuality:    cfg.Detection.JPEGQuality,
		Logger:         logger,
	})
	if err != nil {
		closeCatalog()
		return nil, nil, err
	}
	return a, closeCatalog, nil
}

func newSpeechClient() *speech.Client {
	return speech.NewClient(speech.Config{
		BaseURL:            cfg.Speech.URL,
		APIKey:             cfg.Speech.APIKey,
		TranscriptionModel: cfg.Speech.TranscriptionModel,
		SpeechModel:        cfg.Speech.SpeechModel,
		Voice:              cfg.Speech.Voice,
		Language:           cfg.Speech.Language,
		Timeout:            time.Duration(cfg.Speech.Timeout),
	})
}

// newSpinner shows an indeterminate progress indicator on stderr
func newSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// spin shows a spinner until the returned func is called
func spin(description string) func() {
	return track[struct{}](description, nil, nil)
}

// track shows a spinner described by updates; the returned func stops it
func track[T any](description string, updates <-chan T, describe func(T) string) func() {
	bar := newSpinner(description)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		follow(bar, updates, describe, done)
		close(finished)
	}()
	return func() {
		close(done)
		<-finished
	}
}

// follow updates the spinner description from a status stream until done is closed
func follow[T any](bar *progressbar.ProgressBar, updates <-chan T, describe func(T) string, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case v, ok := <-updates:
			if !ok {
				return
			}
			bar.Describe(describe(v))
		case <-ticker.C:
			bar.Add(1)
		case <-done:
			bar.Finish()
			return
		}
	}
}
