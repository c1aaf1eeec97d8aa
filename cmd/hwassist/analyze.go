package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist/internal/utils"
	"github.com/menta2k/hwassist/pkg/detection"
)

var (
	analyzeOut     string
	analyzeFormat  string
	analyzeQuality int
	analyzeDebug   bool
	analyzeCrops   bool
	analyzeCheck   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image|URL>",
	Short: "Inventory the components in an image",
	Long: `Sends the image to the vision model and prints the detected components
with bounding boxes normalized to the image size. Optionally writes a debug
overlay and one crop per detection.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "output directory (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "", "output format: jpg|png|webp (default from config)")
	analyzeCmd.Flags().IntVar(&analyzeQuality, "quality", 90, "JPEG/WebP output quality (1-100)")
	analyzeCmd.Flags().BoolVar(&analyzeDebug, "debug", false, "write a debug overlay with the boxes")
	analyzeCmd.Flags().BoolVar(&analyzeCrops, "crops", false, "write a crop for each detection")
	analyzeCmd.Flags().BoolVar(&analyzeCheck, "check-vision", false, "ask the model to describe the image first")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	source := args[0]
	if analyzeOut == "" {
		analyzeOut = cfg.Output.OutputDir
	}
	if analyzeFormat == "" {
		analyzeFormat = cfg.Output.DefaultFormat
	}

	assistant, closeCatalog, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	processor := assistant.Processor()
	img, err := processor.LoadImageSmart(ctx, source)
	if err != nil {
		return err
	}

	if analyzeCheck {
		stop := spin("Checking vision")
		text, err := assistant.CheckVision(ctx, img)
		stop()
		if err != nil {
			return err
		}
		fmt.Printf("Model sees: %s\n", text)
	}

	updates, unsubscribe := assistant.Session().Subscribe()
	stop := track("Analyzing", updates, func(s detection.Snapshot) string { return "Analyzing: " + s.State.String() })
	snap, err := assistant.Capture(ctx, img)
	stop()
	unsubscribe()
	if err != nil {
		if snap.Message != "" {
			return fmt.Errorf("%s: %w", snap.Message, err)
		}
		return err
	}

	if snap.ExtractionError != "" {
		logger.Warn("model answer had no detections", "reason", snap.ExtractionError)
	}
	fmt.Printf("Image: %dx%d (sent to model)\n", snap.ImageSize.Width, snap.ImageSize.Height)
	if snap.PrimaryProduct != "" {
		fmt.Printf("Primary product: %s\n", snap.PrimaryProduct)
	}
	fmt.Printf("Detections: %d\n", len(snap.Boxes))
	for i, b := range snap.Boxes {
		name := b.Label
		if b.ProductName != "" {
			name = fmt.Sprintf("%s (%s)", b.Label, b.ProductName)
		}
		fmt.Printf("  %2d. %-40s [%.3f, %.3f, %.3f, %.3f]\n", i+1, name, b.Box.X1, b.Box.Y1, b.Box.X2, b.Box.Y2)
	}
	if docs := assistant.Conversation().Snapshot().ReferenceDocuments; len(docs) > 0 {
		fmt.Printf("Reference documents: %v\n", docs)
	}

	if err := utils.EnsureDir(analyzeOut); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	js, _ := json.MarshalIndent(snap, "", "  ")
	resultPath := utils.GenerateOutputFilename(source, analyzeOut, "", "_detections", "json")
	if err := os.WriteFile(resultPath, js, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	logger.Info("wrote results", "path", resultPath)

	lossless := false
	if analyzeDebug {
		overlay := processor.CreateDebugOverlay(img, snap.Boxes)
		path := utils.GenerateOutputFilename(source, analyzeOut, "", "_overlay", analyzeFormat)
		if err := processor.SaveImage(overlay, path, analyzeFormat, analyzeQuality, lossless); err != nil {
			logger.Error("debug overlay save failed", "error", err)
		} else {
			logger.Info("wrote overlay", "path", path)
		}
	}

	if analyzeCrops {
		margin := float64(cfg.Output.CropMargin) / 100
		for i, b := range snap.Boxes {
			crop, err := processor.CropToBox(img, b.Box, margin)
			if err != nil {
				logger.Warn("crop failed", "label", b.Label, "error", err)
				continue
			}
			name := fmt.Sprintf("%03d_%s", i+1, utils.SanitizeFilename(b.Label))
			path := filepath.Join(analyzeOut, name+"."+analyzeFormat)
			if err := processor.SaveImage(crop, path, analyzeFormat, analyzeQuality, lossless); err != nil {
				logger.Error("crop save failed", "path", path, "error", err)
				continue
			}
			logger.Info("wrote crop", "path", path)
		}
	}
	return nil
}
