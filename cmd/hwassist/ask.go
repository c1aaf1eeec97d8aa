package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/pkg/voice"
)

var (
	askImage     string
	askObjective string
	askItems     string
	askDocs      []string
	askAudio     string
	askNoWait    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask what to do next, typed or spoken",
	Long: `Answers a question about the bench. With --audio the question is a
recorded audio file: it is transcribed, answered and the answer is synthesized
to an mp3 under the configured audio directory, played through the configured
player command if one is set.`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	addContextFlags(askCmd, &askImage, &askObjective, &askItems, &askDocs)
	askCmd.Flags().StringVar(&askAudio, "audio", "", "recorded question (webm, mp3, wav...)")
	askCmd.Flags().BoolVar(&askNoWait, "no-wait", false, "do not wait for playback to finish")
}

// addContextFlags registers the flags that seed the conversation context
func addContextFlags(cmd *cobra.Command, image, objective, items *string, docs *[]string) {
	cmd.Flags().StringVar(image, "image", "", "capture this image first (path or URL)")
	cmd.Flags().StringVar(objective, "objective", "", "what you are building")
	cmd.Flags().StringVar(items, "items", "", "items you have on hand")
	cmd.Flags().StringSliceVar(docs, "doc", nil, "reference document (repeatable)")
}

// prepareContext seeds the conversation and captures the image, if any
func prepareContext(ctx context.Context, a *hwassist.Assistant, image, objective, items string, docs []string) error {
	store := a.Conversation()
	if objective != "" {
		store.SetObjective(objective)
	}
	if items != "" {
		store.SetCurrentItems(items)
	}
	if len(docs) > 0 {
		store.SetReferenceDocuments(docs)
	}
	if image == "" {
		return nil
	}

	stop := spin("Analyzing image")
	snap, err := a.CaptureSource(ctx, image)
	stop()
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	logger.Info("captured image", "detections", len(snap.Boxes), "primary", snap.PrimaryProduct)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" && askAudio == "" {
		return fmt.Errorf("a question or --audio is required")
	}

	assistant, closeCatalog, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	if err := prepareContext(ctx, assistant, askImage, askObjective, askItems, askDocs); err != nil {
		return err
	}

	if askAudio == "" {
		stop := spin("Thinking")
		answer, err := assistant.Ask(ctx, question)
		stop()
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	}

	return askByVoice(ctx, assistant)
}

func askByVoice(ctx context.Context, assistant *hwassist.Assistant) error {
	if cfg.Speech.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set; the speech service may reject requests")
	}
	sp := newSpeechClient()
	speaker := &voice.FileSpeaker{Dir: cfg.Voice.AudioDir, Command: cfg.Voice.PlayerCommand}

	vc, err := assistant.NewVoiceController(hwassist.VoiceDevices{
		Microphone:  voice.FileMicrophone{Path: askAudio},
		Speaker:     speaker,
		Transcriber: sp,
		Synthesizer: sp,
	})
	if err != nil {
		return err
	}
	defer vc.Close()

	if err := vc.Start(ctx); err != nil {
		return err
	}

	updates, unsubscribe := vc.Subscribe()
	stop := track("Listening", updates, func(s voice.Status) string { return "Voice: " + s.State.String() })
	out, err := vc.Stop(ctx)
	stop()
	unsubscribe()

	if out.Transcript != "" {
		fmt.Printf("You: %s\n", out.Transcript)
	}
	if out.Response != "" {
		fmt.Printf("Assistant: %s\n", out.Response)
	}
	if out.Message != "" {
		fmt.Printf("(%s)\n", out.Message)
	}
	// The fallback apology may be playing even when the cycle failed
	waitForPlayback(ctx, vc)
	return err
}

// waitForPlayback blocks until the controller stops playing or ctx ends
func waitForPlayback(ctx context.Context, vc *voice.Controller) {
	if askNoWait || len(cfg.Voice.PlayerCommand) == 0 {
		return
	}
	updates, unsubscribe := vc.Subscribe()
	defer unsubscribe()
	for {
		select {
		case s := <-updates:
			if !s.Playing {
				return
			}
		case <-ctx.Done():
			vc.StopPlayback()
			return
		}
	}
}
