package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/pkg/server"
	"github.com/menta2k/hwassist/pkg/voice"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the capture, context and voice HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if serveAddr == "" {
			serveAddr = cfg.Server.Addr
		}

		assistant, closeCatalog, err := newAssistant(ctx)
		if err != nil {
			return err
		}
		defer closeCatalog()

		opts := server.Options{Assistant: assistant, Logger: logger.With("component", "server")}
		if cfg.Speech.APIKey == "" {
			logger.Warn("OPENAI_API_KEY is not set; voice endpoints are disabled")
		} else {
			sp := newSpeechClient()
			opts.Microphone = voice.NewStreamMicrophone(cfg.Voice.MaxUpload)
			opts.Speaker = voice.NewMemorySpeaker(time.Duration(cfg.Voice.PlaybackHold))
			opts.Voice, err = assistant.NewVoiceController(hwassist.VoiceDevices{
				Microphone:  opts.Microphone,
				Speaker:     opts.Speaker,
				Transcriber: sp,
				Synthesizer: sp,
			})
			if err != nil {
				return err
			}
		}

		return server.New(opts).Run(ctx, serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}
