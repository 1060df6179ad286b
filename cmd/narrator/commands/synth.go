package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/speech"
	"github.com/MrWong99/narrator/pkg/audio/ffmpeg"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

var (
	synthVoice  string
	synthRate   float64
	synthOutput string
)

var synthCmd = &cobra.Command{
	Use:   "synth <text>",
	Short: "Synthesize one utterance to a file",
	Long: `Send text to the configured TTS provider and write the clip. Useful
for checking credentials and previewing voices without Discord.

Example:
  narrator synth "Good evening" --voice en-GB-Neural2-B --rate 1.2 -o out.ogg`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if synthOutput == "" {
			return fmt.Errorf("output file is required, use -o flag")
		}

		reg := config.NewRegistry()
		app.RegisterBuiltinTTS(reg, ffmpeg.New(cfg.Transcoder.FFmpegPath))
		provider, err := app.BuildTTS(cfg, reg)
		if err != nil {
			return err
		}

		voice := synthVoice
		if voice == "" {
			voice = cfg.Narration.DefaultVoice
		}
		if voice == "" {
			voice = narrate.DefaultVoice
		}
		lang := cfg.Narration.DefaultLanguage
		if lang == "" {
			lang = speech.DefaultLanguage
		}

		client := speech.NewClient(provider, speech.WithEncoding(cfg.Speech.Encoding))
		clip, err := client.Synthesize(cmd.Context(), tts.Request{
			Text:     strings.Join(args, " "),
			Voice:    voice,
			Language: tts.LanguageOf(voice, lang),
			Rate:     speech.EffectiveRate(voice, synthRate),
		})
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
		if err := os.WriteFile(synthOutput, clip, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", synthOutput, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s (voice=%s)\n", len(clip), synthOutput, voice)
		return nil
	},
}

func init() {
	synthCmd.Flags().StringVar(&synthVoice, "voice", "", "voice name (default from config)")
	synthCmd.Flags().Float64Var(&synthRate, "rate", 1.0, "speaking rate multiplier")
	synthCmd.Flags().StringVarP(&synthOutput, "output", "o", "", "output file")
}
