package main

import (
	"os"
	"strings"

	"github.com/parker-ryan1/photo/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fieldcam",
	Short: "Unattended field camera capture service",
	Long: `fieldcam drives a tethered camera through scheduled capture bursts during
operating hours, pulls every new image off the card into a dated directory
tree, and keeps the USB session alive between bursts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(firstNonEmpty(rootLogLevel, env.String("LOG_LEVEL", "")))
	},
}

var (
	rootConfigPath string
	rootLogLevel   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Capture config file (default capture_config.json or PHOTO_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error (default LOG_LEVEL or info)")
	rootCmd.AddCommand(
		newRunCmd(),
		newPullCmd(),
		newCheckCmd(),
		newStatusCmd(),
		newInitCmd(),
	)
	_ = env.Ensure()
}

func setLogLevel(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fieldcam command failed")
	}
}
