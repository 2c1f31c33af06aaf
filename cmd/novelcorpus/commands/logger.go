package commands

import (
	"os"
	"time"

	"github.com/biodoia/novelcorpus/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// SetupLogging configura il logger globale dai flag e dalla configurazione
func SetupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	dev, _ := cmd.Flags().GetBool("dev")

	// i flag hanno la precedenza sulla configurazione
	format := "json"
	configPath, _ := cmd.Flags().GetString("config")
	if cfg, err := config.Load(configPath); err == nil {
		if level == "" {
			level = cfg.Log.Level
		}
		format = cfg.Log.Format
	}
	if dev {
		format = "console"
	}

	setupLogger(level, format)
	return nil
}

func setupLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	// Pretty console output in development
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
		return
	}

	// JSON output for production
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
