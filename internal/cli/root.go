package cli

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root ratebeam command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratebeam",
		Short: "Client CLI for the RateBeam rate-limiting API",
		Long: `Consume permission tokens from a RateBeam endpoint, inspect the local
token cache, or run a local development server that fakes the API.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newConsumeCmd(),
		newStatusCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	return root
}

func setupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}
