// Command greenlight is a coverage-gated CI runner: it receives forge
// push deliveries, executes the matching workflows against the pushed
// commit, enforces the coverage gate, and reports commit statuses back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/observability"
)

// Populated at build time:
//
//	go build -ldflags "-X main.version=v1.2.3 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfigEnv string
	flagWorkflows string
	flagLogLevel  string
)

func main() {
	root := &cobra.Command{
		Use:   "greenlight",
		Short: "Coverage-gated CI runner",
		Long: `Greenlight runs push-triggered CI workflows: checkout, interpreter
matrix, test suite, coverage gate. Commit statuses go back to the forge.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigEnv, "config-env", "",
		"config environment, reads config/<env>.yaml (default: GREENLIGHT_ENV or dev)")
	root.PersistentFlags().StringVar(&flagWorkflows, "workflows", "",
		"workflow directory, overrides the configured one")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(), newExecCmd(), newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "greenlight:", err)
		os.Exit(1)
	}
}

// newLogger builds the service logger, honoring --log-level over the
// LOG_LEVEL environment variable.
func newLogger() (*zap.Logger, error) {
	if flagLogLevel != "" {
		os.Setenv("LOG_LEVEL", flagLogLevel)
	}
	return observability.NewLogger()
}
