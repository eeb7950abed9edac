package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "posdesk"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	setupLogging("info")

	rootCmd := &cobra.Command{
		Use:     "posdesk",
		Short:   "Brokerage positions aggregation and rules engine",
		Version: version,
		Long: `posdesk ingests raw brokerage positions and quotes on a fixed tick,
resolves marks, detects multi-leg option combos, aggregates P&L and greeks,
and evaluates a versioned risk-rule catalog against every snapshot.

The REST and websocket surface serves the latest snapshot to dashboards.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion loop and HTTP surface",
		Long:  "Starts the tick loop, the rules catalog store, and the REST/stream server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file (defaults apply when omitted)")
	serveCmd.Flags().String("addr", "", "Listen address override, e.g. :8080")

	validateCmd := &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Validate a rules catalog file offline",
		Long:  "Parses and compiles the catalog text without touching any running engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	// Accept snake_case flag spellings from older run scripts.
	rootCmd.PersistentFlags().SetNormalizeFunc(normalizeFlagName)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// setupLogging picks console output on a TTY and plain JSON otherwise.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}
