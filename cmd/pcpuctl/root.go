package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/percpu/internal/logger"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pcpuctl",
	Short: "Build per-CPU allocator layouts and exercise the allocator",
	Long: `pcpuctl computes per-CPU allocator layouts from a CPU topology and
runs seeded allocation workloads against the allocator, reporting counters
and the state of every chunk.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log", "", "Allocator log level (debug, info, warn, error); overrides $"+logger.EnvVar)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes allocator logs to stderr, from --log or the
// environment.
func setupLogging() error {
	if logLevel == "" {
		logger.Init(logger.FromEnv())
		return nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log level %q: %w", logLevel, err)
	}
	logger.Init(logger.Options{Enabled: true, Level: level})
	return nil
}

// Helper functions for output

// printer formats counts and sizes with digit grouping.
var printer = message.NewPrinter(language.English)

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		printer.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		printer.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as indented JSON
func printJSON(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}

// humanBytes renders n as a byte count with a binary unit suffix.
func humanBytes(n int) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return printer.Sprintf("%dM", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return printer.Sprintf("%dK", n>>10)
	default:
		return printer.Sprintf("%d", n)
	}
}
