package cmd

import (
	"errors"
	"log"
	"os"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/spf13/cobra"
)

// version is a placeholder for the version string, which will be set at build time.
var version string

var verbose bool
var debug bool

// logFile holds the log file handle for proper cleanup
var logFile *os.File

var rootCmd = &cobra.Command{
	Use:   "stimela",
	Short: "A workflow orchestrator for radio-astronomy style pipelines",
	Long: `Stimela composes and executes pipelines built from cabs (atomic tasks
wrapping a binary or callable) and recipes (parameterised compositions of
steps), declared in a YAML-based configuration language.

Getting Started:
  1. stimela doc recipe.yml        Inspect the recipes and cabs a file defines
  2. stimela run recipe.yml        Execute a recipe
  3. stimela build recipe.yml      Prepare backend images for its cabs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// remove timestamps for cleaner CLI output
		log.SetFlags(0)
		logFile = config.SetupLogFile()
		config.Verbose = verbose
		config.Debug = debug
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(2)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")
	if version != "" {
		rootCmd.Version = version
	}
}
