package cmd

import (
	"context"
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/backend"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/spf13/cobra"
)

var buildRebuild bool

var buildCmd = &cobra.Command{
	Use:   "build FILE... [CAB]",
	Short: "Prepare backend images for the cabs a file defines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, cabName, _, err := parseRunArgs(args)
		if err != nil {
			return exitWith(2, err)
		}
		lib, err := loadLibrary(files)
		if err != nil {
			return exitWith(2, err)
		}
		names := lib.CabNames()
		if cabName != "" {
			names = []string{cabName}
		}
		for _, name := range names {
			c, err := lib.GetCab(name)
			if err != nil {
				return exitWith(2, err)
			}
			settings, err := backend.ValidateBackendSettings(lib.BackendOptions(), c)
			if err != nil {
				return exitWith(2, err)
			}
			opts := backend.RunOptions{
				Fqname:         name,
				BackendOptions: settings.Options,
				Wrapper:        settings.Wrapper,
			}
			if err := settings.Backend.Build(context.Background(), c, buildRebuild, opts); err != nil {
				return exitWith(1, fmt.Errorf("build of cab '%s' failed: %w", name, err))
			}
			config.VerboseLog("cab %s: build complete", name)
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildRebuild, "rebuild", false, "rebuild even if already built")
	rootCmd.AddCommand(buildCmd)
}
