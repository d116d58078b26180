package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

var docCmd = &cobra.Command{
	Use:   "doc FILE...",
	Short: "Summarise the recipes and cabs a file defines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _, _, err := parseRunArgs(args)
		if err != nil {
			return exitWith(2, err)
		}
		lib, err := loadLibrary(files)
		if err != nil {
			return exitWith(2, err)
		}
		for _, name := range lib.RecipeNames() {
			rcp, err := lib.GetRecipe(name)
			if err != nil {
				return exitWith(2, err)
			}
			for _, line := range rcp.Summary() {
				log.Println(line)
			}
		}
		for _, name := range lib.CabNames() {
			c, err := lib.GetCab(name)
			if err != nil {
				return exitWith(2, err)
			}
			for _, line := range c.Summary(nil, true) {
				log.Println(line)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
}
