package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/configuratt"
	"github.com/caracal-pipeline/stimela/utils/display"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/recipe"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	runSteps       []string
	runSkipSteps   []string
	runTags        []string
	runSkipTags    []string
	runEnableSteps []string
	runConfigVars  []string
	runDryRun      bool
	runLastRecipe  bool
)

// lastRecipeFile remembers the most recently run file/recipe
const lastRecipeFile = ".last_recipe"

var runCmd = &cobra.Command{
	Use:   "run FILE... [RECIPE] [PARAM=VALUE]...",
	Short: "Execute a recipe or cab from one or more YAML files",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, recipeName, params, err := parseRunArgs(args)
		if err != nil {
			return exitWith(2, err)
		}
		if runLastRecipe {
			if data, readErr := os.ReadFile(lastRecipeFile); readErr == nil {
				fields := strings.Fields(string(data))
				if len(fields) >= 1 {
					files = []string{fields[0]}
				}
				if len(fields) >= 2 {
					recipeName = fields[1]
				}
			}
		}
		if len(files) == 0 {
			return exitWith(2, fmt.Errorf("no YAML files given"))
		}

		lib, err := loadLibrary(files)
		if err != nil {
			return exitWith(2, err)
		}
		for _, override := range runConfigVars {
			key, value, found := strings.Cut(override, "=")
			if !found {
				return exitWith(2, fmt.Errorf("bad config override '%s': expected SECTION.VAR=VALUE", override))
			}
			var parsed interface{}
			if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
				parsed = value
			}
			if err := lib.Config.SetDotted(key, parsed); err != nil {
				return exitWith(2, err)
			}
		}

		if recipeName == "" {
			names := lib.RecipeNames()
			if len(names) != 1 {
				return exitWith(2, fmt.Errorf("specify a recipe to run (found: %s)", strings.Join(names, ", ")))
			}
			recipeName = names[0]
		}

		rcp, err := lib.GetRecipe(recipeName)
		if err != nil {
			return exitWith(2, err)
		}
		if err := rcp.Finalize(recipeName); err != nil {
			return exitWith(2, err)
		}
		if err := rcp.RestrictSteps(runTags, runSkipTags, runSteps, runSkipSteps, runEnableSteps); err != nil {
			return exitWith(2, err)
		}

		if runDryRun {
			for _, line := range rcp.Summary() {
				log.Println(line)
			}
			prevalidated, err := rcp.PreValidate(params)
			if err != nil {
				return exitWith(2, err)
			}
			log.Println("dry run: parameters after pre-validation:")
			for _, name := range prevalidated.Keys() {
				log.Printf("  %s = %v", name, prevalidated.Get(name))
			}
			return nil
		}

		os.WriteFile(lastRecipeFile, []byte(files[0]+" "+recipeName+"\n"), 0644)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		spinner := display.NewSpinner()
		if verbose || debug {
			spinner.Disable()
		}
		spinner.Start("running " + recipeName)
		outputs, err := rcp.Run(ctx, params)
		spinner.Stop()
		if err != nil {
			config.ErrorLog("run failed: %v", err)
			return exitWith(1, err)
		}
		config.VerboseLog("run complete")
		for _, name := range outputs.Keys() {
			config.VerboseLog("output %s = %v", name, outputs.Get(name))
		}
		return nil
	},
}

// parseRunArgs splits the argument list into YAML files, an optional
// recipe name, and PARAM=VALUE assignments
func parseRunArgs(args []string) (files []string, recipeName string, params *ordered.Map, err error) {
	params = ordered.New()
	for _, arg := range args {
		switch {
		case strings.Contains(arg, "="):
			key, value, _ := strings.Cut(arg, "=")
			var parsed interface{}
			if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
				parsed = value
			}
			params.Set(key, parsed)
		case strings.HasSuffix(arg, ".yml") || strings.HasSuffix(arg, ".yaml"):
			files = append(files, arg)
		default:
			if recipeName != "" {
				return nil, "", nil, fmt.Errorf("more than one recipe name given ('%s' and '%s')", recipeName, arg)
			}
			recipeName = arg
		}
	}
	return files, recipeName, params, nil
}

// loadLibrary loads and merges the given YAML files into a library
func loadLibrary(files []string) (*recipe.Library, error) {
	merged := ordered.New()
	for _, file := range files {
		conf, _, err := configuratt.Load(file, configuratt.DefaultOptions())
		if err != nil {
			return nil, err
		}
		merged.Merge(conf)
	}
	if _, err := configuratt.CheckRequirements(merged, []*ordered.Map{merged}, true); err != nil {
		return nil, err
	}
	lib := recipe.NewLibrary(merged)
	// a file with top-level steps is itself an anonymous recipe
	if merged.Has("steps") && len(lib.RecipeNames()) == 0 {
		lib.AddRecipeDef("recipe", merged)
	}
	return lib, nil
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// exitWith wraps an error with its process exit code; applied in Execute
func exitWith(code int, err error) error {
	return exitError{code: code, err: err}
}

func init() {
	runCmd.Flags().StringSliceVar(&runSteps, "step", nil, "run only the given step(s) or range(s)")
	runCmd.Flags().StringSliceVar(&runSkipSteps, "skip-step", nil, "skip the given step(s) or range(s)")
	runCmd.Flags().StringSliceVar(&runTags, "tags", nil, "run only steps with the given tag(s)")
	runCmd.Flags().StringSliceVar(&runSkipTags, "skip-tags", nil, "skip steps with the given tag(s)")
	runCmd.Flags().StringSliceVar(&runEnableSteps, "enable-step", nil, "force-enable the given step(s)")
	runCmd.Flags().StringArrayVar(&runConfigVars, "config", nil, "config overrides as SECTION.VAR=VALUE")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and summarise without executing")
	runCmd.Flags().BoolVar(&runLastRecipe, "last-recipe", false, "re-run the most recent file and recipe")
	rootCmd.AddCommand(runCmd)
}
