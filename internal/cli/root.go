package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/logging"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "renderfactory",
	Short: "Floor plan to 3D render pipeline orchestrator",
	Long: `renderfactory drives floor plans through staged AI generation: a top-down 3D
view, styling, space detection, then per-space renders, panoramas and a final
360 merge. Every stage waits for QA and, by default, a human approval.

State lives in a file, Badger or Postgres store (see "renderfactory config show").
Workers receive jobs through a spool directory or a Redis queue and report back
through the HTTP callbacks served by "renderfactory serve".`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// readConfig reads --config when given, otherwise the default locations.
func readConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// loadConfig reads and validates the config and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v (run \"renderfactory config validate\")", errs[0])
	}
	logging.Init(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to renderfactory config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(spaceCmd)
	rootCmd.AddCommand(qaCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
