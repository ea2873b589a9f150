package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/overseer/config"
	"github.com/tomyedwab/overseer/internal/log"
)

var (
	configPath string         // config file actually loaded
	cfg        *config.Config // loaded by initOverseer
	logger     *slog.Logger

	flagConfigFilePath string // value of --config
	flagVerbose        bool   // value of --verbose
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "config file to load; "+config.EnvVar+" takes precedence, default is "+config.DefaultPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().BoolVar(&flagStopOnExit, "stop-on-exit", false, "stop every service before exiting instead of leaving them running")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initOverseer

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("overseer failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "overseer",
	Short:        "Keeps a configured number of service instances running across nodes",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Needs no config file.
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("overseer: version info not available")
			return
		}
		fmt.Printf("overseer: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func initOverseer(cmd *cobra.Command, _ []string) error {
	logger = log.New(os.Stderr, flagVerbose)
	slog.SetDefault(logger)

	configPath = config.Path(flagConfigFilePath)
	var err error
	cfg, err = config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Debug("Loaded config", "path", configPath, "nodes", len(cfg.Nodes), "services", len(cfg.Services))
	return nil
}
