package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/logging"
	"github.com/loomhq/loomd/internal/statestore"
)

// repoRoot and cfgPath are bound from persistent flags; store/cfg/logger
// are assembled once in rootCmd's PersistentPreRunE and shared by every
// subcommand, mirroring steveyegge-vc/cmd/vc's package-level dbPath/store
// convention.
var (
	repoRoot string
	cfgPath  string

	store  *statestore.Store
	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Autonomous software-development orchestrator daemon",
	Long: `loomd drives a fleet of shepherd workers through a labelled-issue
pipeline on a Git-hosted tracker: curate, build, judge, doctor, repeat.

It supervises the worker pool, detects and recovers stuck or orphaned
shepherds, enforces per-phase label contracts, tracks per-failure-class
retry budgets, backs off under systemic failure, and exposes a composite
health score.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if repoRoot != "" {
			cfg.RepoRoot = repoRoot
		}
		if cfg.RepoRoot == "" {
			cfg.RepoRoot = "."
		}

		store = statestore.New(cfg.RepoRoot)
		logger = logging.New("loomd")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", "", "repository root loomd manages (default: config's repo_root, or cwd)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to loomd's YAML config file")
}

// Execute runs the command tree, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}
