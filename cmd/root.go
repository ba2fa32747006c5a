package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wlmitm/pkg/config"
	"wlmitm/pkg/errors"
	"wlmitm/pkg/listener"
	"wlmitm/pkg/logger"
	"wlmitm/pkg/schema"
)

const unknownValue = "unknown"

var (
	Version   string
	BuildTime string
	GitCommit string
)

var (
	logLevel   string
	dryRunFlag bool
	schemaDir  string
	configPath = "./config.toml"
)

var rootCmd = &cobra.Command{
	Use:   "wlmitm [config file]",
	Short: "Filtering man-in-the-middle proxy for the Wayland protocol",
	Long: `wlmitm sits between a Wayland client and its compositor, forwarding
every message while enforcing a policy that can hide globals, block or
reject requests, or defer the decision to an external helper program.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			configPath = args[0]
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		logger.SetLevel(level)
		if cmd.Flags().Changed("dry-run") {
			cfg.Filter.DryRun = dryRunFlag
		}

		s, err := schema.Load(schemaDir)
		if err != nil {
			return errors.Wrap(err, errors.ExitCodeConfig, "loading protocol schema")
		}

		l, err := listener.New(cfg, s)
		if err != nil {
			return err
		}
		defer l.Close()

		return l.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		ver := Version
		if ver == "" {
			ver = "dev"
		}
		bt := BuildTime
		if bt == "" {
			bt = unknownValue
		}
		gc := GitCommit
		if gc == "" {
			gc = unknownValue
		}
		fmt.Printf("wlmitm version %s\n", ver)
		fmt.Printf("Built: %s\n", bt)
		fmt.Printf("Git commit: %s\n", gc)
	},
}

// Execute runs the root command, mapping a returned *errors.Error to its
// associated process exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		exitCode := errors.HandleReturn(err)
		os.Exit(int(exitCode))
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().BoolVar(&dryRunFlag, "dry-run", false, "Override filter.dry_run: log would-be verdicts without blocking")
	rootCmd.PersistentFlags().StringVar(&schemaDir, "proto-dir", "./proto", "Directory of Wayland protocol XML files")
}
