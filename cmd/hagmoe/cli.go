package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hag-moe/hagmoe/moe"
)

// NewCLI builds the root command with all subcommands attached.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "hagmoe",
		Short:         "Hierarchical attention-gated mixture-of-experts router",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				versionHandler(cmd, args)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.PersistentFlags().String("config", "", "Layer configuration file (YAML)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log per-pass routing details")

	rootCmd.AddCommand(
		newRouteCmd(),
		newTrainCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run:   versionHandler,
	}
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "hagmoe version %s\n", version)
}

// loadConfig returns the layer configuration named by --config, or the
// defaults when the flag is empty.
func loadConfig(cmd *cobra.Command) (moe.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return moe.DefaultConfig(), nil
	}
	return moe.LoadConfig(path)
}

// newLogger returns a text logger on w tagged with a fresh run id.
// --verbose lowers the level to Debug.
func newLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("run_id", uuid.NewString())
}
