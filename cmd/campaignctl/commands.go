package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/broker-notify/internal/app"
	"github.com/unclebandit/broker-notify/internal/config"
	"github.com/unclebandit/broker-notify/internal/model"
)

func newRootCmd() *cobra.Command {
	var verbose bool
	var logger *zap.Logger

	root := &cobra.Command{
		Use:          "campaignctl",
		Short:        "Run and inspect broker notification campaigns",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human readable debug logging")

	log := func() *zap.Logger { return logger }
	root.AddCommand(
		newRunCmd(log),
		newStatusCmd(log),
		newResultCmd(log),
		newMigrateCmd(log),
	)
	return root
}

func newRunCmd(log func() *zap.Logger) *cobra.Command {
	var (
		inputPath string
		runID     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a campaign in this process until it completes",
		Long: `Runs or resumes a campaign from a YAML input file. Interrupting the
command stops the run between steps; running it again with the same
--run-id resumes from the recorded checkpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(inputPath)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			cfg, err := config.Load(log())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, log())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Service.Start(ctx, runID, input); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s started\n", runID)
			if err := a.Service.Execute(ctx, runID); err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}

			result, err := a.Service.Result(ctx, runID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "campaign input YAML")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id; generated when empty")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCmd(log func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run's status and checkpoint count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), log(), func(a *app.App) error {
				details, err := a.Service.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), details)
			})
		},
	}
}

func newResultCmd(log func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "result RUN_ID",
		Short: "Print the result of a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), log(), func(a *app.App) error {
				result, err := a.Service.Result(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newMigrateCmd(log func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), log(), func(a *app.App) error {
				fmt.Fprintln(cmd.ErrOrStderr(), "schema up to date")
				return nil
			})
		},
	}
}

// withStore opens storage only; opening applies pending migrations.
func withStore(ctx context.Context, logger *zap.Logger, fn func(a *app.App) error) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	a, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func readInput(path string) (model.CampaignInput, error) {
	var input model.CampaignInput
	raw, err := os.ReadFile(path)
	if err != nil {
		return input, fmt.Errorf("read input: %w", err)
	}
	if err := yaml.Unmarshal(raw, &input); err != nil {
		return input, fmt.Errorf("parse input %s: %w", path, err)
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
