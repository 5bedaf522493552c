package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/bootstrap"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const reasonAdminCancel = "Cancelled by administrator (batch)"

var extendHours int

var expireCmd = &cobra.Command{
	Use:   "expire JOB_ID...",
	Short: "Expire finished jobs now and delete their archives",
	Args:  jobIDArgs,
	RunE:  runExpire,
}

var extendCmd = &cobra.Command{
	Use:   "extend JOB_ID...",
	Short: "Push the expiry of finished jobs forward",
	Args:  jobIDArgs,
	RunE:  runExtend,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID...",
	Short: "Cancel queued or running jobs",
	Args:  jobIDArgs,
	RunE:  runCancel,
}

func init() {
	extendCmd.Flags().IntVar(&extendHours, "hours", 0, "Hours to add (default download.default_extend_hours)")

	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(cancelCmd)
}

// jobIDArgs requires at least one argument and every argument to be a UUID
func jobIDArgs(_ *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one job id is required")
	}
	for _, id := range args {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("invalid job id %q", id)
		}
	}
	return nil
}

func runExpire(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sw, err := e.sweeper(cmd.Context())
	if err != nil {
		return err
	}

	res, err := sw.ExpireNow(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("expire failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "expired %d of %d jobs, freed %d bytes\n", res.Swept, len(args), res.BytesFreed)
	return nil
}

func runExtend(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	hours := extendHours
	if hours <= 0 {
		hours = e.cfg.Download.DefaultExtendHours
	}

	updated, err := e.jobs.ExtendExpiry(cmd.Context(), args, time.Duration(hours)*time.Hour)
	if err != nil {
		return fmt.Errorf("extend failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "extended %d of %d jobs by %dh\n", updated, len(args), hours)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	signals, err := bootstrap.OpenSignals(ctx, e.cfg, e.logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cancellation signals: %w", err)
	}
	defer signals.Close()

	now := storage.Now()
	expiresAt := now.Add(e.cfg.Download.RetentionTTL)

	var cancelled []string
	for _, id := range args {
		job, ok, err := e.jobs.CancelJob(ctx, id, reasonAdminCancel, now, expiresAt)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", id)
		case err != nil:
			return fmt.Errorf("cancel %s: %w", id, err)
		case !ok:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: already %s\n", id, job.Status)
		default:
			cancelled = append(cancelled, id)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cancelled\n", id)
		}
	}

	if len(cancelled) > 0 {
		if err := signals.RaiseMany(ctx, cancelled); err != nil {
			e.logger.Warn("Failed to raise cancel signals",
				slog.Int("jobs", len(cancelled)),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
