package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim archives of expired jobs once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var reapStaleCmd = &cobra.Command{
	Use:   "reap-stale",
	Short: "Fail running jobs whose worker stopped reporting",
	Long:  "Fails running jobs whose record has not been updated within download.stale_after and deletes their partial archives.",
	Args:  cobra.NoArgs,
	RunE:  runReapStale,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reapStaleCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sw, err := e.sweeper(cmd.Context())
	if err != nil {
		return err
	}

	res, err := sw.SweepOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "swept %d jobs, freed %d bytes, %d errors\n", res.Swept, res.BytesFreed, res.Errors)
	return nil
}

func runReapStale(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	sw, err := e.sweeper(cmd.Context())
	if err != nil {
		return err
	}

	n, err := sw.ReapStale(cmd.Context())
	if err != nil {
		return fmt.Errorf("reap failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale jobs\n", n)
	return nil
}
