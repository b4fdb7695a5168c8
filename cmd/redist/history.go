package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/redist/internal/store"
)

var (
	historyRun   int64
	historyLimit int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs from the state database",
		Long: `Show the runs recorded in the state database, newest first. With --run,
show every artifact resolved during that run and how it was verified.

The state database is set with --state-db or state.db_path in the config.`,
		Example: `  redist history --state-db state.db
  redist history --run 12`,
		Args: cobra.NoArgs,
		RunE: historyRunE,
	}

	cmd.Flags().Int64Var(&historyRun, "run", 0, "show the artifacts of this run")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to list (0 for all)")

	return cmd
}

func historyRunE(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.State.DBPath == "" {
		return fmt.Errorf("%w: no state database configured (use --state-db)", ErrUsage)
	}

	st, err := store.New(globalCfg.State.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()

	w := cmd.OutOrStdout()
	if historyRun > 0 {
		return printRunArtifacts(w, st, historyRun)
	}
	return printRuns(w, st, historyLimit)
}

func printRuns(w io.Writer, st *store.Store, limit int) error {
	runs, err := st.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-16s %-10s %7s %6s %6s %6s %8s %s\n",
		"Run", "Started", "Status", "Fetched", "Found", "Failed", "Bad", "Duration", "Manifest")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range runs {
		duration := "-"
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-6d %-16s %-10s %7d %6d %6d %6d %8s %s\n",
			r.ID, r.StartTime.Local().Format("2006-01-02 15:04"), r.Status,
			r.Fetched, r.Found, r.Failed, r.Mismatched, duration, r.ManifestRef)
	}
	return nil
}

func printRunArtifacts(w io.Writer, st *store.Store, id int64) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	artifacts, err := st.ListArtifacts(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %d: %s (%s)\n", run.ID, run.ManifestRef, run.Status)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", run.ErrorMessage)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%-24s %-16s %-10s %-14s %-8s %-8s %s\n",
		"Component", "Platform", "Variant", "Status", "Size", "SHA256", "File")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, a := range artifacts {
		fmt.Fprintf(w, "%-24s %-16s %-10s %-14s %-8s %-8s %s\n",
			a.Component, a.Platform, orDash(a.Variant), a.Status,
			orDash(a.SizeCheck), orDash(a.HashCheck), a.Filename)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
