package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"ride/bootstrap"
	"ride/broker"
	"ride/config"
	"ride/storage"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultCheckTimeout = 30 * time.Second

// checkResult is one line of check output.
type checkResult struct {
	Name     string        `json:"name"`
	Target   string        `json:"target"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func newCheckCmd() *cobra.Command {
	var (
		outputJSON bool
		timeout    time.Duration
	)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration, store and broker",
		Long: `Load the configuration, connect to MongoDB and the message broker, then
disconnect. Exits non-zero if any step fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			var s *spinner.Spinner
			if !outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Checking dependencies..."
				s.Start()
			}

			results, err := runChecks(ctx, loadConfig)

			if s != nil {
				s.Stop()
			}
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(results); encErr != nil {
					return encErr
				}
			} else {
				printResults(out, results)
			}
			return err
		},
	}

	checkCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	checkCmd.Flags().DurationVar(&timeout, "timeout", defaultCheckTimeout, "Overall deadline for the checks")

	return checkCmd
}

// runChecks runs the startup chain without mounting routes and releases
// everything it opened. It stops at the first failed step.
func runChecks(ctx context.Context, load func() (*config.Config, error)) ([]checkResult, error) {
	var results []checkResult
	record := func(name, target string, start time.Time, err error) error {
		r := checkResult{Name: name, Target: target, OK: err == nil, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
		return err
	}

	start := time.Now()
	cfg, err := load()
	if err := record("config", envFile, start, err); err != nil {
		return results, err
	}

	logger := zap.NewNop().Sugar()

	start = time.Now()
	connector := storage.NewConnector(logger)
	_, err = connector.Connect(ctx, cfg)
	defer func() { _ = connector.Close(context.Background()) }()
	if err := record("mongodb", config.RedactURI(cfg.MongoDB.URI), start, err); err != nil {
		return results, err
	}

	start = time.Now()
	b, err := bootstrap.InitBroker(ctx, broker.NewTransport, cfg, logger, nil)
	if err == nil {
		defer func() { _ = b.Close(context.Background()) }()
	}
	if err := record("broker", config.RedactURI(cfg.Broker.URL), start, err); err != nil {
		return results, err
	}

	return results, nil
}

func printResults(w io.Writer, results []checkResult) {
	headerColor.Fprintln(w, "Dependency check")
	failed := false
	for _, r := range results {
		if r.OK {
			fmt.Fprintf(w, "  %s %-8s %s %s\n", successColor.Sprint("✓"), r.Name, r.Target,
				infoColor.Sprintf("(%s)", r.Duration.Round(time.Millisecond)))
			continue
		}
		failed = true
		fmt.Fprintf(w, "  %s %-8s %s\n", errorColor.Sprint("✗"), r.Name, r.Target)
		fmt.Fprintf(w, "      %s\n", r.Error)
	}
	if failed {
		errorColor.Fprintln(w, "Check failed")
		return
	}
	successColor.Fprintln(w, "All dependencies reachable")
}
