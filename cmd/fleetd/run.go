package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/homt/fleetd/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// withApp loads config, wires the app and runs fn against it
func withApp(cmd *cobra.Command, load loadFunc, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := wireApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if out != nil {
		if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
			return perr
		}
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one fleet job once and print its summary",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := service.ParseJobName(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) (interface{}, error) {
				result, err := a.scheduler.RunJob(ctx, job)
				if err != nil {
					return nil, err
				}
				if result.Failed > 0 {
					return result, fmt.Errorf("%s finished with %d failure(s)", job, result.Failed)
				}
				return result, nil
			})
		},
	}
}

func newReconcileNodeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-node <name>",
		Short: "Reconcile one node against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) (interface{}, error) {
				result, err := a.scheduler.ReconcileNodeByName(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return result, nil
			})
		},
	}
}

func newCleanupNodeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-node <name>",
		Short: "Remove identities unknown to the ledger from one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) (interface{}, error) {
				result, err := a.scheduler.CleanupNodeByName(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return result, nil
			})
		},
	}
}

func jobNames() []string {
	names := make([]string, 0, len(service.AllJobs))
	for _, j := range service.AllJobs {
		names = append(names, string(j))
	}
	return names
}
