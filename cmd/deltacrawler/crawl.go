package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/app"
	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

func newDiscoverCmd(rt *runtime) *cobra.Command {
	var (
		siteName   string
		partitions []string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover new URLs of a site preset into the frontier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			_, err = discover(cmd.Context(), a, cmd.OutOrStdout(), siteName, partitions)
			return err
		},
	}
	cmd.Flags().StringVar(&siteName, "site", "", "site preset name from the sites config section")
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "partition value(s); defaults to the preset's partitions")
	_ = cmd.MarkFlagRequired("site") //nolint:errcheck // flag defined above
	return cmd
}

type discovered struct {
	site      string
	partition crawler.Partition
	kind      crawler.FetchKind
	count     int
}

func discover(ctx context.Context, a *app.App, out io.Writer, siteName string, partitions []string) ([]discovered, error) {
	site, err := a.Config.Site(siteName)
	if err != nil {
		return nil, err
	}
	kind, err := crawler.ParseFetchKind(site.FetchKindOrDefault())
	if err != nil {
		return nil, err
	}
	values, err := partitionValues(site, partitions)
	if err != nil {
		return nil, err
	}
	engine, err := a.Discovery()
	if err != nil {
		return nil, err
	}
	// A failed partition keeps the urls it committed before the failure, so it
	// is still returned for enqueueing alongside the joined error.
	var errs error
	results := make([]discovered, 0, len(values))
	for _, value := range values {
		src, partition := a.Source(site, value)
		n, err := engine.Discover(ctx, site.BaseURL, partition, src)
		fmt.Fprintf(out, "%s: %d new urls\n", label(site.BaseURL, partition), n)
		results = append(results, discovered{site: site.BaseURL, partition: partition, kind: kind, count: n})
		if err != nil {
			if !crawler.IsDiscoveryFailure(err) {
				return results, fmt.Errorf("discover %s: %w", label(site.BaseURL, partition), err)
			}
			errs = multierr.Append(errs, fmt.Errorf("discover %s: %w", label(site.BaseURL, partition), err))
		}
	}
	return results, errs
}

func newWorkCmd(rt *runtime) *cobra.Command {
	var (
		queueName string
		kindFlag  string
		serveOps  bool
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Drain an existing dispatch queue with the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			binding, err := a.Registry.Binding(ctx, queueName)
			bound := err == nil
			if err != nil && !errors.Is(err, crawler.ErrBindingNotFound) {
				return err
			}
			kind := binding.Kind
			if kindFlag != "" {
				if kind, err = crawler.ParseFetchKind(kindFlag); err != nil {
					return err
				}
			}
			if kind == "" {
				return fmt.Errorf("queue %s has no binding; pass --kind", queueName)
			}
			if serveOps {
				stop := startOps(ctx, a)
				defer stop()
			}
			return drain(ctx, a, cmd.OutOrStdout(), queueName, kind, bound)
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "dispatch queue name")
	cmd.Flags().StringVar(&kindFlag, "kind", "", "fetch kind (page or pdf); defaults to the queue binding")
	cmd.Flags().BoolVar(&serveOps, "ops", false, "serve /healthz, /readyz, and /metrics while working")
	_ = cmd.MarkFlagRequired("queue") //nolint:errcheck // flag defined above
	return cmd
}

// drain runs the worker pool until the queue stays empty, then marks the
// binding drained. A cancelled context leaves the binding active.
func drain(ctx context.Context, a *app.App, out io.Writer, queueName string, kind crawler.FetchKind, bound bool) error {
	d, err := a.Dispatcher()
	if err != nil {
		return err
	}
	if err := d.Run(ctx, queueName, kind); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintf(out, "%s: interrupted\n", queueName)
		return nil
	}
	if bound {
		if err := a.Enqueuer().MarkDrained(ctx, queueName); err != nil {
			return fmt.Errorf("mark %s drained: %w", queueName, err)
		}
	}
	fmt.Fprintf(out, "%s: drained\n", queueName)
	return nil
}

func newRunCmd(rt *runtime) *cobra.Command {
	var (
		siteName   string
		partitions []string
		serveOps   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover a site preset, then enqueue and drain each partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if serveOps {
				stop := startOps(ctx, a)
				defer stop()
			}
			results, discoverErr := discover(ctx, a, out, siteName, partitions)
			if discoverErr != nil && !crawler.IsDiscoveryFailure(discoverErr) {
				return discoverErr
			}
			for _, r := range results {
				queueName, err := a.IDs.NewQueueName()
				if err != nil {
					return err
				}
				n, err := a.Enqueuer().EnqueuePending(ctx, queueName, r.site, r.partition, r.kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d pending urls on %s\n", label(r.site, r.partition), n, queueName)
				if err := drain(ctx, a, out, queueName, r.kind, true); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return discoverErr
				}
			}
			return discoverErr
		},
	}
	cmd.Flags().StringVar(&siteName, "site", "", "site preset name from the sites config section")
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "partition value(s); defaults to the preset's partitions")
	cmd.Flags().BoolVar(&serveOps, "ops", false, "serve /healthz, /readyz, and /metrics while running")
	_ = cmd.MarkFlagRequired("site") //nolint:errcheck // flag defined above
	return cmd
}

// startOps serves the ops endpoints in the background until the returned
// stop function is called.
func startOps(ctx context.Context, a *app.App) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	addr := net.JoinHostPort("", strconv.Itoa(a.Config.Server.Port))
	go func() {
		defer close(done)
		if err := a.OpsServer().Serve(ctx, addr); err != nil {
			a.Logger.Error("ops server error", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
