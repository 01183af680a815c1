package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/app"
	"github.com/JakeFAU/delta-crawler/internal/config"
	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/logging"
	"github.com/JakeFAU/delta-crawler/internal/telemetry"
)

const serviceName = "deltacrawler"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// runtime carries the services built by the persistent pre-run so execute
// can release them even when a subcommand fails.
type runtime struct {
	cfgFile string
	app     *app.App
	tracer  *sdktrace.TracerProvider
}

func (rt *runtime) start(ctx context.Context) error {
	cfg, err := config.Load(rt.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	rt.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Exporter:       cfg.Tracing.Exporter,
		ProjectID:      cfg.Tracing.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	rt.app, err = app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return nil
}

func (rt *runtime) close(ctx context.Context) error {
	var err error
	if rt.app != nil {
		err = multierr.Append(err, rt.app.Close())
		// Sync fails on non-file sinks such as a terminal; nothing to act on.
		_ = rt.app.Logger.Sync() //nolint:errcheck // best-effort flush
	}
	if rt.tracer != nil {
		err = multierr.Append(err, rt.tracer.Shutdown(context.WithoutCancel(ctx)))
	}
	return err
}

func (rt *runtime) services() (*app.App, error) {
	if rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt.app, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deltacrawler",
		Short: "Crawl frontier and change detection for configured sites.",
		Long: `deltacrawler discovers URLs of configured sites, drains them through
named work queues, and scores how much each resource's text changed since it
was last fetched.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.start(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&rt.cfgFile, "config", "", "config file (YAML); CRAWLER_* variables override it")

	cmd.AddCommand(
		newDiscoverCmd(rt),
		newWorkCmd(rt),
		newRunCmd(rt),
		newRequeueCmd(rt),
		newPurgeCmd(rt),
		newStatusCmd(rt),
		newQueuesCmd(rt),
		newServeCmd(rt),
	)
	return cmd
}

// execute runs the CLI with args and releases services afterwards.
func execute(ctx context.Context, args []string) error {
	rt := &runtime{}
	cmd := newRootCmd(rt)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return multierr.Append(err, rt.close(ctx))
}

// parsePartition reads key=value; an empty string is the flat partition.
func parsePartition(raw string) (crawler.Partition, error) {
	if raw == "" {
		return crawler.Partition{}, nil
	}
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return crawler.Partition{}, fmt.Errorf("partition %q must be key=value", raw)
	}
	return crawler.Partition{Key: key, Value: value}, nil
}

// partitionValues returns the partitions a site command should cover.
func partitionValues(site config.SiteConfig, flagValues []string) ([]string, error) {
	if site.PartitionKey == "" {
		if len(flagValues) > 0 {
			return nil, errors.New("site has no partition_key; drop --partition")
		}
		return []string{""}, nil
	}
	values := flagValues
	if len(values) == 0 {
		values = site.Partitions
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("site is partitioned by %q; pass --partition", site.PartitionKey)
	}
	return values, nil
}

func label(site string, partition crawler.Partition) string {
	if partition.IsZero() {
		return site
	}
	return fmt.Sprintf("%s[%s]", site, partition)
}
