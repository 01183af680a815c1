package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/id/uuid"
)

func newRequeueCmd(rt *runtime) *cobra.Command {
	var (
		site      string
		partition string
		allFailed bool
	)
	cmd := &cobra.Command{
		Use:   "requeue [url...]",
		Short: "Move failed URLs back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			p, err := parsePartition(partition)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			urls := args
			if allFailed {
				snap, err := a.Frontier.Snapshot(ctx)
				if err != nil {
					return err
				}
				if s, ok := snap.Site(site); ok {
					if ps, ok := s.Partition(p); ok {
						urls = append(urls, ps.Failed...)
					}
				}
			}
			if len(urls) == 0 {
				return fmt.Errorf("nothing to requeue; pass urls or --failed")
			}
			for _, u := range urls {
				if err := a.Frontier.Requeue(ctx, site, p, u); err != nil {
					return fmt.Errorf("requeue %s: %w", u, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d urls requeued\n", label(site, p), len(urls))
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site base URL")
	cmd.Flags().StringVar(&partition, "partition", "", "partition as key=value; empty for a flat site")
	cmd.Flags().BoolVar(&allFailed, "failed", false, "requeue every failed URL of the partition")
	_ = cmd.MarkFlagRequired("site") //nolint:errcheck // flag defined above
	return cmd
}

func newPurgeCmd(rt *runtime) *cobra.Command {
	var (
		site      string
		partition string
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a partition, or every partition of a site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			var target *crawler.Partition
			if partition != "" {
				p, err := parsePartition(partition)
				if err != nil {
					return err
				}
				target = &p
			}
			if err := a.Frontier.Purge(cmd.Context(), site, target); err != nil {
				return err
			}
			if target == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: purged\n", site)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: purged\n", label(site, *target))
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site base URL")
	cmd.Flags().StringVar(&partition, "partition", "", "partition as key=value; omit to purge the whole site")
	_ = cmd.MarkFlagRequired("site") //nolint:errcheck // flag defined above
	return cmd
}

func newStatusCmd(rt *runtime) *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print URL counts per site partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			snap, err := a.Frontier.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Site", "Partition", "Pending", "In-flight", "Completed", "Failed"})
			for _, s := range snap.Sites {
				if site != "" && s.Site.BaseURL != site {
					continue
				}
				for _, ps := range s.Partitions {
					counts := ps.Counts()
					t.AppendRow(table.Row{
						s.Site.BaseURL, orDash(ps.Partition.String()),
						counts[crawler.StatePending], counts[crawler.StateInFlight],
						counts[crawler.StateCompleted], counts[crawler.StateFailed],
					})
				}
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "limit output to one site base URL")
	return cmd
}

func newQueuesCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List dispatch queue bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			bindings, err := a.Registry.ListBindings(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Queue", "Created", "Site", "Partition", "Kind", "Status", "Depth", "Last processed"})
			for _, b := range bindings {
				created := "-"
				if at, ok := uuid.QueueCreatedAt(b.Name); ok {
					created = at.Format(time.DateTime)
				}
				depth := "-"
				n, err := a.Queue.Depth(cmd.Context(), b.Name)
				switch {
				case err == nil:
					depth = strconv.Itoa(n)
				case !errors.Is(err, crawler.ErrQueueNotDeclared):
					return err
				}
				t.AppendRow(table.Row{
					b.Name, created, b.Site, orDash(b.Partition.String()),
					b.Kind, b.Status, depth, orDash(b.LastProcessedURL),
				})
			}
			t.Render()
			return nil
		},
	}
}

func newServeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz, /readyz, and /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.services()
			if err != nil {
				return err
			}
			addr := net.JoinHostPort("", strconv.Itoa(a.Config.Server.Port))
			return a.OpsServer().Serve(cmd.Context(), addr)
		},
	}
}

// newTable returns a borderless table so the output stays easy to grep.
func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	style := table.StyleDefault
	style.Options = table.Options{
		DrawBorder:      false,
		SeparateColumns: false,
		SeparateHeader:  false,
		SeparateRows:    false,
	}
	t.SetStyle(style)
	return t
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
