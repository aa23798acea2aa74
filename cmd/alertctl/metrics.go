package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"changealerts/internal/metrics"
	"changealerts/internal/shared"
)

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics [SERVICE]",
		Short: "Show the metrics the listeners report to Redis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.ConnectRedis(cmd.Context(), cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			reader := metrics.NewReader(client)
			var all []*metrics.ServiceMetrics
			if len(args) == 1 {
				m, err := reader.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				all = append(all, m)
			} else if all, err = reader.All(cmd.Context()); err != nil {
				return err
			}
			writeMetrics(cmd.OutOrStdout(), all, time.Now())
			return nil
		},
	}
}

func writeMetrics(w io.Writer, all []*metrics.ServiceMetrics, now time.Time) {
	if len(all) == 0 {
		fmt.Fprintln(w, "No listener has reported metrics.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tUPTIME\tRECEIVED\tPROCESSED\tDISPATCHED\tERRORS\tEVENTS/S\tAVG LATENCY")
	for _, m := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.2f\t%s\n",
			m.ServiceName,
			m.Status,
			now.Sub(m.StartedAt).Truncate(time.Second),
			m.EventsReceived,
			m.EventsProcessed,
			m.AlertsDispatched,
			m.ProcessingErrors,
			m.EventsPerSecond,
			time.Duration(m.AvgProcessingLatencyNs).Round(time.Microsecond),
		)
	}
	tw.Flush()

	for _, m := range all {
		if len(m.CustomCounters) == 0 {
			continue
		}
		names := make([]string, 0, len(m.CustomCounters))
		for name := range m.CustomCounters {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "\n%s counters:\n", m.ServiceName)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, m.CustomCounters[name])
		}
	}
}
