package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mbd888/sentinel/internal/audit"
)

func statsCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show security event statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(*opts)
			if err != nil {
				return err
			}
			var resp struct {
				Stats audit.Stats    `json:"stats"`
				Feed  map[string]any `json:"feed"`
			}
			if err := c.admin(cmd.Context(), "GET", "/v1/security/stats", nil, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total events:    %d\n", resp.Stats.TotalEvents)
			fmt.Fprintf(out, "Blocked events:  %d\n", resp.Stats.BlockedEvents)
			fmt.Fprintf(out, "Fraud events:    %d\n", resp.Stats.FraudEvents)
			fmt.Fprintf(out, "Last 24h:        %d\n", resp.Stats.RecentEvents)
			if n, ok := resp.Feed["connectedClients"]; ok {
				fmt.Fprintf(out, "Feed clients:    %v\n", n)
			}
			return nil
		},
	}
}

func eventsCmd(opts *clientOptions) *cobra.Command {
	var (
		status, action, cursor string
		limit                  int
		all, asJSON            bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List security events, newest first",
		Long: `List security events from the audit log.

Examples:
  sentinelctl events --status blocked
  sentinelctl events --action fraud_detected --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(*opts)
			if err != nil {
				return err
			}
			events, err := fetchEvents(cmd, c, status, action, cursor, limit, all)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%s  %-8s %-26s actor=%-12s ip=%-15s trace=%s\n",
					ev.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), ev.Status, ev.Action,
					orDash(ev.ActorID), orDash(ev.IPAddress), ev.TraceID)
			}
			fmt.Fprintf(out, "%d event(s)\n", len(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (allowed, blocked)")
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume from a previous page's cursor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "page size")
	cmd.Flags().BoolVar(&all, "all", false, "follow cursors until the last page")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func fetchEvents(cmd *cobra.Command, c *client, status, action, cursor string, limit int, all bool) ([]*audit.SecurityEvent, error) {
	var events []*audit.SecurityEvent
	for {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if action != "" {
			q.Set("action", action)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		q.Set("limit", strconv.Itoa(limit))

		var page audit.Page
		if err := c.admin(cmd.Context(), "GET", "/v1/security/events", q, nil, &page); err != nil {
			return events, err
		}
		events = append(events, page.Events...)
		if !all || !page.HasMore || page.NextCursor == "" {
			return events, nil
		}
		cursor = page.NextCursor
	}
}

func sweepCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(*opts)
			if err != nil {
				return err
			}
			var resp struct {
				Purged map[string]int64 `json:"purged"`
			}
			if err := c.admin(cmd.Context(), "POST", "/v1/security/sweep", nil, nil, &resp); err != nil {
				return err
			}
			tables := make([]string, 0, len(resp.Purged))
			for t := range resp.Purged {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %d\n", t+":", resp.Purged[t])
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
