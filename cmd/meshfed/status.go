package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"meshfed/pkg/config"
	"meshfed/pkg/federation"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func statusCmd() *cobra.Command {
	var (
		address string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				address = config.DefaultMetricsAddress
				if configFile != "" {
					cfg, err := config.LoadConfig(configFile)
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					address = cfg.MetricsAddress
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			statuses, err := fetchStatus(ctx, address)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			fmt.Fprintln(out, renderStatus(statuses, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "daemon health address (default from config or "+config.DefaultMetricsAddress+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func statusURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/") + "/status"
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "http://" + address + "/status"
}

func fetchStatus(ctx context.Context, address string) ([]federation.SiteStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(address), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var statuses []federation.SiteStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return statuses, nil
}

func statusColor(s federation.Status) lipgloss.Color {
	switch s {
	case federation.StatusConnected:
		return accentColor
	case federation.StatusConnecting:
		return warningColor
	case federation.StatusError:
		return dangerColor
	default:
		return mutedColor
	}
}

func renderStatus(statuses []federation.SiteStatus, now time.Time) string {
	if len(statuses) == 0 {
		return mutedStyle.Render("No sites configured")
	}

	connected := 0
	for _, s := range statuses {
		if s.Status == federation.StatusConnected {
			connected++
		}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(statuses) {
				return rowStyle.Copy().Foreground(statusColor(statuses[row].Status)).Bold(true)
			}
			return rowStyle.Copy().Foreground(fgColor)
		})

	t.Headers("SITE", "STATUS", "BROKER", "SINCE", "MESSAGE")
	for _, s := range statuses {
		since := "-"
		if !s.Since.IsZero() {
			since = formatAge(now.Sub(s.Since))
		}
		broker := s.BrokerURL
		if broker == "" {
			broker = "-"
		}
		t.Row(s.SiteID, strings.ToUpper(string(s.Status)), broker, since, s.Message)
	}

	title := titleStyle.Render(fmt.Sprintf("Sites %d/%d connected", connected, len(statuses)))
	return lipgloss.JoinVertical(lipgloss.Left, title, t.Render())
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
