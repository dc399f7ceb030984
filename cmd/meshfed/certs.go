package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"meshfed/pkg/auth"
	"meshfed/pkg/config"
)

func certsCmd() *cobra.Command {
	var warn time.Duration

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Check the TLS certificates configured for each site",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderCerts(cfg.Sites, time.Now(), warn))
			return nil
		},
	}

	cmd.Flags().DurationVar(&warn, "warn", auth.DefaultExpiryWarning, "report certificates expiring within this window")
	return cmd
}

func expiryColor(s auth.ExpiryStatus) lipgloss.Color {
	switch s {
	case auth.CertValid:
		return accentColor
	case auth.CertExpiring:
		return warningColor
	default:
		return dangerColor
	}
}

func renderCerts(sites []config.SiteConfig, now time.Time, warn time.Duration) string {
	type certRow struct {
		cells []string
		color lipgloss.Color
	}
	var rows []certRow
	add := func(site, kind, path string) {
		info, err := auth.LoadCertificateInfo(path)
		if err != nil {
			rows = append(rows, certRow{[]string{site, kind, path, "ERROR", err.Error()}, dangerColor})
			return
		}
		status := info.Expiry(now, warn)
		rows = append(rows, certRow{
			[]string{site, kind, info.Subject, string(status), info.NotAfter.Format(time.RFC3339)},
			expiryColor(status),
		})
	}
	for _, s := range sites {
		if !s.TLS.Enabled {
			continue
		}
		if s.TLS.CAPath != "" {
			add(s.ID, "ca", s.TLS.CAPath)
		}
		if s.TLS.CertPath != "" {
			add(s.ID, "client", s.TLS.CertPath)
		}
	}
	if len(rows) == 0 {
		return mutedStyle.Render("No TLS certificates configured")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 && row >= 0 && row < len(rows) {
				return rowStyle.Copy().Foreground(rows[row].color).Bold(true)
			}
			return rowStyle.Copy().Foreground(fgColor)
		})
	t.Headers("SITE", "KIND", "SUBJECT", "STATUS", "NOT AFTER")
	for _, r := range rows {
		t.Row(r.cells...)
	}
	return t.Render()
}
