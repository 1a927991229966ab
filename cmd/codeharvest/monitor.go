package main

import (
	"net"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeharvest/internal/monitor"
)

func newMonitorCmd(root *rootOptions) *cobra.Command {
	var (
		url      string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show the dashboard for a run started with --serve",
		Long: `Monitor polls the /status endpoint of a running harvest and renders the
live dashboard.

Examples:
  codeharvest run --serve &
  codeharvest monitor --url http://127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("url") {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				url = "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			}
			client, err := monitor.NewStatusClient(url)
			if err != nil {
				return err
			}
			p := tea.NewProgram(monitor.NewModel(client, interval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "status server URL (default: from server.host and server.port)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
