package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshfed/pkg/federation"
	"meshfed/pkg/store"
	"meshfed/pkg/transport"
	"meshfed/pkg/types"
)

func runCmd() *cobra.Command {
	var (
		siteID         string
		metricsAddress string
		heartbeat      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the federation daemon",
		Long: `Connect to every configured site broker and federate local state.
Broker URLs with the memory:// scheme use an in-process broker, which is
useful for trying a configuration without MQTT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if siteID != "" {
				cfg.SiteID = siteID
			}
			if metricsAddress != "" {
				cfg.MetricsAddress = metricsAddress
			}
			cfg.ApplyDefaults()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := federation.NewMetrics(registry)

			local := types.Site{ID: cfg.SiteID, Name: cfg.SiteName}
			nodes := store.NewNodes(local)
			engine, err := federation.NewEngine(cfg, federation.Collaborators{
				Nodes:     nodes,
				Commands:  store.NewCommands(cfg.SiteID),
				Targets:   store.NewTargets(cfg.SiteID),
				Geofences: store.NewGeofences(cfg.SiteID),
				Events:    store.NewEvents(cfg.SiteID),
				Drones:    store.NewDrones(),
				Notifier:  store.NewLogNotifier(logger.Named("alerts")),
			}, newDialer(), metrics, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("Starting federation",
				zap.String("site_id", cfg.SiteID),
				zap.String("namespace", cfg.Namespace),
				zap.Int("sites", len(cfg.Sites)))

			if err := engine.Start(ctx); err != nil {
				return fmt.Errorf("failed to start federation: %w", err)
			}

			server := federation.StartMetricsServer(cfg.MetricsAddress, engine.Connections(), registry, logger.Named("http"))

			if heartbeat > 0 {
				go reportCoordinator(ctx, nodes, cfg.SiteID, heartbeat)
			}

			<-ctx.Done()
			logger.Info("Shutting down federation")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", zap.Error(err))
			}
			engine.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVar(&siteID, "site-id", "", "override the local site id")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "override the health and metrics listen address")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "interval for reporting this coordinator as a local node (0 disables)")

	return cmd
}

// newDialer routes memory:// URLs to one shared in-process broker and
// everything else to MQTT.
func newDialer() transport.Dialer {
	broker := transport.NewBroker()
	memory := broker.Dialer()
	return func(brokerURL string, opts transport.Options) (transport.Client, error) {
		if strings.HasPrefix(brokerURL, "memory://") {
			return memory(brokerURL, opts)
		}
		return transport.DialMQTT(brokerURL, opts)
	}
}

func reportCoordinator(ctx context.Context, nodes *store.Nodes, siteID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	node := types.NodeSnapshot{ID: siteID + "-coordinator", Name: "coordinator"}
	for {
		nodes.ReportLocal(node)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
