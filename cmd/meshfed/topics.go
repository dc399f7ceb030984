package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshfed/pkg/config"
	"meshfed/pkg/federation"
)

func topicsCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "topics [site-id]",
		Short: "List the topics a site publishes and subscribes to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteID := "<site>"
			if configFile != "" {
				cfg, err := config.LoadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				siteID = cfg.SiteID
				if namespace == "" {
					namespace = cfg.Namespace
				}
			}
			if len(args) == 1 {
				siteID = args[0]
			}
			if namespace == "" {
				namespace = config.DefaultNamespace
			}

			topics := federation.NewTopics(namespace)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, titleStyle.Render("Publishes"))
			for _, r := range federation.Routes() {
				fmt.Fprintf(out, "  %s\n", topics.Publish(siteID, r.Resource, r.Action))
			}
			fmt.Fprintf(out, "  %s\n", topics.Event(siteID, "<event-type>"))

			fmt.Fprintln(out, titleStyle.Render("Subscribes"))
			for _, r := range federation.Routes() {
				fmt.Fprintf(out, "  %s\n", topics.Subscription(r.Resource, r.Action))
			}
			fmt.Fprintf(out, "  %s\n", topics.EventSubscription())
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "topic namespace (default from config or "+config.DefaultNamespace+")")
	return cmd
}
