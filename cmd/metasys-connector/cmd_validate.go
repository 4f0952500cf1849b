package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flightincorporated47/metasys-connector-backend/pkg/connector"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file and its poll plan without starting the connector",
	RunE:  runValidate,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the poll plan summary by tier",
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	points, err := connector.BuildPlan(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config %s looks good: %d points\n", configPath, len(points))
	return nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	points, err := connector.BuildPlan(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	summary := connector.SummarizePlan(points)
	fmt.Fprintf(out, "Total points: %d\n", summary.Total)
	for _, tier := range summary.Tiers() {
		fmt.Fprintf(out, "  tier %d: %d points\n", tier, summary.ByTier[tier])
	}
	for _, p := range points {
		fmt.Fprintf(out, "%-40s tier=%d poll=%s min_publish=%s deadband=%g ref=%s\n",
			p.Key(), p.Tier, p.PollInterval, p.MinPublishInterval, p.Deadband, p.SourceRef)
	}
	return nil
}
