package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/statestore"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print health metrics and active alerts",
	Long:  `Display the composite health score, latest metric sample, and unacknowledged alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealth()
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth() error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== loomd health ==="))

	metrics, err := statestore.Load[statestore.HealthMetrics](store.HealthMetricsPath())
	if err != nil {
		return fmt.Errorf("reading health metrics: %w", err)
	}

	scoreColor := statusColorFor(metrics.HealthStatus, green, yellow, red)
	fmt.Printf("  Score:  %s %d/100 (%s)\n", scoreColor("●"), metrics.HealthScore, scoreColor(string(metrics.HealthStatus)))

	if len(metrics.Metrics) > 0 {
		latest := metrics.Metrics[len(metrics.Metrics)-1]
		fmt.Println()
		fmt.Printf("%s\n", yellow("Latest sample:"))
		fmt.Printf("  Timestamp:      %s\n", latest.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Throughput:     %.2f issues/hr, %.2f PRs/hr\n", latest.ThroughputIssuesPerHr, latest.ThroughputPRsPerHr)
		fmt.Printf("  Avg iteration:  %.1fs\n", latest.AvgIterationSeconds)
		fmt.Printf("  Pipeline:       %s — %s\n", latest.PipelineHealth.Status, latest.PipelineHealth.Reason)
		for k, v := range latest.QueueDepths {
			fmt.Printf("  Queue %-12s %d\n", k+":", v)
		}
	} else {
		fmt.Printf("\n  %s no metric samples recorded yet\n", gray("○"))
	}

	alertLog, err := statestore.Load[statestore.AlertLog](store.AlertsPath())
	if err != nil {
		return fmt.Errorf("reading alerts: %w", err)
	}

	fmt.Println()
	fmt.Printf("%s\n", yellow("Alerts:"))
	active := 0
	for _, a := range alertLog.Alerts {
		if a.Acknowledged {
			continue
		}
		active++
		sevColor := green
		switch a.Severity {
		case statestore.SeverityWarning:
			sevColor = yellow
		case statestore.SeverityCritical:
			sevColor = red
		}
		fmt.Printf("  %s [%s] %s: %s\n", sevColor("⚠"), a.Timestamp.Format("15:04:05"), a.Type, a.Message)
	}
	if active == 0 {
		fmt.Printf("  %s no active alerts\n", green("✓"))
	}
	fmt.Println()
	return nil
}

func statusColorFor(status statestore.HealthStatus, green, yellow, red func(a ...interface{}) string) func(a ...interface{}) string {
	switch status {
	case statestore.HealthExcellent, statestore.HealthGood:
		return green
	case statestore.HealthFair, statestore.HealthWarning:
		return yellow
	default:
		return red
	}
}
