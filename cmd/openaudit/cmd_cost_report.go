package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"OpenAudit/internal/cost"
)

var costReportFlags struct {
	ledger string
}

var costReportCmd = &cobra.Command{
	Use:   "cost-report",
	Short: "Replay the cost ledger and print totals per source",
	RunE:  runCostReport,
}

func init() {
	costReportCmd.Flags().StringVar(&costReportFlags.ledger, "ledger", "", "成本账本文件 (默认取配置)")
}

func runCostReport(cmd *cobra.Command, _ []string) error {
	path := costReportFlags.ledger
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Batch.CostLedgerFile
	}
	totals, err := cost.Replay(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ledger: %s\n", path)
	fmt.Fprintf(out, "Events: %d\n", totals.Events)
	for _, source := range totals.Sources() {
		fmt.Fprintf(out, "  %-12s %.4f\n", source, totals.BySource[source])
	}
	fmt.Fprintf(out, "Total:  %.4f\n", totals.Total)
	return nil
}
