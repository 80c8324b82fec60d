// openaudit runs business-entity audits in resumable batches.
//
// Usage:
//
//	openaudit run-batch [--limit N] [--concurrency C] [--ids a,b,c] [--resume|--reset] [--force]
//	openaudit cost-report [--ledger FILE]
//	openaudit status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	xerrors "OpenAudit/internal/errors"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "openaudit",
	Short: "Evidence-driven audits of business entities",
	Long: "openaudit collects third-party evidence about business entities, lets a policy\n" +
		"decide when the evidence suffices, clamps the verdict against red flags and\n" +
		"records progress so an interrupted batch resumes where it stopped.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径 (默认读取 $OPENAUDIT_CONFIG 或 configs/openaudit.yaml)")
	rootCmd.AddCommand(runBatchCmd)
	rootCmd.AddCommand(costReportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode 启动阶段的致命错误返回 2，其它命令错误返回 1。
func exitCode(err error) int {
	if xerrors.CodeOf(err) == xerrors.CodeFatalStartup {
		return 2
	}
	return 1
}
