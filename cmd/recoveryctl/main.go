// recoveryctl 召回与结算的运维命令行。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"jewel_shop/internal/app"
	"jewel_shop/internal/config"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "recoveryctl",
		Short:         "Operate the abandoned-cart recovery engine and order reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(journeysCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(settlementCmd())
	return rootCmd
}

// withApp 加载配置并装配 App，命令结束后释放。
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := app.NewLogger(cfg.LogLevel, "console", cmd.ErrOrStderr())
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
