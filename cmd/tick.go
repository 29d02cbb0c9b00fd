package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voltwise/autopilot/app"
	"github.com/voltwise/autopilot/config"
	"github.com/voltwise/autopilot/infra/logger"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single evaluation cycle and exit",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("tick-command").Errorf("service close: %v", err)
		}
	}()
	svc.Engine.Tick(ctx)
	return nil
}
