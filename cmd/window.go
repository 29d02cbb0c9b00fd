package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voltwise/autopilot/app"
	"github.com/voltwise/autopilot/config"
	"github.com/voltwise/autopilot/core/window"
	"github.com/voltwise/autopilot/infra/logger"
)

var (
	windowHomeID   string
	windowPowerW   float64
	windowDuration float64
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Suggest the best run window for a load",
	RunE:  runWindow,
}

func init() {
	windowCmd.Flags().StringVar(&windowHomeID, "home", "", "home id")
	windowCmd.Flags().Float64Var(&windowPowerW, "power", 2000, "load power in watts")
	windowCmd.Flags().Float64Var(&windowDuration, "duration", 2, "run duration in hours")
	_ = windowCmd.MarkFlagRequired("home")
	rootCmd.AddCommand(windowCmd)
}

func runWindow(cmd *cobra.Command, args []string) error {
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
			logger.New("window-command").Errorf("service close: %v", err)
		}
	}()

	home, err := svc.Store.Home(context.Background(), windowHomeID)
	if err != nil {
		return fmt.Errorf("home %s: %w", windowHomeID, err)
	}
	tab, prof := svc.Engine.Reference(home)
	opt := window.New(tab, prof, home.Strategy)

	best := opt.Best(windowPowerW, windowDuration)
	cheapest := opt.Cheapest(windowPowerW, windowDuration)
	fmt.Printf("best:     %02d:00-%02d:00  penalty %.3f  cost %.2f  carbon %.0fg\n",
		best.StartHour, best.EndHour, best.Penalty, best.Cost, best.Carbon)
	fmt.Printf("cheapest: %02d:00-%02d:00  cost %.2f\n",
		cheapest.StartHour, cheapest.EndHour, cheapest.Cost)
	return nil
}
