package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haikara-dev/gridshift/app"
	"github.com/haikara-dev/gridshift/config"
	"github.com/haikara-dev/gridshift/infra/logger"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single scheduling cycle and exit",
	RunE:  runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
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
			logger.New("cycle-command").Errorf("service close: %v", err)
		}
	}()

	res, err := svc.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("jobs due: %d\nscheduled: %d\nunschedulable: %d\ncompleted: %d\naborted: %d\n",
		res.Jobs, res.Scheduled, res.Unschedulable, len(res.Completed), len(res.Aborted))
	return nil
}
