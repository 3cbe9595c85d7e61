package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/tablebus/internal/queue"
	"github.com/basket/tablebus/internal/telemetry"
	"github.com/basket/tablebus/internal/transport"
)

func runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	commonFlags(fs)
	cron := fs.String("cron", "", "keep running on this 5-field cron schedule instead of sweeping once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tr, cfg, cleanup, err := setup(ctx, fs)
	if err != nil {
		return err
	}
	defer cleanup()

	tt, ok := tr.(*transport.TableTransport)
	if !ok {
		return fmt.Errorf("sweep requires a table-backed transport")
	}
	engine := tt.Engine()

	if *cron == "" {
		n, err := engine.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Printf("reclaimed %d expired leases\n", n)
		return nil
	}

	sweeper, err := queue.NewSweeper(queue.SweeperConfig{
		Engine:   engine,
		Logger:   telemetry.NewLogger(os.Stderr, cfg.Log.Level),
		CronExpr: *cron,
	})
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	<-ctx.Done()
	sweeper.Stop()
	return nil
}
