// Command sweeper closes idle conversations and promotes overdue handoffs. It
// runs as a Lambda behind an EventBridge schedule.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"care-orchestrator/internal/app"
	"care-orchestrator/internal/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode, logger.WithLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to wire sweeper", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) error {
		res, err := a.Sweeper.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("scheduled sweep complete", "event_id", ev.ID, "closed", res.Closed, "failed", res.Failed, "promoted", res.Promoted)
		return nil
	})
}
