// Command regtrack trains a linear regression on synthetic data inside a
// tracked run, and inspects or serves the tracking backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/YuminosukeSato/regtrack/cmd/regtrack/cmd"
	"github.com/YuminosukeSato/regtrack/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		log.GetLogger().Error("regtrack failed", log.ErrAttrKey, err)
		stop()
		os.Exit(1)
	}
}
