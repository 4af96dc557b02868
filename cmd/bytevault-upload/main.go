// Command bytevault-upload uploads files in resumable chunks.
//
// Usage:
//
//	bytevault-upload [-parent id] [-public] [-resume] <path or glob>...
//
// Configuration is read from BYTEVAULT_* environment variables. An interrupt pauses the running
// uploads; when a session store is configured they can be continued with -resume.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

func main() {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], env.NewRepository(), logger); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}
