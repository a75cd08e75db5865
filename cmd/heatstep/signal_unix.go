//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals stop a run between batches or end a server.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
