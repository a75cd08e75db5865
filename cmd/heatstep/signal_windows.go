//go:build windows

package main

import "os"

// shutdownSignals holds only os.Interrupt; Windows has no SIGTERM.
var shutdownSignals = []os.Signal{os.Interrupt}
