//go:build !windows

// Package shutdown routes the process signals that end a recording run.
// Ctrl-C and SIGTERM both map to a clean stop, so a session killed from a
// terminal or a service manager still flushes its transcript.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

// Notify registers ch for the signals that should end a recording run.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}
