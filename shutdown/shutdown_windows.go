//go:build windows

package shutdown

import (
	"os"
	"os/signal"
)

// Notify registers ch for the signals that should end a recording run.
// SIGTERM does not exist on Windows, only Ctrl-C is wired.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
