// Package fatal implements the runtime's single abort path: the
// way a worker terminates on a fatal invariant violation or resource
// exhaustion. It never panics across a goroutine/process boundary — a
// panicking goroutine in one worker cannot be meaningfully recovered by
// another worker anyway, so a worker that hits a fatal condition logs a
// diagnosis and exits, letting the bootstrap process observe the exit code.
package fatal

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Abort logs err at Error level on entry (tagging the invariant that was
// violated) and terminates the process with exit code 1. It does not
// return.
func Abort(entry *logrus.Entry, err error) {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	entry.WithError(err).Error("fatal invariant violation, aborting worker")
	os.Exit(1)
}

// Abortf is a convenience wrapper for Abort that formats a message (standard
// fmt verbs, e.g. "%d") without requiring the caller to construct an error
// first.
func Abortf(entry *logrus.Entry, format string, args ...any) {
	Abort(entry, fmt.Errorf(format, args...))
}
