// Package fatal is the engine's single escape hatch for invariant
// violations: conditions that spec.md §7 classifies as programming
// errors rather than expected runtime failures (a doubly-finalized
// idempotency key, broken order-book ordering, a reused nonce). These
// cannot be handled in situ without risking silent corruption, so the
// core halts instead of limping on.
//
// Never call Trigger for an expected, recoverable failure — those
// return an error and are handled by the caller. This is only for the
// cases spec.md §7 says should "halt the core, surface diagnostics".
package fatal

import (
	"log/slog"
	"os"
)

// exit is overridable so tests can observe a triggered invariant
// violation without killing the test binary.
var exit = os.Exit

// Trigger logs msg at Error level with the given attributes, then
// terminates the process, mirroring the teacher's fail-fast exits in
// cmd/bot/main.go but for a mid-run invariant check instead of a
// startup error.
func Trigger(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, args...)
	exit(1)
}

// SetExitForTest overrides the process-exit function invoked by Trigger
// and returns a function that restores the previous one. Intended for
// tests in other packages that deliberately provoke an invariant
// violation and want to assert it fired without killing the test binary.
func SetExitForTest(f func(int)) (restore func()) {
	prev := exit
	exit = f
	return func() { exit = prev }
}
