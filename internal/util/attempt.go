package util

import "github.com/charmbracelet/log"

// Attempt runs a best-effort side effect whose failure must never propagate:
// diagnostic log writes, opaque external stop commands, marker-file writes.
// A failure is logged at debug level and reported in the return value, which
// callers are free to ignore.
func Attempt(op string, fn func() error) bool {
	if err := fn(); err != nil {
		log.Debug("Best-effort operation failed", "op", op, "error", err)
		return false
	}
	return true
}
