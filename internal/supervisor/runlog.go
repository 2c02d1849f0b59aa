package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsdeck/cli/internal/util"
)

// runLog is the per-run diagnostic log file. It is strictly best-effort and
// non-authoritative: open or write failures are swallowed and every method
// is safe on a nil receiver.
type runLog struct {
	f *os.File
}

// openRunLog opens (or creates) the append-only log file for a run.
// Returns nil when the directory or file cannot be prepared.
func openRunLog(dir, runID, title string) *runLog {
	if dir == "" {
		return nil
	}

	name := runID + ".log"
	if slug := util.SanitizeForFilename(title); slug != "" {
		name = slug + "-" + runID + ".log"
	}

	var f *os.File
	ok := util.Attempt("open run log", func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		return err
	})
	if !ok {
		return nil
	}
	return &runLog{f: f}
}

// Append writes one timestamped line.
func (l *runLog) Append(stream, line string) {
	if l == nil {
		return
	}
	util.Attempt("append run log", func() error {
		_, err := fmt.Fprintf(l.f, "%s [%s] %s\n",
			time.Now().Format(time.RFC3339), stream, line)
		return err
	})
}

// Close closes the underlying file.
func (l *runLog) Close() {
	if l == nil {
		return
	}
	util.Attempt("close run log", func() error {
		return l.f.Close()
	})
}
