package hooks

import (
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

type contextHook struct {
}

// NewContextHook returns a hook that tags every entry with the file:line of
// the logging call site.
func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	if loc := callSite(debug.Stack()); loc != "" {
		entry.Data["file:line"] = loc
	}
	return nil
}

// callSite scans a goroutine dump for the first frame outside logrus and this
// hook. Frames come in pairs: function line, then tab-indented file:line.
func callSite(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	foundLoggerBlock := false
	for i := 1; i+1 < len(lines); i += 2 {
		fn, loc := lines[i], lines[i+1]
		if strings.Contains(loc, "context_hook.go:") || strings.Contains(fn, "sirupsen/logrus") {
			foundLoggerBlock = true
			continue
		}
		if !foundLoggerBlock || strings.HasPrefix(fn, "runtime/debug.") {
			continue
		}
		ctx := strings.Split(loc, "gwmad/")
		loc = strings.TrimSpace(ctx[len(ctx)-1])
		// drop the " +0x1f" pc offset
		if idx := strings.LastIndex(loc, " +0x"); idx > 0 {
			loc = loc[:idx]
		}
		return loc
	}
	return ""
}
