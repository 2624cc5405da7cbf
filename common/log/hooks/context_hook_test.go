package hooks

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestContextHookAddsCallSite(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.Out = &buf
	logger.Formatter = &log.TextFormatter{DisableColors: true, DisableTimestamp: true}
	logger.AddHook(NewContextHook())

	logger.Info("hello")
	out := buf.String()
	if !strings.Contains(out, "context_hook_test.go:") {
		t.Fatalf("expected call site in entry, got %q", out)
	}
}

func TestCallSiteEmptyStack(t *testing.T) {
	if got := callSite(nil); got != "" {
		t.Fatalf("expected empty call site, got %q", got)
	}
}
