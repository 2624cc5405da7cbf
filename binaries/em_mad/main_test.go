package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/metagrid/gwmad/common/errors"
)

const resources = `{
  "resources": {
    "localhost": {
      "communicator": "local",
      "lrms": "fork",
      "work_directory": "%s"
    }
  }
}`

func writeConfig(t *testing.T) string {
	dir := t.TempDir()
	p := filepath.Join(dir, "resources.json")
	require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf(resources, dir)), 0644))
	return p
}

func execute(t *testing.T, input string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(input), &out)
	cmd.SetArgs(append([]string{"--log_level", "error", "--callback_interval", "1h"}, args...))
	err := cmd.ExecuteContext(context.Background())
	log.SetOutput(os.Stderr)
	return out.String(), err
}

func TestServesUntilFinalize(t *testing.T) {
	out, err := execute(t, "INIT - - -\nFINALIZE - - -\n", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "INIT - SUCCESS -\nFINALIZE - SUCCESS -\n", out)
	assert.Equal(t, gwerrors.SuccessExitCode, exitCode(err))
}

func TestInputClosedWithoutFinalize(t *testing.T) {
	out, err := execute(t, "INIT - - -\nbogus\n", "--config", writeConfig(t))
	assert.Equal(t, "INIT - SUCCESS -\nWRONG COMMAND\n", out)
	assert.Equal(t, gwerrors.InputClosedExitCode, exitCode(err))
}

func TestUnknownResourceIsReportedPerRequest(t *testing.T) {
	out, err := execute(t, "SUBMIT 0 nowhere/- /tmp/job.rsl.0\nFINALIZE - - -\n", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "SUBMIT 0 FAILURE 'nowhere' is not a configured resource\nFINALIZE - SUCCESS -\n", out)
}

func TestBadLogLevel(t *testing.T) {
	_, err := execute(t, "", "--config", writeConfig(t), "--log_level", "loud")
	assert.Equal(t, gwerrors.StartupFailureExitCode, exitCode(err))
}

func TestLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "em_mad.log")
	out, err := execute(t, "FINALIZE - - -\n", "--config", writeConfig(t), "--log_file", logFile, "--log_level", "info")
	require.NoError(t, err)
	assert.Equal(t, "FINALIZE - SUCCESS -\n", out)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Starting em_mad")
	assert.NotContains(t, out, "Starting em_mad")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, gwerrors.SuccessExitCode, exitCode(nil))
	assert.Equal(t, gwerrors.StartupFailureExitCode, exitCode(fmt.Errorf("boom")))
	assert.Equal(t, gwerrors.InterruptedExitCode, exitCode(gwerrors.Errorf(gwerrors.InterruptedExitCode, "signal")))
}
