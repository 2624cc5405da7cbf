package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metagrid/gwmad/transport"
)

func TestRulesMatchInOrder(t *testing.T) {
	tr := NewTransport("hostA").
		On("qstat 12", "12 job user 00:00 R batch", "").
		On("qstat", "", "qstat: Unknown Job Id 99")

	out, _, err := tr.Run(context.Background(), "LANG=POSIX qstat 12")
	assert.NoError(t, err)
	assert.Equal(t, "12 job user 00:00 R batch", out)

	_, stderr, _ := tr.Run(context.Background(), "LANG=POSIX qstat 99")
	assert.Contains(t, stderr, "Unknown Job Id")

	out, stderr, err = tr.Run(context.Background(), "hostname")
	assert.Empty(t, out)
	assert.Empty(t, stderr)
	assert.NoError(t, err)

	assert.Equal(t, []string{"LANG=POSIX qstat 12", "LANG=POSIX qstat 99", "hostname"}, tr.Commands())
	assert.Len(t, tr.CommandsContaining("qstat"), 2)
}

func TestFailConnect(t *testing.T) {
	tr := NewTransport("hostB").FailConnect(1, errors.New("auth failed"))
	err := tr.Connect(context.Background())
	assert.True(t, transport.IsComError(err))
	assert.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 2, tr.Connects())
}

func TestRecordsFileOps(t *testing.T) {
	tr := NewTransport("hostA")
	ctx := context.Background()
	assert.NoError(t, tr.MkDir(ctx, "~/jobs/1"))
	assert.NoError(t, tr.Copy(ctx, "file:///tmp/w", "~/jobs/1/wrapper_drm4g", transport.ModeExecutable))
	assert.NoError(t, tr.RmDir(ctx, "~/jobs/1"))
	assert.NoError(t, tr.Close())

	assert.Equal(t, []string{"~/jobs/1"}, tr.MkDirs())
	assert.Equal(t, []string{"~/jobs/1"}, tr.RmDirs())
	assert.Equal(t, []CopyCall{{"file:///tmp/w", "~/jobs/1/wrapper_drm4g", transport.ModeExecutable}}, tr.Copies())
	assert.True(t, tr.Closed())

	tr.FailCopy(errors.New("disk full"))
	assert.Error(t, tr.Copy(ctx, "file:///tmp/w", "x", transport.ModeDefault))
}
