package drm

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/metagrid/gwmad/transport"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, "/scratch/jobs/0/job.sh", Quote("/scratch/jobs/0/job.sh"))
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "'a b'", Quote("a b"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, "'$HOME'", Quote("$HOME"))
}

func TestCommandLine(t *testing.T) {
	p := &Parameters{Executable: "/bin/sh", Arguments: []string{".gw_0/job.sh", "two words"}}
	assert.Equal(t, "/bin/sh .gw_0/job.sh 'two words'", p.CommandLine())
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "qsub: Unknown queue MSG=requested queue not found", OneLine("qsub: Unknown queue\nMSG=requested queue not found\n"))
}

func TestStageWrapper(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	tr := transport.NewMockTransport(mockCtrl)

	job := &Job{LocalWrapper: "/home/gw/var/0/wrapper_drm4g.0", RemoteWrapper: "/scratch/jobs/0/wrapper_drm4g"}
	gomock.InOrder(
		tr.EXPECT().MkDir(gomock.Any(), "/scratch/jobs/0").Return(nil),
		tr.EXPECT().Copy(gomock.Any(), "file:///home/gw/var/0/wrapper_drm4g.0", "/scratch/jobs/0/wrapper_drm4g", transport.ModeExecutable).Return(nil),
	)
	assert.NoError(t, StageWrapper(context.Background(), tr, job))
}
