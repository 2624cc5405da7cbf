package transport

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPath(t *testing.T) {
	for url, want := range map[string]string{
		"file:///tmp/job/wrapper": "/tmp/job/wrapper",
		"ssh://host/~/jobs/1":     "~/jobs/1",
		"ssh://user@host/abs/dir": "/abs/dir",
		"ssh://host":              "",
		"~/.drm4g/jobs":           "~/.drm4g/jobs",
		"/scratch/jobs":           "/scratch/jobs",
	} {
		assert.Equal(t, want, Path(url), url)
	}
	assert.True(t, IsLocal("file:///a"))
	assert.False(t, IsLocal("/a"))
}

func TestExpandWorkDir(t *testing.T) {
	assert.Equal(t, "/scratch/user/.drm4g/jobs", ExpandWorkDir("~/.drm4g/jobs", "/scratch/user/"))
	assert.Equal(t, "./.drm4g/jobs", ExpandWorkDir("~/.drm4g/jobs", "~"))
	assert.Equal(t, "./.drm4g/jobs", ExpandWorkDir("~/.drm4g/jobs", ""))
	assert.Equal(t, "/abs/path", ExpandWorkDir("/abs/path", "/scratch"))
}

func TestComError(t *testing.T) {
	assert.Nil(t, NewComError("hostB", "connect", nil))

	base := fmt.Errorf("unable to authenticate")
	err := NewComError("hostB", "connect", base)
	assert.Equal(t, "connect hostB: unable to authenticate", err.Error())
	assert.True(t, IsComError(err))
	assert.True(t, IsComError(errors.Wrap(err, "resolving hostB")))
	assert.Equal(t, base, errors.Cause(err))
	assert.False(t, IsComError(base))
	assert.False(t, IsComError(nil))
}
