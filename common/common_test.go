package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGwmadDir(t *testing.T) {
	t.Setenv(GwmadDirEnvVar, "/opt/gwmad")
	dir, err := GetGwmadDir()
	require.NoError(t, err)
	assert.Equal(t, "/opt/gwmad", dir)

	f, err := DefaultResourcesFile()
	require.NoError(t, err)
	assert.Equal(t, "/opt/gwmad/etc/resources.json", f)

	t.Setenv(GwmadDirEnvVar, "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir, err = GetGwmadDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".gwmad"), dir)
}

func TestGenUUID(t *testing.T) {
	a, b := GenUUID(), GenUUID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
