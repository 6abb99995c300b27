package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s, err := NewSettingsFromViper(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, s.AutoSaveInterval)
	assert.True(t, s.AutoSaveEnabled)
	assert.Equal(t, 10, s.MaxBranchDepth)
	assert.Equal(t, 50, s.NodeCacheSize)
	assert.True(t, s.ValidateOnLoad)
	assert.True(t, s.ValidateAfterMerge)
	assert.Equal(t, DefaultStorageDir(), s.StorageDir)
}

func TestSettingsFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage-dir: /data/trees\nauto-save-interval: 5s\nmax-branch-depth: 3\n"), 0644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	s, err := NewSettingsFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "/data/trees", s.StorageDir)
	assert.Equal(t, 5*time.Second, s.AutoSaveInterval)
	assert.Equal(t, 3, s.MaxBranchDepth)
	assert.Equal(t, 50, s.NodeCacheSize)
}

func TestSettingsValidation(t *testing.T) {
	v := viper.New()
	v.Set(KeyMaxBranchDepth, 0)
	_, err := NewSettingsFromViper(v)
	assert.Error(t, err)

	v = viper.New()
	v.Set(KeyAutoSaveInterval, "0s")
	_, err = NewSettingsFromViper(v)
	assert.Error(t, err)

	v.Set(KeyAutoSaveEnabled, false)
	_, err = NewSettingsFromViper(v)
	assert.NoError(t, err)
}

func TestClone(t *testing.T) {
	s := NewSettings()
	c := s.Clone()
	c.StorageDir = "/elsewhere"
	assert.NotEqual(t, s.StorageDir, c.StorageDir)
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, KeyStorageDir, "/a"))
	v, ok, err := GetValue(path, KeyStorageDir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/a", v)

	require.NoError(t, os.WriteFile(path, []byte("# trees\nstorage-dir: /a\nmax-branch-depth: 4\n"), 0644))
	require.NoError(t, SetValue(path, KeyStorageDir, "/b"))
	require.NoError(t, SetValue(path, KeyNodeCacheSize, "10"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# trees")
	assert.Contains(t, string(data), "storage-dir: /b")
	assert.Contains(t, string(data), "max-branch-depth: 4")
	assert.Contains(t, string(data), "node-cache-size: 10")

	_, ok, err = GetValue(path, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
