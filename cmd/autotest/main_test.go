package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStoreDefault(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "autotest.yaml")
	require.False(t, exists(path))

	require.NoError(t, storeDefault(path))
	require.True(t, exists(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, model.DefaultYAML, string(b))

	// an existing file is never overwritten
	require.Error(t, storeDefault(path))

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, path, loaded.Path)
	require.Equal(t, 2, loaded.Config.Runner.Concurrency)
}
