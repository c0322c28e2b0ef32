package sandbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromExitCode(t *testing.T) {
	tests := []struct {
		exitCode int
		expected Status
	}{
		{0, StatusSuccess},
		{1, StatusFailed},
		{137, StatusFailed},
		{-2, StatusFailed},
		{ExitCodeNoExit, StatusTimeout},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, StatusFromExitCode(tt.exitCode), "exit code %d", tt.exitCode)
	}
}

func TestExecutionResultJSON(t *testing.T) {
	result := ExecutionResult{
		ExecutionID:   "01hx",
		Status:        StatusError,
		Error:         "boom",
		ExitCode:      ExitCodeNoExit,
		ExecutionTime: 0,
		Err:           errors.New("boom"),
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"executionId": "01hx",
		"status": "ERROR",
		"output": "",
		"error": "boom",
		"exitCode": -1,
		"executionTime": 0,
		"memoryUsed": 0
	}`, string(data))
}

func TestRealFileSystem(t *testing.T) {
	fs := RealFileSystem{}
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, fs.MkdirAll(dir, DirPermission))
	require.NoError(t, fs.Mkdir(filepath.Join(dir, "c"), DirPermission))
	assert.ErrorIs(t, fs.Mkdir(filepath.Join(dir, "c"), DirPermission), os.ErrExist)

	file := filepath.Join(dir, "c", "f.txt")
	require.NoError(t, fs.WriteFile(file, []byte("data"), FilePermission))

	exists, err := fs.FileExists(file)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, fs.RemoveAll(dir))
	exists, err = fs.FileExists(file)
	require.NoError(t, err)
	assert.False(t, exists)
}
