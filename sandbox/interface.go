package sandbox

import (
	"context"
	"errors"
	"os"
)

// Status is the terminal status of an execution.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
	StatusError   Status = "ERROR"
)

// ExitCodeNoExit is the sentinel exit code for executions that did not exit normally
// (timeout, wait failure or pipeline error).
const ExitCodeNoExit = -1

// ExecutionRequest represents the parameters for code execution
type ExecutionRequest struct {
	// ExecutionID is optional; a ULID is generated when empty.
	ExecutionID string
	Language    Language
	// Files maps relative paths to their text content.
	Files   map[string]string
	Command []string
	// Env holds extra environment variables for the process.
	Env map[string]string
}

// ExecutionResult represents the result of code execution
type ExecutionResult struct {
	ExecutionID     string `json:"executionId"`
	Status          Status `json:"status"`
	Output          string `json:"output"`
	Error           string `json:"error"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTime   int64  `json:"executionTime"`
	MemoryUsed      int64  `json:"memoryUsed"`
	OutputTruncated bool   `json:"outputTruncated,omitempty"`

	// Err holds the typed cause of an ERROR result.
	Err error `json:"-"`
}

// SandboxExecutor defines the interface for sandbox execution.
// Implementations never return an error: every outcome is a result.
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) ExecutionResult
}

// StatusFromExitCode maps a container exit code to an execution status.
func StatusFromExitCode(exitCode int) Status {
	switch exitCode {
	case 0:
		return StatusSuccess
	case ExitCodeNoExit:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
	Chown(path string, uid, gid int) error
	Chmod(path string, mode os.FileMode) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func (RealFileSystem) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// File permission and size constants
const (
	DirPermission        = 0o755
	FilePermission       = 0o644
	SharedDirPermission  = 0o777
	SharedFilePermission = 0o666
	BytesPerKB           = 1024
	BytesPerMB           = 1024 * 1024
)
