package sandbox

import "errors"

var (
	// ErrPathTraversal is returned when a submitted file path escapes the workspace root.
	ErrPathTraversal = errors.New("path traversal")
	// ErrInvalidPath is returned when a submitted file path is empty, malformed or duplicated.
	ErrInvalidPath = errors.New("invalid path")
	// ErrLimitExceeded is returned when the submitted file set is too large.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrUnsupportedLanguage is returned for languages outside the supported set.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrInvalidRequest is returned for requests missing a command or carrying malformed environment.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidExecutionID is returned when a caller-supplied execution ID is not usable
	// as a directory and container name.
	ErrInvalidExecutionID = errors.New("invalid execution id")
	// ErrWorkspaceExists is returned when the workspace for an execution ID is already present.
	ErrWorkspaceExists = errors.New("workspace already exists")
	// ErrImageBuildFailed is returned when the image for a language could not be provisioned.
	ErrImageBuildFailed = errors.New("image build failed")
	// ErrContainerCreateFailed is returned when the runtime refused to create the container.
	ErrContainerCreateFailed = errors.New("container create failed")
	// ErrContainerStartFailed is returned when the container could not be started or attached.
	ErrContainerStartFailed = errors.New("container start failed")
	// ErrWaitTimeout marks a container killed after exhausting its time budget.
	ErrWaitTimeout = errors.New("wait timeout")
	// ErrWaitFailed marks a protocol failure while waiting for the container to exit.
	ErrWaitFailed = errors.New("wait failed")
	// ErrCleanupFailure marks a failure while releasing a container or workspace.
	ErrCleanupFailure = errors.New("cleanup failure")
)
