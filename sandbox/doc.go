// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. Every execution gets a fresh workspace on the
// host and a fresh Docker container with dropped capabilities, no privilege
// escalation, a non-root user, memory and CPU limits and a wall-clock timeout.
// Images are built per language from Dockerfile templates on first use.
//
// Usage:
//
//	cli, err := sandbox.OpenDockerClient(ctx, cfg.Docker.Host)
//	executor, err := sandbox.NewExecutor(logger, cfg, cli, metrics.Noop{})
//	result := executor.Execute(ctx, sandbox.ExecutionRequest{
//	    Language: sandbox.LanguagePython,
//	    Files:    map[string]string{"main.py": "print('Hello, World!')"},
//	    Command:  []string{"python3", "main.py"},
//	})
//
// Execute never returns an error. Failures that prevent the program from
// running are reported as a result with status ERROR and exit code -1.
package sandbox
