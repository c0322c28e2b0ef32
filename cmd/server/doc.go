// Package main is the entry point for the runbox MCP server.
//
// The runbox server exposes a Model Context Protocol (MCP) interface for
// running untrusted multi-file projects (Python, Java, Kotlin, Go, Node.js,
// C++) in throwaway Docker containers. Each execution gets a fresh workspace,
// a hardened container with resource limits and a wall-clock timeout, and is
// cleaned up before the result is returned. The server supports both stdio and
// HTTP transports and optionally serves Prometheus metrics.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
