package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/shlex"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/sandbox"
)

const (
	actionRun   = "run"
	actionBuild = "build"
	actionTest  = "test"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	sandboxExec sandbox.SandboxExecutor
	mcpServer   *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sandboxExec sandbox.SandboxExecutor) (*MCPServer, error) {
	s := &MCPServer{
		config:      cfg,
		logger:      logger,
		sandboxExec: sandboxExec,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.workspace_root", s.config.Sandbox.WorkspaceRoot),
		zap.String("sandbox.templates_dir", s.config.Sandbox.TemplatesDir),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.cpu_shares", s.config.Sandbox.CPUShares),
		zap.String("sandbox.network_mode", s.config.Sandbox.NetworkMode),
		zap.String("sandbox.user", s.config.Sandbox.User),
		zap.Int("languages.configured", len(s.config.Languages)),
	)

	s.mcpServer = server.NewMCPServer("runbox-executor", "A sandboxed multi-language code execution server")

	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()

	return s, nil
}

func languageNames() []string {
	langs := sandbox.SupportedLanguages()
	names := make([]string, 0, len(langs))
	for _, l := range langs {
		names = append(names, string(l))
	}
	return names
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Write a set of source files into a fresh sandbox and run a command against them",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        languageNames(),
				},
				"files": map[string]any{
					"type":                 "object",
					"description":          "Relative file path to file content",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"command": map[string]any{
					"description": "Command to run in the workspace, as an argument array or a shell-like string. Defaults to the language's command for action",
					"oneOf": []any{
						map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						map[string]any{"type": "string"},
					},
				},
				"action": map[string]any{
					"type":        "string",
					"description": "Default command to use when command is omitted",
					"enum":        []string{actionRun, actionBuild, actionTest},
				},
				"main_class": map[string]any{
					"type":        "string",
					"description": "Main class passed to the JVM run command (java, kotlin)",
				},
				"env": map[string]any{
					"type":                 "object",
					"description":          "Extra environment variables",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"execution_id": map[string]any{
					"type":        "string",
					"description": "Caller-chosen execution identifier (optional)",
				},
			},
			Required: []string{"language", "files"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerListLanguagesTool registers the list_languages tool
func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        "list_languages",
		Description: "List supported languages and their default build, test and run commands",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("code execution requested")

	req, err := s.parseExecutionRequest(request)
	if err != nil {
		return nil, err
	}

	result := s.sandboxExec.Execute(ctx, req)

	s.logger.Info("code execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.String("language", string(req.Language)),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("output_len", len(result.Output)),
		zap.Int("error_len", len(result.Error)))

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
		IsError: result.Status == sandbox.StatusError,
	}, nil
}

func (s *MCPServer) parseExecutionRequest(request mcp.CallToolRequest) (sandbox.ExecutionRequest, error) {
	args := request.GetArguments()

	languageName, err := request.RequireString("language")
	if err != nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("language parameter is required: %w", err)
	}
	language, err := sandbox.ParseLanguage(languageName)
	if err != nil {
		return sandbox.ExecutionRequest{}, err
	}

	files, err := stringMap(args, "files")
	if err != nil {
		return sandbox.ExecutionRequest{}, err
	}
	if files == nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("files parameter is required")
	}

	env, err := stringMap(args, "env")
	if err != nil {
		return sandbox.ExecutionRequest{}, err
	}

	command, err := commandArg(args)
	if err != nil {
		return sandbox.ExecutionRequest{}, err
	}
	if len(command) == 0 {
		command, err = defaultCommand(language, request.GetString("action", actionRun), request.GetString("main_class", ""))
		if err != nil {
			return sandbox.ExecutionRequest{}, err
		}
	}

	return sandbox.ExecutionRequest{
		ExecutionID: request.GetString("execution_id", ""),
		Language:    language,
		Files:       files,
		Command:     command,
		Env:         env,
	}, nil
}

// commandArg accepts either a JSON array of strings or a single string that
// is split with shell-like quoting rules. No shell is involved.
func commandArg(args map[string]any) ([]string, error) {
	raw, ok := args["command"]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case string:
		parts, err := shlex.Split(v)
		if err != nil {
			return nil, fmt.Errorf("invalid command %q: %w", v, err)
		}
		return parts, nil
	case []any:
		parts := make([]string, 0, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command[%d] must be a string, got %T", i, item)
			}
			parts = append(parts, str)
		}
		return parts, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("command must be an array of strings or a string, got %T", raw)
	}
}

func defaultCommand(language sandbox.Language, action, mainClass string) ([]string, error) {
	runner, err := sandbox.RunnerFor(language)
	if err != nil {
		return nil, err
	}

	switch action {
	case actionRun:
		return runner.RunCommand(mainClass), nil
	case actionBuild:
		return runner.BuildCommand(), nil
	case actionTest:
		return runner.TestCommand(), nil
	default:
		return nil, fmt.Errorf("invalid action: %s, must be one of: run, build, test", action)
	}
}

func stringMap(args map[string]any, key string) (map[string]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object, got %T", key, raw)
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%q] must be a string, got %T", key, k, v)
		}
		out[k] = str
	}
	return out, nil
}

// languageInfo describes one supported language in list_languages output.
type languageInfo struct {
	Language  string   `json:"language"`
	EntryFile string   `json:"entryFile"`
	Build     []string `json:"build"`
	Test      []string `json:"test"`
	Run       []string `json:"run"`
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := make([]languageInfo, 0, len(sandbox.SupportedLanguages()))
	for _, lang := range sandbox.SupportedLanguages() {
		runner, err := sandbox.RunnerFor(lang)
		if err != nil {
			return nil, err
		}
		infos = append(infos, languageInfo{
			Language:  string(lang),
			EntryFile: runner.EntryFile,
			Build:     runner.BuildCommand(),
			Test:      runner.TestCommand(),
			Run:       runner.RunCommand(""),
		})
	}

	out, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode languages: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(out),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
