// Package mcpserver exposes the execution engine as Model Context Protocol tools.
//
// Two tools are registered on a mark3labs/mcp-go server:
//
//   - execute_code runs a file set in a fresh container and returns the
//     ExecutionResult as JSON. The command may be an argv array or a single
//     string split with shell quoting rules; when it is omitted the language's
//     default build, test or run command is used.
//   - list_languages reports every supported runtime with its entry file and
//     default commands.
//
// Argument problems are returned as tool errors before anything is executed.
// Execution failures come back as a result with IsError set.
//
//	srv, err := mcpserver.New(cfg, log, executor)
//	if err != nil {
//	    return err
//	}
//	return srv.ServeStdio()
package mcpserver
