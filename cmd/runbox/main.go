// Command runbox runs a single sandboxed execution from the command line, or
// builds execution images ahead of time, using the same configuration and
// engine as the MCP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

type rootCommand struct {
	configPath string
	debug      bool

	stdout io.Writer
}

type execCommand struct {
	language  string
	dir       string
	id        string
	action    string
	mainClass string
	env       map[string]string
	command   []string
}

type imageBuildCommand struct {
	languages []string
	force     bool
}

// Run runs the main application.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	app := kingpin.New("runbox", "Sandboxed multi-language code runner.")
	root := &rootCommand{stdout: stdout}
	app.Flag("config", "Path to the configuration file.").Envar("RUNBOX_CONFIG").StringVar(&root.configPath)
	app.Flag("debug", "Enable debug logging.").BoolVar(&root.debug)

	execCmd := &execCommand{env: map[string]string{}}
	execClause := app.Command("exec", "Run a command against a directory of sources in a fresh container.")
	execClause.Flag("language", "Runtime language.").Short('l').Required().StringVar(&execCmd.language)
	execClause.Flag("dir", "Directory whose files are copied into the workspace.").Short('d').Default(".").ExistingDirVar(&execCmd.dir)
	execClause.Flag("id", "Execution ID (generated when empty).").StringVar(&execCmd.id)
	execClause.Flag("action", "Default command to run when none is given.").Default("run").EnumVar(&execCmd.action, "run", "build", "test")
	execClause.Flag("main-class", "Main class for JVM languages.").StringVar(&execCmd.mainClass)
	execClause.Flag("env", "Extra environment variable (KEY=VALUE).").Short('e').StringMapVar(&execCmd.env)
	execClause.Arg("command", "Command to run inside the container.").StringsVar(&execCmd.command)

	imageCmd := &imageBuildCommand{}
	imageClause := app.Command("images", "Manage execution images.").Command("build", "Build execution images.")
	imageClause.Flag("force", "Rebuild even when the image exists.").BoolVar(&imageCmd.force)
	imageClause.Arg("language", "Languages to build (all when empty).").StringsVar(&imageCmd.languages)

	languagesClause := app.Command("languages", "List supported languages and default commands.")

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	if cmdName == languagesClause.FullCommand() {
		return printLanguages(stdout)
	}

	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if root.debug {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.New(logger.ModeDevelopment, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Debug("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				var err error
				switch cmdName {
				case execClause.FullCommand():
					err = execCmd.run(ctx, root, cfg, log)
				case imageClause.FullCommand():
					err = imageCmd.run(ctx, cfg, log)
				default:
					err = fmt.Errorf("unknown command %q", cmdName)
				}
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func newExecutor(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sandbox.DockerExecutor, func(), error) {
	cli, err := sandbox.OpenDockerClient(ctx, cfg.Docker.Host)
	if err != nil {
		return nil, nil, err
	}
	executorConfig, err := sandbox.ExecutorConfig(cfg)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return sandbox.NewDockerExecutor(log, executorConfig, cli, sandbox.WithDockerMetrics(metrics.Noop{})), func() { _ = cli.Close() }, nil
}

func (c *execCommand) run(ctx context.Context, root *rootCommand, cfg *config.Config, log *zap.Logger) error {
	language, err := sandbox.ParseLanguage(c.language)
	if err != nil {
		return err
	}

	files, err := readFiles(c.dir)
	if err != nil {
		return err
	}

	command := c.command
	if len(command) == 0 {
		runner, err := sandbox.RunnerFor(language)
		if err != nil {
			return err
		}
		switch c.action {
		case "build":
			command = runner.BuildCommand()
		case "test":
			command = runner.TestCommand()
		default:
			command = runner.RunCommand(c.mainClass)
		}
	}

	executor, closeFn, err := newExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()

	result := executor.Execute(ctx, sandbox.ExecutionRequest{
		ExecutionID: c.id,
		Language:    language,
		Files:       files,
		Command:     command,
		Env:         c.env,
	})

	enc := json.NewEncoder(root.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if result.Status == sandbox.StatusError {
		return fmt.Errorf("execution %s failed: %s", result.ExecutionID, result.Error)
	}
	return nil
}

func (c *imageBuildCommand) run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	languages := sandbox.SupportedLanguages()
	if len(c.languages) > 0 {
		languages = make([]sandbox.Language, 0, len(c.languages))
		for _, name := range c.languages {
			lang, err := sandbox.ParseLanguage(name)
			if err != nil {
				return err
			}
			languages = append(languages, lang)
		}
	}

	executor, closeFn, err := newExecutor(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()

	images := executor.Images()
	for _, lang := range languages {
		if c.force {
			images.Invalidate(lang)
		}
		name, err := images.EnsureImage(ctx, lang)
		if err != nil {
			return err
		}
		log.Info("image ready", zap.String("language", string(lang)), zap.String("image", name))
	}
	return nil
}

// readFiles loads every regular file under dir, keyed by its slash separated
// path relative to dir.
func readFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	return files, nil
}

func printLanguages(w io.Writer) error {
	for _, lang := range sandbox.SupportedLanguages() {
		runner, err := sandbox.RunnerFor(lang)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-8s entry=%s run=%q build=%q test=%q\n",
			lang, runner.EntryFile, runner.RunCommand(""), runner.BuildCommand(), runner.TestCommand())
	}
	return nil
}

func main() {
	ctx := context.Background()
	if err := Run(ctx, os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
