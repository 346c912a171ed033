package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"LLM-Orchestra/internal/bootstrap"
	"LLM-Orchestra/internal/config"
	"LLM-Orchestra/sdk/go/orchestra"
)

// rootOptions 是所有子命令共享的全局参数。
type rootOptions struct {
	configPath string
	sessionID  string
	serverURL  string
	logLevel   string
	asJSON     bool
}

// execOptions 是会产生副作用的命令使用的开关。
type execOptions struct {
	dryRun  bool
	confirm bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "orchestra",
		Short:         "Turn natural-language commands into mail, calendar and storage actions",
		Long:          "orchestra runs commands through the orchestrator, either in-process with the configured stores or against a running orchestrad via --server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	flags.StringVarP(&opts.sessionID, "session", "s", "", "session id (default \"default\", shell generates one)")
	flags.StringVar(&opts.serverURL, "server", "", "orchestrad base URL; when empty commands run in-process")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for in-process mode")
	flags.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newShellCmd(opts),
		newUndoCmd(opts),
		newHistoryCmd(opts),
		newActionsCmd(opts),
		newClearCmd(opts),
		newTaskCmd(opts),
	)
	return rootCmd
}

func addExecFlags(cmd *cobra.Command, e *execOptions) {
	cmd.Flags().BoolVarP(&e.dryRun, "dry-run", "n", false, "preview every step without side effects")
	cmd.Flags().BoolVarP(&e.confirm, "yes", "y", false, "confirm high-risk actions")
}

// openBackend 根据 --server 选择远端或进程内执行。
func openBackend(ctx context.Context, opts *rootOptions, sessionID string) (backend, error) {
	if opts.serverURL != "" {
		client, err := orchestra.NewClient(opts.serverURL, nil)
		if err != nil {
			return nil, err
		}
		client.SetSession(sessionID)
		return &remoteBackend{client: client, session: sessionID}, nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Logging.OutputPaths = []string{"stderr"}
	cfg.Logging.Format = "text"
	cfg.Logging.Level = opts.logLevel
	if err := bootstrap.InitLogger(cfg); err != nil {
		return nil, err
	}
	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &localBackend{app: app, session: sessionID}, nil
}

// loadConfig 读取配置文件。未显式指定且默认文件不存在时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	path = config.PathFromEnv()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg := config.Default(wd)
		cfg.Runtime.DataDir = ""
		return cfg, nil
	}
	return config.Load(path)
}

func sessionOr(opts *rootOptions, fallback string) string {
	if opts.sessionID != "" {
		return opts.sessionID
	}
	return fallback
}
