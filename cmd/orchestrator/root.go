package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentspilot/orchestrator/internal/logging"
)

// cli carries the resolved configuration into the subcommands.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        Config
	logger     *slog.Logger
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), out: os.Stdout}

	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Run multi-step plans with retries, approvals and checkpoints",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setupConfig(cmd)
		},
	}
	root.SetVersionTemplate("orchestrator {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "path to a JSON, YAML or TOML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or text)")
	flags.String("store-driver", "libsql", "storage backend (libsql, postgres or memory)")
	flags.String("store-path", "", "libSQL database URI")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("store.driver", flags.Lookup("store-driver"))
	_ = c.v.BindPFlag("store.path", flags.Lookup("store-path"))

	root.AddCommand(
		c.runCmd(),
		c.resumeCmd(),
		c.pauseCmd(),
		c.statusCmd(),
		c.runsCmd(),
		c.respondCmd(),
		c.approvalsCmd(),
		c.sweepCmd(),
		c.serveCmd(),
		c.mcpCmd(),
		c.plansCmd(),
		c.schedulesCmd(),
	)
	return root
}

func (c *cli) setupConfig(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.v, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	// Logs go to stderr so command output on stdout stays parseable.
	c.logger = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(c.logger)
	c.out = cmd.OutOrStdout()
	return nil
}

// withApp builds the app for one command and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			c.logger.Warn("shutdown", slog.Any("error", cerr))
		}
	}()
	return fn(a)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseInputs merges --inputs (a JSON object) with repeated --input
// key=value pairs. Values in key=value form are parsed as JSON when they
// parse and kept as strings otherwise.
func parseInputs(raw string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&inputs); err != nil {
			return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--input %q: expected key=value", p)
		}
		var parsed any
		dec := json.NewDecoder(strings.NewReader(val))
		dec.UseNumber()
		if err := dec.Decode(&parsed); err != nil || dec.More() {
			parsed = val
		}
		inputs[key] = parsed
	}
	return inputs, nil
}
