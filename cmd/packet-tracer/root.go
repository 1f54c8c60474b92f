package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
	logOutput  io.Writer
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{logOutput: os.Stderr}

	root := &cobra.Command{
		Use:          "packet-tracer",
		Short:        "Trace network packets through the kernel",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&g.logJSON, "log-json", false, "write logs as JSON instead of console output")

	root.AddCommand(
		newCollectCmd(g),
		newPrintCmd(g),
		newSortCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds the logger.
func (g *globalOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	log := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: !g.logJSON,
		Output: g.logOutput,
	})
	return cfg, log, nil
}

// stdout hides the Close method of the command output, which must stay
// open after the writers are closed.
type stdout struct{ io.Writer }

// openOutput returns the file at path, or the command output when path is
// empty or "-".
func openOutput(cmd *cobra.Command, path string) (io.Writer, error) {
	if path == "" || path == "-" {
		return stdout{cmd.OutOrStdout()}, nil
	}
	return os.Create(path) //nolint:gosec // user provided output path
}

// openInput returns the file at path, or the command input for "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path) //nolint:gosec // user provided input path
}
