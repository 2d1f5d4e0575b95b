// Command binderd binds in-process channels to broker destinations from a YAML file.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-channel-binder/config"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
	logger     *slog.Logger
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "binderd",
		Short:         "Bind in-process channels to broker destinations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			level, _ := config.ParseLevel(cfg.LogLevel)
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "binder.yaml", "path to the binder YAML config")

	root.AddCommand(validateCmd(a))
	root.AddCommand(runCmd(a))
	root.AddCommand(publishCmd(a))

	return root
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("config ok: broker=%s consumers=%d producers=%d\n",
				a.cfg.Broker.Kind, len(a.cfg.Consumers), len(a.cfg.Producers))

			return nil
		},
	}
}
