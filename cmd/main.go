package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calendar-agent/internal/config"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type cli struct {
	cfgFile string
	addr    string
	cfg     config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "calendar-agent",
		Short:        "WhatsApp calendar assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.loadConfig()
		},
		// The Lambda runtime starts the binary without arguments.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runLambda(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "Config file path (optional).")

	root.AddCommand(c.newLambdaCmd())
	root.AddCommand(c.newServeCmd())
	root.AddCommand(c.newMigrateCmd())
	return root
}

func (c *cli) loadConfig() error {
	cfg, err := config.Load(config.New(), c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(c.logger)
	return nil
}

func (c *cli) newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function behind API Gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runLambda(cmd.Context())
		},
	}
}

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and OAuth endpoints as an HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&c.addr, "addr", "", "Listen address (overrides HTTP_ADDR).")
	return cmd
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres account schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runMigrate(cmd.Context())
		},
	}
}
