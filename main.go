package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/darkfleet/fleetd/cmd"
	"github.com/darkfleet/fleetd/config"
	"github.com/darkfleet/fleetd/engine"
	"github.com/darkfleet/fleetd/logging"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

func init() {
	cmd.CMD.Flags().StringP("config", "c", "config.yaml", "path to configuration file")
	cmd.CMD.Flags().Bool("view", false, "open the service card in a browser")

	cmd.CMD.RunE = func(c *cobra.Command, args []string) error {
		configPath, _ := c.Flags().GetString("config")
		openView, _ := c.Flags().GetBool("view")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logging.Configure(cfg.Logging.Level, cfg.Logging.Format)

		runtime, err := engine.New(cfg, configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if openView {
			browser.OpenURL(fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		}

		return runtime.Run(ctx)
	}
}

func main() {
	if err := cmd.CMD.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
