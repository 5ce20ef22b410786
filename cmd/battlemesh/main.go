package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"battlemesh/core"
	"battlemesh/pkg/config"
)

const (
	exitOK          = 0
	exitBindFailure = 1
	exitConfigError = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "battlemesh",
		Short: "battlefield messaging fabric",
	}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func serveCmd() *cobra.Command {
	var rosterPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the fabric server",
		Run: func(cmd *cobra.Command, args []string) {
			// Load environment variables from a project .env if present.
			_ = godotenv.Load(".env")

			cfg, err := config.LoadFromEnv()
			if err != nil {
				logrus.Errorf("config: %v", err)
				os.Exit(exitConfigError)
			}
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logrus.SetLevel(lvl)
			}

			if rosterPath == "" {
				rosterPath = cfg.Fabric.RosterFile
			}
			roster, err := config.LoadRoster(rosterPath)
			if err != nil {
				logrus.Errorf("roster: %v", err)
				os.Exit(exitConfigError)
			}

			fabricCfg := cfg.FabricConfig()
			fabric, err := core.NewFabric(fabricCfg, roster, cfg.Ledger.WALDir)
			if err != nil {
				logrus.Errorf("fabric init: %v", err)
				os.Exit(exitConfigError)
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- fabric.Serve() }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-serveErr:
				if err != nil {
					logrus.Errorf("bind %s: %v", fabricCfg.Bind, err)
					os.Exit(exitBindFailure)
				}
			case s := <-sig:
				logrus.Infof("signal %s, shutting down", s)
				if err := fabric.Shutdown(5 * time.Second); err != nil {
					logrus.Warnf("shutdown: %v", err)
				}
			}
			os.Exit(exitOK)
		},
	}
	cmd.Flags().StringVar(&rosterPath, "roster", "", "node roster YAML (defaults to fabric.roster_file, else the demo roster)")
	return cmd
}
