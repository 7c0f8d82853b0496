package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tavru/escvpnet/internal/config"
	"github.com/tavru/escvpnet/internal/escvp"
	"github.com/tavru/escvpnet/internal/logging"
)

var (
	version = "dev"

	cfgPath  string
	hostFlag string
	portFlag int
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "epsonctl",
		Short: "Control networked Epson projectors over ESC/VP.net",
		Long: `epsonctl talks the ESC/VP.net control protocol to networked Epson
projectors: power, input source, lens and picture memories, and a
long-running bridge daemon exposing the device over HTTP/WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "projector hostname or IP (overrides config)")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "projector port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		statusCmd(),
		identifyCmd(),
		powerCmd(),
		sourceCmd(),
		lensCmd(),
		imageCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file with command-line overrides and applies
// the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if hostFlag != "" {
		cfg.Projector.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Projector.Port = portFlag
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	if cfg.Projector.Host == "" {
		return nil, fmt.Errorf("no projector host configured (use --host or a config file)")
	}
	if cfg.Projector.Port == 0 {
		cfg.Projector.Port = escvp.DefaultPort
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the epsonctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("epsonctl", version)
		},
	}
}
