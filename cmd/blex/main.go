// BleX-Bridge CLI
//
// A localhost gateway that bridges web clients to BLE hardware wallets.
// Exposes a WebSocket session endpoint on loopback and multiplexes all
// sessions over the single shared system adapter.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/commatea/BleX-Bridge/pkg/api/rest"
	"github.com/commatea/BleX-Bridge/pkg/api/ws"
	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
	"github.com/commatea/BleX-Bridge/pkg/bluetooth/bluez"
	"github.com/commatea/BleX-Bridge/pkg/bluetooth/tinygoble"
	"github.com/commatea/BleX-Bridge/pkg/config"
	"github.com/commatea/BleX-Bridge/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "blex",
		Short:   "BleX-Bridge - BLE hardware wallet gateway",
		Long:    "BleX-Bridge bridges web clients to BLE hardware wallets over a\nloopback WebSocket endpoint.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "WebSocket listen port (overrides config)")

	rootCmd.AddCommand(
		newStartCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		Long:  "Start the gateway and listen for WebSocket sessions on loopback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

// runStart starts the gateway.
func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply command line flag overrides
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	pairing, err := newPairingBackend(cfg.Bluetooth.Pairing, log)
	if err != nil {
		return fmt.Errorf("failed to initialize pairing backend: %w", err)
	}
	log.Info("Pairing backend selected", "backend", pairing.Name())

	coordCfg := cfg.Bluetooth.Coordinator
	coordCfg.Version = version
	coordinator := bluetooth.NewCoordinator(tinygoble.New(log), pairing, coordCfg, log)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.Host = cfg.Server.Host
	wsConfig.Port = cfg.Server.Port
	server := ws.NewServer(coordinator, wsConfig, log)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	var statusServer *rest.Server
	if cfg.Status.Enabled {
		statusServer = rest.NewServer(coordinator, rest.ServerConfig{Port: cfg.Status.Port}, log)
		if err := statusServer.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	log.Info("BleX-Bridge is running", "version", version, "port", cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down")

	if statusServer != nil {
		if err := statusServer.Stop(context.Background()); err != nil {
			log.Warn("Error stopping status server", "error", err)
		}
	}
	if err := server.Stop(context.Background()); err != nil {
		log.Warn("Error stopping WebSocket server", "error", err)
	}
	return nil
}

// newPairingBackend selects the pairing workflow. auto picks the native
// idiom of the host OS.
func newPairingBackend(kind string, log *logger.Logger) (bluetooth.PairingBackend, error) {
	if kind == "" || kind == "auto" {
		if runtime.GOOS == "linux" {
			kind = "bluez"
		} else {
			kind = "os"
		}
	}

	switch kind {
	case "bluez":
		return bluez.NewHostPairing(log)
	case "bluez-pin":
		return bluez.NewPinConfirmPairing(log)
	case "os":
		return bluetooth.OSManagedPairing{}, nil
	default:
		return nil, fmt.Errorf("unknown pairing backend %q", kind)
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("BleX-Bridge %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
		},
	}
}
