package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bms-service/internal/config"
	"bms-service/internal/core"
	"bms-service/internal/hardware"
	"bms-service/internal/logger"
	"bms-service/internal/messaging"
)

var (
	configPath      string
	serviceLogLevel int
)

var rootCmd = &cobra.Command{
	Use:   "bms-service",
	Short: "Battery management safety loop",
	Long: `bms-service runs the BMS control tick: fault aggregation, tractive system
contactor sequencing and cell balancing. Commands and state are exchanged
over Redis.`,
	SilenceUsage: true,
	RunE:         runService,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: /etc/bms-service/bms.yaml or ./bms.yaml)")
	rootCmd.Flags().IntVar(&serviceLogLevel, "log", -1, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG), overrides the config file")
	rootCmd.AddCommand(configCmd)
}

func newLogger(cfg config.Config) *logger.Logger {
	opts := cfg.LoggerOptions()
	if serviceLogLevel >= 0 {
		opts.Level = logger.LogLevel(serviceLogLevel)
	}
	// Running under systemd, journald adds its own timestamps
	opts.Timestamps = os.Getenv("INVOCATION_ID") == ""
	return logger.NewLogger(opts)
}

func runService(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	l := newLogger(cfg)
	defer l.Sync()

	l.Infof("Starting BMS service...")
	if f := loader.ConfigFile(); f != "" {
		l.Infof("Using configuration %s", f)
	}

	io := hardware.NewLinuxHardwareIO(cfg.Hardware, l.WithTag("Hardware"))
	redis := messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, l.WithTag("Redis"), messaging.Callbacks{})

	system, err := core.NewBMSSystem(cfg, io, redis, l.WithTag("BMS"))
	if err != nil {
		return fmt.Errorf("failed to create system: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := system.Start(ctx); err != nil {
		system.Shutdown()
		return fmt.Errorf("failed to start system: %w", err)
	}
	l.Infof("System started successfully")

	loader.Watch(func(next config.Config, err error) {
		if err != nil {
			l.Warnf("Ignoring configuration change: %v", err)
			return
		}
		system.Reload(next)
	})

	err = system.Run(ctx)
	l.Infof("Shutting down...")
	system.Shutdown()
	l.Infof("Shutdown complete")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
