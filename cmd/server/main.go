package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/textrelay/pkg/logging"
	"github.com/NicolasHaas/textrelay/pkg/server"
	"github.com/NicolasHaas/textrelay/pkg/version"
)

var (
	configFile  string
	printConfig bool
	showVersion bool
)

func main() {
	v := server.NewViper()
	cmd := newRootCmd(v)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "textrelay-server [port]",
		Short: "Run the textrelay chat and file relay server",
		Long: "Accepts TCP clients, relays chat lines between every logged-in user and\n" +
			"stores uploaded files in a per-user directory under the storage root.\n" +
			"A missing or invalid port falls back to " + fmt.Sprint(server.DefaultPort) + ".",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML config file")
	f.String("storage-root", defaults.StorageRoot, "Directory holding the per-user storage areas")
	f.String("metrics", defaults.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	f.String("log-level", defaults.LogLevel, "Log level: "+logging.LevelNames())
	f.String("log-format", defaults.LogFormat, "Log format: text or json")
	f.Int64("max-file-size", defaults.MaxFileSize, "Largest accepted upload in bytes")
	f.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	f.BoolVar(&showVersion, "version", false, "Print version and exit")

	for key, flag := range map[string]string{
		"storage_root":  "storage-root",
		"metrics_addr":  "metrics",
		"log_level":     "log-level",
		"log_format":    "log-format",
		"max_file_size": "max-file-size",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, args []string) error {
	if showVersion {
		fmt.Println("textrelay-server " + version.Full())
		return nil
	}

	port, portErr := server.PortFromArgs(args)
	if len(args) > 0 {
		v.Set("addr", server.ListenAddr(port))
	}

	cfg, err := server.LoadConfig(v, configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}

	logger, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		return err
	}
	if portErr != nil {
		logger.Warn("invalid port, using default", "arg", args[0], "port", server.DefaultPort, "err", portErr)
	}

	if printConfig {
		data, err := server.ConfigYAML(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}

	srv, err := server.New(cfg, server.Dependencies{Logger: logger})
	if err != nil {
		slog.Error("server setup", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}
