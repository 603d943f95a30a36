package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pserver/internal/config"
	"pserver/internal/logging"
	ws "pserver/internal/microservices/websocket"
	"pserver/internal/storage"

	"github.com/spf13/cobra"
)

func main() {
	cmd := newRootCmd()
	cmd.SetArgs(legacyArgs(os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// single dash spellings existing launch scripts use
var legacyFlags = []string{"iport", "oport", "lhost", "rhost"}

// legacyArgs rewrites -iport 5555 and -iport=5555 to their double dash form,
// pflag would otherwise read them as a run of shorthands.
func legacyArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = arg
		if arg == "--" {
			copy(out[i:], args[i:])
			break
		}
		for _, name := range legacyFlags {
			if arg == "-"+name || strings.HasPrefix(arg, "-"+name+"=") {
				out[i] = "-" + arg
				break
			}
		}
	}
	return out
}

func newRootCmd() *cobra.Command {
	// Load environment first so flag defaults show the effective values
	cfg, loadErr := config.LoadConfig()
	if loadErr != nil {
		cfg = config.Default()
	}

	cmd := &cobra.Command{
		Use:   "pserver",
		Short: "pserver - JSON request server over WebSocket",
		Long: `pserver accepts WebSocket connections and answers JSON requests:
- echo: sends the "data" field back
- file_transfer: stores the base64 "file_data" payload under "file_name"

Settings come from the environment (and a .env file); flags override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	// flags are persistent so `pserver config` sees the same overrides
	flags := cmd.PersistentFlags()
	flags.IntVar(&cfg.InPort, "iport", cfg.InPort, "input local port where connections are expected")
	flags.IntVar(&cfg.OutPort, "oport", cfg.OutPort, "output remote port where data will be sent (not used yet)")
	flags.StringVar(&cfg.LocalHost, "lhost", cfg.LocalHost, "local IP for incoming connections")
	flags.StringVar(&cfg.RemoteHost, "rhost", cfg.RemoteHost, "remote IP for outgoing connections (not used yet)")
	flags.StringVar(&cfg.StorageDir, "storage-dir", cfg.StorageDir, "directory received files are written to")
	flags.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent connections, 0 = unlimited")
	flags.BoolVar(&cfg.ErrorReplies, "error-replies", cfg.ErrorReplies, "answer failed requests with an error message instead of silence")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "append-only log file, empty = stdout only")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	cmd.AddCommand(newConfigCmd(cfg))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// Setup structured logging
	logger, closer, err := logging.New(logging.Options{
		File:   cfg.LogFile,
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	sink, err := storage.NewFileSink(cfg.StorageDir, logger)
	if err != nil {
		return err
	}
	// clients must not overwrite our own log
	if err := sink.Reserve(cfg.LogFile); err != nil {
		return err
	}
	server := ws.NewServer(cfg, ws.NewDispatcher(sink, logger), logger)

	logger.Info("starting_pserver",
		"listen_addr", cfg.ListenAddr(),
		"storage_dir", cfg.StorageDir,
		"error_replies", cfg.ErrorReplies,
	)

	// Bind before anything else so a taken port fails fast
	if err := server.Listen(); err != nil {
		logger.Error("server_bind_failed", "error", err.Error())
		return err
	}

	// Handle graceful shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve()
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigCtx.Done():
		logger.Info("received_shutdown_signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("server_stop_error", "error", err.Error())
		}
		logger.Info("server_stopped_gracefully")
		return nil
	case err := <-errChan:
		if err != nil {
			logger.Error("server_error", "error", err.Error())
		}
		return err
	}
}
