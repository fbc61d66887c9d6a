package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/svenhq/dispatch/assistant/health"
	"github.com/svenhq/dispatch/assistant/ingress"
	"github.com/svenhq/dispatch/assistant/ipc"
	"github.com/svenhq/dispatch/assistant/metrics"
	"github.com/svenhq/dispatch/assistant/orchestrator"
	"github.com/svenhq/dispatch/assistant/readers"
	"github.com/svenhq/dispatch/assistant/registry"
	"github.com/svenhq/dispatch/assistant/session"
	"github.com/svenhq/dispatch/assistant/vision"
	"github.com/svenhq/dispatch/internal/profile"
	"github.com/svenhq/dispatch/internal/version"
)

const shutdownBudget = 2 * time.Minute

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: `Personal assistant daemon. Multiplexes messaging backends into per-conversation AI agent sessions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running
		// as a systemd service; the unit file carries the environment).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		if cfgFile := viper.GetString("config"); cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return err
			}
		} else {
			viper.SetConfigFile("config.local.yaml")
			_ = viper.ReadInConfig()
		}

		p, err := profile.Load(viper.GetViper())
		if err != nil {
			return err
		}
		p.Version = version.String()

		logger, closeLog, err := buildLogger(p)
		if err != nil {
			return err
		}
		defer closeLog()
		slog.SetDefault(logger)

		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		exporter := metrics.NewExporter(metrics.DefaultConfig())

		reg := registry.Open(filepath.Join(p.StateDir, "registry.json"), logger)

		contacts, err := readers.LoadContacts(ctx, readers.AddressBookPath(home))
		if err != nil {
			// Degraded but functional: the owner's phone stays admin and
			// unknown senders stay dropped.
			logger.Warn("contacts snapshot unavailable", "error", err)
			contacts = nil
		}

		rpaths := readers.DefaultPaths(home)

		analyzer := vision.New(vision.Config{
			CLIPath: p.VisionCLI,
			Model:   p.VisionModel,
			Paths:   rpaths,
		}, logger, exporter)

		orch := orchestrator.New(orchestrator.Config{
			OwnerName:       p.OwnerName,
			OwnerPhone:      p.OwnerPhone,
			Home:            home,
			TranscriptsDir:  p.TranscriptsDir,
			LogsDir:         p.LogsDir,
			AgentCLI:        p.AgentCLI,
			SoulPath:        p.SoulPath,
			NotesHelper:     p.NotesHelper,
			MemoryHelper:    p.MemoryHelper,
			SummarizeHelper: p.SummarizeHelper,
		}, reg, contacts, rpaths, analyzer, session.DefaultFactory(logger), logger, exporter)

		ipcServer := ipc.NewServer(p.IPCSocket, orch, logger)
		if err := ipcServer.Start(); err != nil {
			return err
		}
		defer ipcServer.Stop()

		var metricsSrv *metrics.Server
		if p.MetricsListen != "" {
			metricsSrv = metrics.NewServer(p.MetricsListen, exporter, logger)
			go func() {
				if err := metricsSrv.Start(); err != nil {
					logger.Error("metrics server failed", "error", err)
				}
			}()
		}

		var classifier health.Classifier
		if p.ClassifierAPIKey != "" {
			classifier = health.NewModelClassifier(health.ClassifierConfig{
				APIKey:  p.ClassifierAPIKey,
				BaseURL: p.ClassifierBaseURL,
				Model:   p.ClassifierModel,
			})
		}
		supervisor := health.NewSupervisor(orch, classifier, home, logger, exporter)
		go supervisor.Run(ctx)

		mux := ingress.NewMultiplexer(logger, exporter)
		if p.SignalAccount != "" {
			go ingress.NewSignalListener(p.SignalSocket, mux, logger).Run(ctx)
		}
		if p.TestInboxDir != "" {
			watcher := ingress.NewTestWatcher(p.TestInboxDir, mux, logger)
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Error("test watcher failed", "error", err)
				}
			}()
		}
		if p.ReminderHelper != "" {
			if contacts == nil {
				logger.Warn("reminder poller disabled: contacts snapshot unavailable")
			} else {
				go ingress.NewReminderPoller(p.ReminderHelper, orch, contacts, logger).Run(ctx)
			}
		}

		recreated := orch.RecreatePersisted(ctx)
		if recreated > 0 {
			logger.Info("recreated persisted sessions", "count", recreated)
		}
		go orch.RunIdleReaper(ctx)

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. SIGTERM is what
		// systemd and kubernetes send first.
		signal.Notify(c, terminationSignals...)

		printGreetings(p)

		go func() {
			sig := <-c
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		}()

		if err := orch.Run(ctx, mux.Messages()); err != nil {
			logger.Error("message router stopped", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer shutdownCancel()
		orch.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "prod")
	viper.SetDefault("log.level", "info")

	rootCmd.PersistentFlags().String("config", "", "path to config.local.yaml")
	rootCmd.PersistentFlags().String("mode", "prod", `mode of daemon, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("ipc-socket", "", "path to the control unix socket")
	rootCmd.PersistentFlags().String("metrics-listen", "", "listen address for /metrics, empty disables")

	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("ipc.socket", rootCmd.PersistentFlags().Lookup("ipc-socket")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("metrics.listen", rootCmd.PersistentFlags().Lookup("metrics-listen")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("dispatch")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// buildLogger writes to stderr and to <logs>/dispatchd.log; the healing
// agent greps the file, so it must exist even in dev runs.
func buildLogger(p *profile.Profile) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	f, err := os.OpenFile(filepath.Join(p.LogsDir, "dispatchd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: level})
	return slog.New(handler), func() { f.Close() }, nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("dispatchd %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("State directory: %s\n", p.StateDir)
	fmt.Printf("Transcripts directory: %s\n", p.TranscriptsDir)
	fmt.Printf("Control socket: %s\n", p.IPCSocket)
	if p.MetricsListen != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", p.MetricsListen)
	}
	if p.SignalAccount != "" {
		fmt.Printf("Signal account: %s\n", p.SignalAccount)
	}
	fmt.Printf("Mode: %s\n", p.Mode)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
