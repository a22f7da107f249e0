package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"t9/internal/bot"
	"t9/internal/config"
	"t9/internal/domain"
	"t9/internal/execproto"
	"t9/internal/execserver"
	"t9/internal/metrics"
	"t9/internal/paste"
	"t9/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "t9",
		Short:         "t9: chat-triggered remote exec bot",
		Long:          "t9 sits in chat channels, runs commands on an exec host and lets users define trigger functions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to config file, or %q for environment only", config.NoConfigFile))

	root.AddCommand(botCmd())
	root.AddCommand(execServerCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(initCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig finds and loads the config named by --config.
func loadConfig() (*config.Config, string, error) {
	path, err := config.Find(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Connect to the chat server and serve commands",
		Long: `Connects to the configured server, joins the console and bot channels and
handles commands until the connection ends. Run it under a supervisor: the
bot does not reconnect on its own.`,
		RunE: runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	tee := bot.NewTee(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger = slog.New(tee)
	logger.Info("starting bot", "version", version, "config", path, "nick", cfg.Nick)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st domain.Store
	if cfg.DB.Path != "" {
		sqlStore, err := store.Open(ctx, cfg.DB.Path, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer sqlStore.Close()
		st = sqlStore
	} else {
		logger.Warn("no db.path configured; functions and secrets will not persist")
	}

	var paster domain.Paster
	if cfg.PastebinURL != "" {
		paster = paste.New(paste.Config{Endpoint: cfg.PastebinURL, Logger: logger})
	}

	if cfg.MetricsListen != "" {
		srv := serveMetrics(cfg.MetricsListen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	session, err := bot.New(bot.Config{
		Config:  cfg,
		Store:   st,
		Exec:    execproto.NewClient(execproto.ClientConfig{BaseURL: cfg.ExecServerBaseURL, Logger: logger}),
		Paster:  paster,
		Logger:  logger,
		Console: tee,
		Version: version,
	})
	if err != nil {
		return err
	}

	err = session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", addr, "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

func execServerCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "exec-server",
		Short: "Run the exec host HTTP server",
		Long: `Serves /exec, /exit, /status and /metrics. POST /exit stops the server;
run it under a supervisor that restarts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listen == "" {
				listen = cfg.ExecServer.Listen
			}
			level, _ := config.ParseLevel(cfg.LogLevel)
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := execserver.New(execserver.Config{
				Listen:         listen,
				DefaultTimeout: cfg.ExecServer.DefaultTimeout.Seconds(),
				MaxOutputBytes: cfg.ExecServer.MaxOutputBytes,
				Logger:         logger,
			})
			logger.Info("exec server starting", "listen", listen, "version", version)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: exec_server.listen)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the exec host answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client := execproto.NewClient(execproto.ClientConfig{BaseURL: cfg.ExecServerBaseURL, Logger: logger})
			status, err := client.Status(cmd.Context(), bot.DefaultTiming.StatusTimeout)
			if err != nil {
				return fmt.Errorf("exec host %s: %w", cfg.ExecServerBaseURL, err)
			}
			fmt.Printf("exec host %s: %s\n", cfg.ExecServerBaseURL, status)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var nick string
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			} else if configPath != "" && configPath != config.NoConfigFile {
				path = configPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Sample(nick)); err != nil {
				return err
			}
			logger.Info("initialized", "config", path, "nick", nick)
			return nil
		},
	}
	cmd.Flags().StringVar(&nick, "nick", "t9", "bot nick")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. exec_server.listen)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			switch v := val.(type) {
			case map[string]any, []any:
				data, err := yaml.Marshal(v)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
			default:
				fmt.Println(v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Find(configPath)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("t9 %s\n", version)
		},
	}
}
