package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"wecombot/internal/agent"
	"wecombot/internal/channel"
	"wecombot/internal/config"
	"wecombot/internal/delivery"
	"wecombot/internal/render"
	"wecombot/internal/store"
	"wecombot/internal/wecom"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wecombot",
		Short: "WeCom application bot",
		Long:  "wecombot receives encrypted WeCom callbacks and replies through the WeCom messaging API.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml or config.json (default: ~/.wecombot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(deliveriesCmd())
	root.AddCommand(whoisCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(simulateCmd())
	root.AddCommand(encryptCmd())
	root.AddCommand(decryptCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to the environment alone
// when no file exists.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Info("config file not found, using environment", "path", cfgPath)
	return config.LoadFromEnv()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger replaces the bootstrap logger with one honouring the
// configured level, mirroring output to logFile when set.
func setupLogger(cfg *config.Config) (io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			outputDir := config.ExpandPath(cfg.Delivery.OutputDir)
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "outputDir", outputDir)
			fmt.Println("Fill in wecom.corpId, agentId, agentSecret, token and encodingAesKey, then run 'wecombot doctor'.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wecombot", version)
		},
	}
}

// services holds everything built from a config.
type services struct {
	codec      *wecom.Codec
	client     *wecom.Client
	directory  *wecom.Directory
	strategist *delivery.Strategist
	sqlite     *store.SQLite // nil unless cache.backend is sqlite
	closers    []io.Closer
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{}

	codec, err := wecom.NewCodec(wecom.CodecConfig{
		Token:          cfg.WeCom.Token,
		EncodingAESKey: cfg.WeCom.EncodingAESKey,
		CorpID:         cfg.WeCom.CorpID,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	s.codec = codec

	client, err := wecom.NewClient(wecom.ClientConfig{
		BaseURL:    cfg.WeCom.APIBase,
		CorpID:     cfg.WeCom.CorpID,
		CorpSecret: cfg.WeCom.AgentSecret,
		AgentID:    cfg.WeCom.AgentID,
		Timeout:    time.Duration(cfg.WeCom.Timeout) * time.Second,
		Retries:    cfg.WeCom.Retries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	s.client = client

	var (
		cache    wecom.Cache
		recorder delivery.Recorder
	)
	switch cfg.Cache.Backend {
	case "sqlite":
		db, err := store.NewSQLite(cfg.Cache.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		s.closers = append(s.closers, db)
		s.sqlite = db
		cache = db
		if cfg.Cache.AuditDeliveries {
			recorder = db
		}
	case "redis":
		rc := cfg.Cache.Redis
		rdb, err := store.NewRedis(ctx, store.RedisConfig{
			URL:      rc.URL,
			Host:     rc.Host,
			Port:     rc.Port,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			Logger:   logger,
		})
		if err != nil {
			// The directory works without a cache; only lookups get slower.
			logger.Warn("redis unavailable, directory cache disabled", "err", err)
		} else {
			s.closers = append(s.closers, rdb)
			cache = rdb
		}
	}

	s.directory = wecom.NewDirectory(wecom.DirectoryConfig{
		Lookup: client,
		Cache:  cache,
		TTL:    time.Duration(cfg.Cache.TTL) * time.Second,
		Logger: logger,
	})

	renderer, err := render.New(render.Config{
		Kind:       cfg.Delivery.Renderer,
		OutputDir:  cfg.Delivery.OutputDir,
		ChromePath: cfg.Delivery.ChromePath,
		NoSandbox:  cfg.Delivery.NoSandbox,
		Timeout:    time.Duration(cfg.Delivery.RenderTimeout) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("renderer: %w", err)
	}

	s.strategist = delivery.New(delivery.Config{
		Sender:        client,
		Renderer:      renderer,
		Recorder:      recorder,
		DirectLimit:   cfg.Delivery.DirectLimit,
		SegmentLimit:  cfg.Delivery.SegmentLimit,
		Notice:        cfg.Delivery.Notice,
		KeepArtifacts: cfg.Delivery.KeepArtifacts,
		Logger:        logger,
	})
	return s, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WeCom callback server",
		Long:  "Serves the callback, verification, health and metrics endpoints. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.Delivery.OutputDir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	executor := agent.NewBackgroundExecutor(agent.ExecutorConfig{
		MaxConcurrent: int64(cfg.Worker.MaxConcurrent),
		TaskTimeout:   time.Duration(cfg.Worker.TaskTimeout) * time.Second,
		Logger:        logger,
	})
	go executor.RunJanitor(ctx, time.Minute, 10*time.Minute)
	if svc.sqlite != nil {
		go purgeCache(ctx, svc.sqlite, 10*time.Minute)
	}

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Codec:     svc.codec,
		Client:    svc.client,
		Delivery:  svc.strategist,
		Directory: svc.directory,
		MediaDir:  cfg.WeCom.MediaDir,
		Logger:    logger,
	})

	metricsPath := ""
	if cfg.Server.MetricsEnabled {
		metricsPath = cfg.Server.MetricsPath
	}
	shutdownTimeout := time.Duration(cfg.Worker.ShutdownTimeout) * time.Second

	server := channel.NewWeCom(channel.WeComConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CallbackPath:    cfg.Server.CallbackPath,
		VerifyPath:      cfg.Server.VerifyPath,
		MetricsPath:     metricsPath,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ShutdownTimeout: shutdownTimeout,
		Version:         version,
		Verifier:        svc.codec,
		Processor:       dispatcher,
		Executor:        executor,
		Logger:          logger,
	})

	logger.Info("wecombot started. Press Ctrl+C to stop.", "version", version, "addr", cfg.Server.Addr())
	serveErr := server.Start(ctx)

	// Replies already accepted keep running after the listener closes.
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := executor.Wait(waitCtx); err != nil {
		logger.Warn("shutdown timed out, abandoning tasks", "err", err)
	} else {
		logger.Info("shutdown complete")
	}
	return serveErr
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. delivery.renderer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. delivery.renderer markdown)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Read(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Print(formatPaths(config.ListPaths(config.Sanitize(cfg))))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [user] [text|@file]",
		Short: "Deliver a message to a user through the delivery tiers",
		Long:  "Sends text to a WeCom user id. A leading @ reads the message from a file; long content is sent as a document or in segments.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			content := args[1]
			if name, ok := strings.CutPrefix(content, "@"); ok {
				data, err := os.ReadFile(config.ExpandPath(name))
				if err != nil {
					return fmt.Errorf("read message: %w", err)
				}
				content = string(data)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			dec, err := svc.strategist.Deliver(ctx, args[0], content)
			if err != nil {
				return err
			}
			fmt.Printf("delivered to %s via %s", args[0], dec.Tier)
			switch {
			case dec.TextFallback:
				fmt.Print(" (plain text)")
			case dec.Tier == delivery.TierSegmented:
				fmt.Printf(" (%d segments)", dec.Segments)
			}
			fmt.Println()
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch an access token and show when it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := wecom.NewClient(wecom.ClientConfig{
				BaseURL:    cfg.WeCom.APIBase,
				CorpID:     cfg.WeCom.CorpID,
				CorpSecret: cfg.WeCom.AgentSecret,
				AgentID:    cfg.WeCom.AgentID,
				Timeout:    time.Duration(cfg.WeCom.Timeout) * time.Second,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WeCom.Timeout)*time.Second)
			defer cancel()
			if _, err := client.Tokens().Get(ctx); err != nil {
				return err
			}
			cred, _ := client.Tokens().Peek()
			fmt.Printf("token:   %s\n", config.MaskSecret(cred.Token))
			fmt.Printf("expires: %s (in %s)\n", cred.ExpiresAt.Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
			return nil
		},
	}
}

// purgeCache drops expired directory entries until ctx is done.
func purgeCache(ctx context.Context, db *store.SQLite, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("cache purge failed", "err", err)
			} else if n > 0 {
				logger.Debug("cache purged", "removed", n)
			}
		}
	}
}

func deliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show recent reply deliveries from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = config.Defaults()
			}
			db, err := store.NewSQLite(config.ExpandPath(cfg.Cache.DBPath), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.RecentDeliveries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no deliveries recorded")
				return nil
			}
			for _, r := range recs {
				status := "ok"
				if r.Err != "" {
					status = "error: " + r.Err
				}
				fmt.Printf("%s  %-16s %-9s %6d runes  %d seg  %s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.User, r.Tier, r.Runes, r.Segments, status)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

// formatPaths renders config paths one per line, sorted.
func formatPaths(paths map[string]any) string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := paths[k]
		if s, ok := v.(string); ok {
			v = strconv.Quote(s)
		} else if data, err := json.Marshal(v); err == nil {
			v = string(data)
		}
		fmt.Fprintf(&sb, "%s = %v\n", k, v)
	}
	return sb.String()
}
