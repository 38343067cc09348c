package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/render"
	"wecombot/internal/store"
	"wecombot/internal/wecom"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wecombot installation",
		Long: `Verifies that the configuration, WeCom credentials, cache database,
listening port and document renderer are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wecombot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			cfg, err := config.Read(cfgPath)
			switch {
			case err == nil:
				printPass("Config file", cfgPath)
				passed++
			case errors.Is(err, fs.ErrNotExist):
				printWarn("Config file", fmt.Sprintf("not found at %s, using environment", cfgPath))
				warned++
				cfg = config.Defaults()
				if envCfg, envErr := config.LoadFromEnv(); envErr == nil {
					cfg = envCfg
				}
			default:
				printFail("Config file", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config unreadable")
			}

			if err := config.Validate(cfg); err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if _, err := wecom.NewCrypto(cfg.WeCom.EncodingAESKey); err != nil {
				printFail("EncodingAESKey", err.Error())
				failed++
			} else {
				printPass("EncodingAESKey", "decodes to a 32-byte key")
				passed++
			}

			if offline {
				printWarn("Access token", "skipped (--offline)")
				warned++
			} else if err := checkToken(cfg); err != nil {
				if errors.Is(err, wecom.ErrAllowlistRejected) {
					printFail("Access token", "server IP is not in the application's trusted IP list")
				} else {
					printFail("Access token", err.Error())
				}
				failed++
			} else {
				printPass("Access token", "fetched")
				passed++
			}

			switch cfg.Cache.Backend {
			case "sqlite":
				dbPath := config.ExpandPath(cfg.Cache.DBPath)
				if err := checkDatabase(dbPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", dbPath)
					passed++
				}
			case "redis":
				if err := checkRedis(cfg); err != nil {
					printWarn("Redis", fmt.Sprintf("unreachable, lookups will not be cached: %v", err))
					warned++
				} else {
					printPass("Redis", fmt.Sprintf("%s:%d", cfg.Cache.Redis.Host, cfg.Cache.Redis.Port))
					passed++
				}
			default:
				printWarn("Cache", "disabled")
				warned++
			}

			if err := checkPort(cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			switch cfg.Delivery.Renderer {
			case render.KindPDF:
				if path, err := findChrome(cfg.Delivery.ChromePath); err != nil {
					printWarn("Renderer", "pdf renderer selected but no Chrome found; long replies will be segmented")
					warned++
				} else {
					printPass("Renderer", "pdf via "+path)
					passed++
				}
			case render.KindNone:
				printWarn("Renderer", "disabled; long replies will be segmented")
				warned++
			default:
				printPass("Renderer", cfg.Delivery.Renderer)
				passed++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wecombot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwecombot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wecombot is ready to serve.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the WeCom API")
	return cmd
}

func checkToken(cfg *config.Config) error {
	client, err := wecom.NewClient(wecom.ClientConfig{
		BaseURL:    cfg.WeCom.APIBase,
		CorpID:     cfg.WeCom.CorpID,
		CorpSecret: cfg.WeCom.AgentSecret,
		AgentID:    cfg.WeCom.AgentID,
		Timeout:    10 * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, _, err = client.FetchToken(ctx)
	return err
}

// checkDatabase opens the store, which also applies pending migrations.
func checkDatabase(dbPath string) error {
	db, err := store.NewSQLite(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Set(ctx, "doctor:probe", []byte("ok"), time.Second); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return db.Delete(ctx, "doctor:probe")
}

func checkRedis(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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
		return err
	}
	return rdb.Close()
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", err
		}
		return configured, nil
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("chrome not found in PATH")
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
