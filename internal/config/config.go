package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the WeCom bot service.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	WeCom    WeComConfig    `json:"wecom" yaml:"wecom"`
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace" yaml:"workspace"`
	LogLevel  string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"` // optional, mirrored to stderr
}

type ServerConfig struct {
	Host           string `json:"host" yaml:"host" env:"HOST"`
	Port           int    `json:"port" yaml:"port" env:"PORT"`
	CallbackPath   string `json:"callbackPath" yaml:"callbackPath"`
	VerifyPath     string `json:"verifyPath" yaml:"verifyPath"`
	ReadTimeout    int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout   int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
	MetricsEnabled bool   `json:"metricsEnabled" yaml:"metricsEnabled"`
	MetricsPath    string `json:"metricsPath" yaml:"metricsPath"`
}

// WeComConfig holds the application credentials from the WeCom admin console.
type WeComConfig struct {
	CorpID         string `json:"corpId" yaml:"corpId" env:"WECOM_CORP_ID"`
	AgentID        int64  `json:"agentId" yaml:"agentId" env:"WECOM_AGENT_ID"`
	AgentSecret    string `json:"agentSecret" yaml:"agentSecret" env:"WECOM_AGENT_SECRET"`
	Token          string `json:"token" yaml:"token" env:"WECOM_TOKEN"`
	EncodingAESKey string `json:"encodingAesKey" yaml:"encodingAesKey" env:"WECOM_ENCODING_AES_KEY"`
	APIBase        string `json:"apiBase" yaml:"apiBase" env:"WECOM_API_BASE"`
	Timeout        int    `json:"timeout" yaml:"timeout"` // seconds per API call
	Retries        int    `json:"retries" yaml:"retries"` // idempotent GET retries
	MediaDir       string `json:"mediaDir,omitempty" yaml:"mediaDir,omitempty"`
}

type DeliveryConfig struct {
	DirectLimit   int    `json:"directLimit" yaml:"directLimit"`
	SegmentLimit  int    `json:"segmentLimit" yaml:"segmentLimit"`
	Renderer      string `json:"renderer" yaml:"renderer"` // "pdf" | "markdown" | "none"
	OutputDir     string `json:"outputDir" yaml:"outputDir"`
	KeepArtifacts bool   `json:"keepArtifacts" yaml:"keepArtifacts"`
	ChromePath    string `json:"chromePath,omitempty" yaml:"chromePath,omitempty"`
	NoSandbox     bool   `json:"noSandbox" yaml:"noSandbox"`
	RenderTimeout int    `json:"renderTimeout" yaml:"renderTimeout"` // seconds
	Notice        string `json:"notice,omitempty" yaml:"notice,omitempty"`
}

type WorkerConfig struct {
	MaxConcurrent   int `json:"maxConcurrent" yaml:"maxConcurrent"`
	TaskTimeout     int `json:"taskTimeout" yaml:"taskTimeout"`         // seconds
	ShutdownTimeout int `json:"shutdownTimeout" yaml:"shutdownTimeout"` // seconds
}

type CacheConfig struct {
	Backend         string      `json:"backend" yaml:"backend"` // "none" | "sqlite" | "redis"
	UseRedis        bool        `json:"useRedis,omitempty" yaml:"useRedis,omitempty" env:"USE_REDIS_CACHE"`
	DBPath          string      `json:"dbPath" yaml:"dbPath"`
	TTL             int         `json:"ttl" yaml:"ttl"` // seconds
	AuditDeliveries bool        `json:"auditDeliveries" yaml:"auditDeliveries"`
	Redis           RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Host     string `json:"host" yaml:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" yaml:"port" env:"REDIS_PORT"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// DefaultConfigDir returns the default config directory (~/.wecombot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wecombot"
	}
	return filepath.Join(home, ".wecombot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads, overlays the environment, and validates a config file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for tools that edit incomplete configs.
func Read(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)
	return cfg, nil
}

// LoadFromEnv builds a config from defaults and environment variables only.
func LoadFromEnv() (*Config, error) {
	cfg := Defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays variables that are set; unset ones keep the file value.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("cannot parse environment: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Cache.UseRedis {
		cfg.Cache.Backend = "redis"
	}
	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.WeCom.MediaDir = ExpandPath(cfg.WeCom.MediaDir)
	cfg.Delivery.OutputDir = ExpandPath(cfg.Delivery.OutputDir)
	cfg.Cache.DBPath = ExpandPath(cfg.Cache.DBPath)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file holds the agent secret.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.WeCom.CorpID == "" {
		errs = append(errs, "wecom.corpId is required (WECOM_CORP_ID)")
	}
	if cfg.WeCom.AgentID <= 0 {
		errs = append(errs, "wecom.agentId is required (WECOM_AGENT_ID)")
	}
	if cfg.WeCom.AgentSecret == "" {
		errs = append(errs, "wecom.agentSecret is required (WECOM_AGENT_SECRET)")
	}
	if cfg.WeCom.Token == "" {
		errs = append(errs, "wecom.token is required (WECOM_TOKEN)")
	}
	if n := len(cfg.WeCom.EncodingAESKey); n != 43 {
		errs = append(errs, fmt.Sprintf("wecom.encodingAesKey must be 43 characters, got %d (WECOM_ENCODING_AES_KEY)", n))
	}
	if cfg.WeCom.Timeout < 1 {
		errs = append(errs, "wecom.timeout must be >= 1")
	}
	if cfg.WeCom.Retries < 0 || cfg.WeCom.Retries > 10 {
		errs = append(errs, "wecom.retries must be between 0 and 10")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	for name, p := range map[string]string{
		"server.callbackPath": cfg.Server.CallbackPath,
		"server.verifyPath":   cfg.Server.VerifyPath,
		"server.metricsPath":  cfg.Server.MetricsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, name+" must start with /")
		}
	}

	if cfg.Delivery.DirectLimit < 1 {
		errs = append(errs, "delivery.directLimit must be >= 1")
	}
	if cfg.Delivery.SegmentLimit < 1 {
		errs = append(errs, "delivery.segmentLimit must be >= 1")
	}
	switch cfg.Delivery.Renderer {
	case "pdf", "markdown", "none":
	default:
		errs = append(errs, "delivery.renderer must be one of: pdf, markdown, none")
	}

	if cfg.Worker.MaxConcurrent < 1 || cfg.Worker.MaxConcurrent > 1000 {
		errs = append(errs, "worker.maxConcurrent must be between 1 and 1000")
	}
	if cfg.Worker.TaskTimeout < 1 {
		errs = append(errs, "worker.taskTimeout must be >= 1")
	}

	switch cfg.Cache.Backend {
	case "none", "sqlite", "redis":
	default:
		errs = append(errs, "cache.backend must be one of: none, sqlite, redis")
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl must be >= 0")
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.URL == "" &&
		(cfg.Cache.Redis.Port < 1 || cfg.Cache.Redis.Port > 65535) {
		errs = append(errs, "cache.redis.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
