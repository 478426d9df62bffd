package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr              = ":8080"
	defaultAuthHeader              = "X-Build-Token"
	defaultBucket                  = "webforge-artifacts"
	defaultObjectPrefix            = "output/"
	defaultURLMode                 = URLModePublic
	defaultSignedURLTTL            = 24 * time.Hour
	defaultWorkers                 = 2
	defaultQueueSize               = 64
	defaultTaskTimeout             = time.Hour
	defaultCallbackTimeout         = 10 * time.Second
	defaultMaxDownloadBytes  int64 = 256 << 20
	defaultMaxFiles                = 20000
	defaultMaxExtractedTotal int64 = 1024 << 20
	defaultMaxExtractedFile  int64 = 256 << 20
	defaultMaxOutputBytes          = 1 << 20
	defaultArtifactRetention       = 24 * time.Hour
	defaultSweepInterval           = 10 * time.Minute
	defaultShell                   = "sh"
	defaultDiscoveryService        = "_webforge._tcp"
	defaultDiscoveryDomain         = "local."
)

const (
	URLModePublic = "public"
	URLModeSigned = "signed"
)

// Config controls server behavior. Field tags name the keys accepted in the
// optional YAML file; environment variables override the file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseDir    string `yaml:"base_dir"`

	// Local keeps artifacts on disk instead of publishing them to the bucket.
	Local        bool          `yaml:"local"`
	Bucket       string        `yaml:"bucket"`
	ObjectPrefix string        `yaml:"object_prefix"`
	URLMode      string        `yaml:"url_mode"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`

	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	MaxDownloadBytes       int64 `yaml:"max_download_bytes"`
	MaxExtractedFiles      int   `yaml:"max_extracted_files"`
	MaxExtractedTotalBytes int64 `yaml:"max_extracted_total_bytes"`
	MaxExtractedFileBytes  int64 `yaml:"max_extracted_file_bytes"`
	MaxOutputBytes         int   `yaml:"max_output_bytes"`

	ArtifactRetention time.Duration `yaml:"artifact_retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	Shell string `yaml:"shell"`

	Token      string   `yaml:"token"`
	AuthHeader string   `yaml:"auth_header"`
	Allowlist  []string `yaml:"allowlist"`

	DiscoveryEnabled  bool   `yaml:"discovery"`
	DiscoveryInstance string `yaml:"discovery_instance"`
	DiscoveryService  string `yaml:"discovery_service"`
	DiscoveryDomain   string `yaml:"discovery_domain"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ListenAddr:             defaultListenAddr,
		BaseDir:                filepath.Join(os.TempDir(), "webforge"),
		Local:                  true,
		Bucket:                 defaultBucket,
		ObjectPrefix:           defaultObjectPrefix,
		URLMode:                defaultURLMode,
		SignedURLTTL:           defaultSignedURLTTL,
		Workers:                defaultWorkers,
		QueueSize:              defaultQueueSize,
		TaskTimeout:            defaultTaskTimeout,
		CallbackTimeout:        defaultCallbackTimeout,
		MaxDownloadBytes:       defaultMaxDownloadBytes,
		MaxExtractedFiles:      defaultMaxFiles,
		MaxExtractedTotalBytes: defaultMaxExtractedTotal,
		MaxExtractedFileBytes:  defaultMaxExtractedFile,
		MaxOutputBytes:         defaultMaxOutputBytes,
		ArtifactRetention:      defaultArtifactRetention,
		SweepInterval:          defaultSweepInterval,
		Shell:                  defaultShell,
		AuthHeader:             defaultAuthHeader,
		DiscoveryService:       defaultDiscoveryService,
		DiscoveryDomain:        defaultDiscoveryDomain,
		LogLevel:               "info",
	}
}

// Load reads the optional YAML file named by WEBFORGE_CONFIG and then
// applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("WEBFORGE_CONFIG")); path != "" {
		var err error
		cfg, err = LoadFile(cfg, path)
		if err != nil {
			return Config{}, err
		}
	}
	return FromEnv(cfg)
}

// LoadFile overlays the YAML file at path onto base.
func LoadFile(base Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func FromEnv(cfg Config) (Config, error) {
	cfg.ListenAddr = getEnv("WEBFORGE_LISTEN_ADDR", cfg.ListenAddr)
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.BaseDir = getEnv("WEBFORGE_BASE_DIR", cfg.BaseDir)
	cfg.Bucket = getEnv("WEBFORGE_GCS_BUCKET", cfg.Bucket)
	cfg.ObjectPrefix = getEnv("WEBFORGE_OBJECT_PREFIX", cfg.ObjectPrefix)
	cfg.URLMode = strings.ToLower(getEnv("WEBFORGE_URL_MODE", cfg.URLMode))
	cfg.Shell = getEnv("WEBFORGE_SHELL", cfg.Shell)
	cfg.Token = getEnv("WEBFORGE_TOKEN", cfg.Token)
	cfg.AuthHeader = getEnv("WEBFORGE_AUTH_HEADER", cfg.AuthHeader)
	if v := os.Getenv("WEBFORGE_ALLOWLIST"); strings.TrimSpace(v) != "" {
		cfg.Allowlist = parseCSV(v)
	}
	cfg.DiscoveryInstance = getEnv("WEBFORGE_DISCOVERY_INSTANCE", cfg.DiscoveryInstance)
	cfg.DiscoveryService = getEnv("WEBFORGE_DISCOVERY_SERVICE", cfg.DiscoveryService)
	cfg.DiscoveryDomain = getEnv("WEBFORGE_DISCOVERY_DOMAIN", cfg.DiscoveryDomain)
	cfg.LogLevel = getEnv("WEBFORGE_LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.Local, err = envBool("WEBFORGE_LOCAL", cfg.Local); err != nil {
		return Config{}, err
	}
	if cfg.DiscoveryEnabled, err = envBool("WEBFORGE_DISCOVERY", cfg.DiscoveryEnabled); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = envInt("WEBFORGE_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = envInt("WEBFORGE_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxExtractedFiles, err = envInt("WEBFORGE_MAX_EXTRACTED_FILES", cfg.MaxExtractedFiles); err != nil {
		return Config{}, err
	}
	if cfg.MaxOutputBytes, err = envInt("WEBFORGE_MAX_OUTPUT_BYTES", cfg.MaxOutputBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxDownloadBytes, err = envInt64("WEBFORGE_MAX_DOWNLOAD_BYTES", cfg.MaxDownloadBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxExtractedTotalBytes, err = envInt64("WEBFORGE_MAX_EXTRACTED_TOTAL_BYTES", cfg.MaxExtractedTotalBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxExtractedFileBytes, err = envInt64("WEBFORGE_MAX_EXTRACTED_FILE_BYTES", cfg.MaxExtractedFileBytes); err != nil {
		return Config{}, err
	}
	if cfg.SignedURLTTL, err = envDuration("WEBFORGE_SIGNED_URL_TTL", cfg.SignedURLTTL); err != nil {
		return Config{}, err
	}
	if cfg.TaskTimeout, err = envDuration("WEBFORGE_TASK_TIMEOUT", cfg.TaskTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CallbackTimeout, err = envDuration("WEBFORGE_CALLBACK_TIMEOUT", cfg.CallbackTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ArtifactRetention, err = envDuration("WEBFORGE_ARTIFACT_RETENTION", cfg.ArtifactRetention); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("WEBFORGE_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen addr is required")
	}
	if !c.Local && strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required when local mode is off")
	}
	if c.URLMode != URLModePublic && c.URLMode != URLModeSigned {
		return fmt.Errorf("url mode must be %q or %q, got %q", URLModePublic, URLModeSigned, c.URLMode)
	}
	if c.URLMode == URLModeSigned && c.SignedURLTTL <= 0 {
		return errors.New("signed url ttl must be > 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue size must be > 0")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("task timeout must be > 0")
	}
	if c.CallbackTimeout <= 0 {
		return errors.New("callback timeout must be > 0")
	}
	if c.MaxDownloadBytes <= 0 {
		return errors.New("max download bytes must be > 0")
	}
	if c.MaxExtractedFiles <= 0 {
		return errors.New("max extracted files must be > 0")
	}
	if c.MaxExtractedTotalBytes <= 0 {
		return errors.New("max extracted total bytes must be > 0")
	}
	if c.MaxExtractedFileBytes <= 0 {
		return errors.New("max extracted file bytes must be > 0")
	}
	if c.MaxOutputBytes <= 0 {
		return errors.New("max output bytes must be > 0")
	}
	if c.ArtifactRetention < 0 {
		return errors.New("artifact retention must be >= 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if strings.TrimSpace(c.Shell) == "" {
		return errors.New("shell is required")
	}
	if strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("auth header is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	for _, entry := range c.Allowlist {
		if err := validateAllowEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) WorkDir() string {
	return filepath.Join(c.BaseDir, "work")
}

func (c Config) ArtifactsDir() string {
	return filepath.Join(c.BaseDir, "artifacts")
}

func (c Config) AllowlistEnabled() bool {
	return len(c.Allowlist) > 0
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func getEnv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}

func envBool(k string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", k, err)
	}
	return b, nil
}

func envInt(k string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", k, err)
	}
	return n, nil
}

func envInt64(k string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", k, err)
	}
	return n, nil
}

func envDuration(k string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", k, err)
	}
	return d, nil
}

func parseCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateAllowEntry(entry string) error {
	if entry == "" {
		return errors.New("allowlist entry cannot be empty")
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid allowlist cidr %q: %w", entry, err)
		}
		return nil
	}
	if ip := net.ParseIP(entry); ip == nil {
		return fmt.Errorf("invalid allowlist ip %q", entry)
	}
	return nil
}
