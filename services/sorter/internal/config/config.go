package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is used when neither --config nor SORTBOOK_CONFIG is set.
const ConfigPath = "config.yaml"

// Duplicate identifier policies.
const (
	DuplicatePolicyHalt     = "halt"
	DuplicatePolicyAdvisory = "advisory"
)

// RunDefaults seeds the flags of the run command.
type RunDefaults struct {
	DryRun    bool   `yaml:"dryRun"`
	Reset     bool   `yaml:"reset"`
	UseResume bool   `yaml:"useResume"`
	Limit     int    `yaml:"limit"`
	Offset    int    `yaml:"offset"`
	TestFile  string `yaml:"testFile"`
	TestMode  bool   `yaml:"testMode"`
	Verbose   bool   `yaml:"verbose"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`
	LockPath string `yaml:"lockPath"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	ResumeKey     string `yaml:"resumeKey"`

	BooksDir   string   `yaml:"booksDir"`
	TargetDir  string   `yaml:"targetDir"`
	Extensions []string `yaml:"extensions"`

	TextPreviewChars int     `yaml:"textPreviewChars"`
	CoverMinWidth    int     `yaml:"coverMinWidth"`
	CoverMinHeight   int     `yaml:"coverMinHeight"`
	CoverMinContrast float64 `yaml:"coverMinContrast"`

	EnrichmentURL            string `yaml:"enrichmentURL"`
	EnrichmentTestURL        string `yaml:"enrichmentTestURL"`
	EnrichmentTimeoutSeconds int    `yaml:"enrichmentTimeoutSeconds"`
	EnrichmentVerifyTLS      *bool  `yaml:"enrichmentVerifyTLS"`
	EnrichmentTokenKeyPath   string `yaml:"enrichmentTokenKeyPath"`
	EnrichmentTokenKeyID     string `yaml:"enrichmentTokenKeyId"`
	EnrichmentMaxPerMinute   int    `yaml:"enrichmentMaxPerMinute"`

	DuplicateIdentifierPolicy string `yaml:"duplicateIdentifierPolicy"`
	RetryFailed               bool   `yaml:"retryFailed"`

	OCREnabled        bool   `yaml:"ocrEnabled"`
	OCRCommand        string `yaml:"ocrCommand"`
	OCRLanguages      string `yaml:"ocrLanguages"`
	OCRTimeoutSeconds int    `yaml:"ocrTimeoutSeconds"`
	OCRMaxChars       int    `yaml:"ocrMaxChars"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioPrefix    string `yaml:"minioPrefix"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	OpsAddr         string `yaml:"opsAddr"`
	MetricsTextfile string `yaml:"metricsTextfile"`

	Run RunDefaults `yaml:"run"`
}

// VerifyTLS reports whether the enrichment client checks certificates.
// Unset means on.
func (c FileConfig) VerifyTLS() bool {
	return c.EnrichmentVerifyTLS == nil || *c.EnrichmentVerifyTLS
}

// ResolvePath picks the config file: explicit path, then SORTBOOK_CONFIG,
// then ConfigPath.
func ResolvePath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("SORTBOOK_CONFIG")); p != "" {
		return p
	}
	return ConfigPath
}

// Load reads config from path. A .env file next to it is loaded first;
// variables already present in the environment win.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	path = ResolvePath(path)
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("BOOKS_DIR"); v != "" {
		cfg.BooksDir = v
	}
	if v := os.Getenv("TARGET_DIR"); v != "" {
		cfg.TargetDir = v
	}
	if v := os.Getenv("TEXT_PREVIEW_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TextPreviewChars = n
		}
	}
	if v := os.Getenv("ENRICHMENT_URL"); v != "" {
		cfg.EnrichmentURL = v
	}
	if v := os.Getenv("ENRICHMENT_TEST_URL"); v != "" {
		cfg.EnrichmentTestURL = v
	}
	if v := os.Getenv("ENRICHMENT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EnrichmentTimeoutSeconds = n
		}
	}
	if v := os.Getenv("ENRICHMENT_VERIFY_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnrichmentVerifyTLS = &b
		}
	}
	if v := os.Getenv("ENRICHMENT_TOKEN_KEY_PATH"); v != "" {
		cfg.EnrichmentTokenKeyPath = v
	}
	if v := os.Getenv("ENRICHMENT_MAX_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EnrichmentMaxPerMinute = n
		}
	}
	if v := os.Getenv("DUPLICATE_IDENTIFIER_POLICY"); v != "" {
		cfg.DuplicateIdentifierPolicy = v
	}
	if v := os.Getenv("OCR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OCREnabled = b
		}
	}
	if v := os.Getenv("OCR_COMMAND"); v != "" {
		cfg.OCRCommand = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.BooksDir) == "" {
		return errors.New("config: booksDir is required (set in config.yaml or BOOKS_DIR)")
	}
	if err := validateURL("enrichmentURL", cfg.EnrichmentURL, true); err != nil {
		return err
	}
	if err := validateURL("enrichmentTestURL", cfg.EnrichmentTestURL, false); err != nil {
		return err
	}
	if cfg.EnrichmentTimeoutSeconds < 0 {
		return errors.New("config: enrichmentTimeoutSeconds must be >= 0")
	}
	if cfg.EnrichmentMaxPerMinute < 0 {
		return errors.New("config: enrichmentMaxPerMinute must be >= 0")
	}
	if cfg.TextPreviewChars < 0 {
		return errors.New("config: textPreviewChars must be >= 0")
	}
	if cfg.CoverMinWidth < 0 || cfg.CoverMinHeight < 0 {
		return errors.New("config: coverMinWidth and coverMinHeight must be >= 0")
	}
	if cfg.CoverMinContrast < 0 {
		return errors.New("config: coverMinContrast must be >= 0")
	}
	switch strings.TrimSpace(cfg.DuplicateIdentifierPolicy) {
	case "", DuplicatePolicyHalt, DuplicatePolicyAdvisory:
	default:
		return fmt.Errorf("config: duplicateIdentifierPolicy must be %q or %q", DuplicatePolicyHalt, DuplicatePolicyAdvisory)
	}
	if cfg.OCREnabled && strings.TrimSpace(cfg.OCRCommand) == "" {
		return errors.New("config: ocrCommand is required when ocrEnabled=true")
	}
	if cfg.OCRTimeoutSeconds < 0 || cfg.OCRMaxChars < 0 {
		return errors.New("config: ocrTimeoutSeconds and ocrMaxChars must be >= 0")
	}
	if cfg.MinioEndpoint != "" && strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.Run.Limit < 0 || cfg.Run.Offset < 0 {
		return errors.New("config: run.limit and run.offset must be >= 0")
	}
	for _, ext := range cfg.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config: extension %q must start with a dot", ext)
		}
	}
	return nil
}

func validateURL(name, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return fmt.Errorf("config: %s is required (set in config.yaml)", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s must be an http(s) URL", name)
	}
	return nil
}
