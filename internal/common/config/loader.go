// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads the full worker deployment configuration and validates it.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadLocal reads configuration for the standalone CLI. Only the analysis
// core settings are validated; brokers and stores may be absent.
func LoadLocal() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := validateAgent(&cfg.Agent); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")
	if root := findProjectRoot(); root != "" {
		v.AddConfigPath(filepath.Join(root, "configs"))
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// Base config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, optional
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := finish(v)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	// APIS_GEMINI_API_KEY style overrides
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Booleans cannot be defaulted after unmarshal.
	v.SetDefault("agent.sandbox.network_disabled", true)
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)
	return &cfg, nil
}

// loadEnvFile loads the first .env found walking up towards the module root.
func loadEnvFile() string {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env", // test/e2e
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal {
				v.Set(key, expanded)
			}
		}
	}
}

func envFallback(dst *string, keys ...string) {
	if *dst != "" {
		return
	}
	for _, k := range keys {
		if val := os.Getenv(k); val != "" {
			*dst = val
			return
		}
	}
}

// Direct override if config values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	envFallback(&cfg.APIs.Gemini.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	envFallback(&cfg.APIs.Exa.APIKey, "EXA_API_KEY")

	// GEMINI_MODEL always wins over the file.
	if val := os.Getenv("GEMINI_MODEL"); val != "" {
		cfg.APIs.Gemini.Model = val
	}

	envFallback(&cfg.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	envFallback(&cfg.WhatsApp.AccessToken, "WHATSAPP_ACCESS_TOKEN")
	envFallback(&cfg.WhatsApp.VerifyToken, "WHATSAPP_VERIFY_TOKEN")

	envFallback(&cfg.Storage.Minio.AccessKey, "MINIO_ACCESS_KEY", "MINIO_ROOT_USER")
	envFallback(&cfg.Storage.Minio.SecretKey, "MINIO_SECRET_KEY", "MINIO_ROOT_PASSWORD")

	envFallback(&cfg.Database.Postgres.User, "DB_USER")
	envFallback(&cfg.Database.Postgres.Password, "DB_PASSWORD")
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "analysis-workers"
	}

	// Camunda defaults
	if cfg.Camunda.ProcessID == "" {
		cfg.Camunda.ProcessID = "csv-analysis"
	}
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Storage defaults
	if cfg.Storage.Minio.Bucket == "" {
		cfg.Storage.Minio.Bucket = "analysis-artifacts"
	}
	if cfg.Storage.PresignExpiry == 0 {
		cfg.Storage.PresignExpiry = int((7 * 24 * time.Hour).Milliseconds())
	}

	// Analysis core defaults
	a := &cfg.Agent
	if a.MinCharts == 0 {
		a.MinCharts = 3
	}
	if a.MaxRounds == 0 {
		a.MaxRounds = 10
	}
	if a.OutputCharLimit == 0 {
		a.OutputCharLimit = 2000
	}
	if a.FallbackMinLength == 0 {
		a.FallbackMinLength = 50
	}
	if a.ContextTimeout == 0 {
		a.ContextTimeout = int((10 * time.Minute).Milliseconds())
	}
	if a.CrawlTool == "" {
		a.CrawlTool = "crawling_exa"
	}
	if a.Sandbox.Image == "" {
		a.Sandbox.Image = "jupyter/scipy-notebook:latest"
	}
	if a.Sandbox.WorkspaceRoot == "" {
		a.Sandbox.WorkspaceRoot = filepath.Join(os.TempDir(), "analysis-sandboxes")
	}
	if a.Sandbox.SetupTimeout == 0 {
		a.Sandbox.SetupTimeout = 30000
	}
	if a.Sandbox.Lifetime == 0 {
		a.Sandbox.Lifetime = 300000
	}
	if a.Sandbox.MemoryBytes == 0 {
		a.Sandbox.MemoryBytes = 1 << 30
	}
	if a.Sandbox.NanoCPUs == 0 {
		a.Sandbox.NanoCPUs = 1_000_000_000
	}

	// API defaults
	if cfg.APIs.Gemini.BaseURL == "" {
		cfg.APIs.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.APIs.Gemini.Model == "" {
		cfg.APIs.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.APIs.Gemini.Timeout == 0 {
		cfg.APIs.Gemini.Timeout = 120000
	}
	if cfg.APIs.Gemini.MaxRetries == 0 {
		cfg.APIs.Gemini.MaxRetries = 3
	}
	if cfg.APIs.Exa.MCPEndpoint == "" {
		cfg.APIs.Exa.MCPEndpoint = "https://mcp.exa.ai/mcp"
	}

	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com/v21.0"
	}
	if cfg.WhatsApp.Timeout == 0 {
		cfg.WhatsApp.Timeout = 30000
	}

	if cfg.Session.DedupTTL == 0 {
		cfg.Session.DedupTTL = 60000
	}
	if cfg.Session.SessionTTL == 0 {
		cfg.Session.SessionTTL = int((24 * time.Hour).Milliseconds())
	}

	if cfg.Integrations.AWS.Region == "" {
		cfg.Integrations.AWS.Region = "us-east-1"
	}

	// A4 in inches
	if cfg.Renderer.Timeout == 0 {
		cfg.Renderer.Timeout = 60000
	}
	if cfg.Renderer.PaperWidth == 0 {
		cfg.Renderer.PaperWidth = 8.27
	}
	if cfg.Renderer.PaperHeight == 0 {
		cfg.Renderer.PaperHeight = 11.69
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required")
	}

	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	if cfg.Storage.Minio.Endpoint == "" {
		return fmt.Errorf("storage.minio.endpoint is required")
	}

	if cfg.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("whatsapp.verify_token is required")
	}

	return validateAgent(&cfg.Agent)
}

func validateAgent(a *AgentConfig) error {
	if a.MinCharts < 0 {
		return fmt.Errorf("agent.min_charts must not be negative")
	}
	if a.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds must be at least 1")
	}
	if a.Sandbox.SetupTimeout >= a.Sandbox.Lifetime {
		return fmt.Errorf("agent.sandbox.setup_timeout must be shorter than agent.sandbox.lifetime")
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
