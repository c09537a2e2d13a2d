// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Storage       StorageConfig           `mapstructure:"storage"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Agent         AgentConfig             `mapstructure:"agent"`
	APIs          APIsConfig              `mapstructure:"apis"`
	WhatsApp      WhatsAppConfig          `mapstructure:"whatsapp"`
	Session       SessionConfig           `mapstructure:"session"`
	Integrations  IntegrationConfig       `mapstructure:"integrations"`
	Renderer      RendererConfig          `mapstructure:"renderer"`
	Server        ServerConfig            `mapstructure:"server"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	ProcessID      string `mapstructure:"process_id"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig points at the S3-compatible bucket holding datasets, charts and reports.
type StorageConfig struct {
	Minio struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		UseSSL    bool   `mapstructure:"use_ssl"`
		Region    string `mapstructure:"region"`
	} `mapstructure:"minio"`
	PresignExpiry int `mapstructure:"presign_expiry"` // milliseconds
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Analysis Core ---

// AgentConfig tunes the analysis loop.
type AgentConfig struct {
	MinCharts         int           `mapstructure:"min_charts"`
	MaxRounds         int           `mapstructure:"max_rounds"`
	OutputCharLimit   int           `mapstructure:"output_char_limit"`
	FallbackMinLength int           `mapstructure:"fallback_min_length"`
	ContextTimeout    int           `mapstructure:"context_timeout"` // milliseconds
	CrawlTool         string        `mapstructure:"crawl_tool"`
	Sandbox           SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig describes the per-run Docker sandbox.
type SandboxConfig struct {
	Image           string `mapstructure:"image"`
	WorkspaceRoot   string `mapstructure:"workspace_root"`
	SetupTimeout    int    `mapstructure:"setup_timeout"` // milliseconds
	Lifetime        int    `mapstructure:"lifetime"`      // milliseconds
	MemoryBytes     int64  `mapstructure:"memory_bytes"`
	NanoCPUs        int64  `mapstructure:"nano_cpus"`
	NetworkDisabled bool   `mapstructure:"network_disabled"`
}

// APIsConfig holds settings for external API integrations.
type APIsConfig struct {
	Gemini struct {
		BaseURL    string `mapstructure:"base_url"`
		APIKey     string `mapstructure:"api_key"`
		Model      string `mapstructure:"model"`
		Timeout    int    `mapstructure:"timeout"` // milliseconds
		MaxRetries int    `mapstructure:"max_retries"`
	} `mapstructure:"gemini"`

	Exa struct {
		MCPEndpoint string `mapstructure:"mcp_endpoint"`
		APIKey      string `mapstructure:"api_key"`
	} `mapstructure:"exa"`
}

// WhatsAppConfig holds Graph API credentials and webhook verification.
type WhatsAppConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	AccessToken   string `mapstructure:"access_token"`
	VerifyToken   string `mapstructure:"verify_token"`
	Timeout       int    `mapstructure:"timeout"` // milliseconds
}

// SessionConfig holds Redis key lifetimes for the webhook.
type SessionConfig struct {
	DedupTTL   int `mapstructure:"dedup_ttl"`   // milliseconds
	SessionTTL int `mapstructure:"session_ttl"` // milliseconds
}

// IntegrationConfig holds settings for outbound notification channels.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// RendererConfig controls headless Chrome PDF output.
type RendererConfig struct {
	ChromePath  string  `mapstructure:"chrome_path"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
	PaperWidth  float64 `mapstructure:"paper_width"`
	PaperHeight float64 `mapstructure:"paper_height"`
}

// ServerConfig is the HTTP listener for health, metrics and the webhook.
type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}
