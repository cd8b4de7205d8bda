package config

import "time"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Docker    DockerConfig    `yaml:"docker"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Templates TemplatesConfig `yaml:"templates"`
	Queues    QueuesConfig    `yaml:"queues"`
	LLM       LLMConfig       `yaml:"llm"`
	CVEFeed   CVEFeedConfig   `yaml:"cve_feed"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int        `yaml:"port"`
	ReadTimeout     string     `yaml:"read_timeout"`
	WriteTimeout    string     `yaml:"write_timeout"`
	MaxRequestSize  int64      `yaml:"max_request_size"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	Auth            AuthConfig `yaml:"auth"`
}

// AuthConfig defines authentication settings for the API
type AuthConfig struct {
	Type   string `yaml:"type"`   // bearer, hmac, or none
	Secret string `yaml:"secret"` // bearer token or HMAC secret
}

// RedisConfig holds the job store connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DockerConfig holds container runtime settings
type DockerConfig struct {
	Host         string `yaml:"host"` // empty means environment defaults
	Image        string `yaml:"image"`
	NetworkMode  string `yaml:"network_mode"`
	NanoCPUs     int64  `yaml:"nano_cpus"`
	MemoryBytes  int64  `yaml:"memory_bytes"`
	PidsLimit    int64  `yaml:"pids_limit"`
	ContainerTTL string `yaml:"container_ttl"`
	ReapInterval string `yaml:"reap_interval"`
}

// ScannerConfig holds scan execution settings
type ScannerConfig struct {
	TemplateMountPath string `yaml:"template_mount_path"`
	ScanTimeout       string `yaml:"scan_timeout"`
}

// TemplatesConfig holds template library settings
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// QueuesConfig holds named queue settings
type QueuesConfig struct {
	ScanWorkers     int    `yaml:"scan_workers"`
	PipelineWorkers int    `yaml:"pipeline_workers"`
	GenerateWorkers int    `yaml:"generate_workers"`
	ValidateWorkers int    `yaml:"validate_workers"`
	RefineWorkers   int    `yaml:"refine_workers"`
	ScanCap         int64  `yaml:"scan_cap"`
	PipelineCap     int64  `yaml:"pipeline_cap"`
	JobTimeout      string `yaml:"job_timeout"`
}

// LLMConfig holds the template generation model settings
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	Seed        int     `yaml:"seed"`
}

// CVEFeedConfig holds the vulnerability feed settings
type CVEFeedConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
	Window  string `yaml:"window"`
	PerPage int    `yaml:"per_page"`
}

// PipelineConfig holds template synthesis pipeline settings
type PipelineConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ValidationTarget string `yaml:"validation_target"`
	MaxBatch         int    `yaml:"max_batch"`
	Schedule         string `yaml:"schedule"` // cron expression
}

// ParseDuration converts string duration to time.Duration
func (c *Config) ParseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}
