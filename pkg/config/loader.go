package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the YAML configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 * 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Server.Auth.Type == "" {
		c.Server.Auth.Type = "none"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	// Docker defaults
	if c.Docker.Image == "" {
		c.Docker.Image = "projectdiscovery/nuclei:latest"
	}
	if c.Docker.NetworkMode == "" {
		c.Docker.NetworkMode = "bridge"
	}
	if c.Docker.ContainerTTL == "" {
		c.Docker.ContainerTTL = "1h"
	}
	if c.Docker.ReapInterval == "" {
		c.Docker.ReapInterval = "5m"
	}

	// Scanner defaults
	if c.Scanner.TemplateMountPath == "" {
		c.Scanner.TemplateMountPath = "/templates"
	}
	if c.Scanner.ScanTimeout == "" {
		c.Scanner.ScanTimeout = "10m"
	}

	// Template library defaults
	if c.Templates.Dir == "" {
		c.Templates.Dir = "/var/lib/scan-orchestrator/templates"
	}

	// Queue defaults
	if c.Queues.ScanWorkers == 0 {
		c.Queues.ScanWorkers = 2
	}
	if c.Queues.PipelineWorkers == 0 {
		c.Queues.PipelineWorkers = 1
	}
	if c.Queues.GenerateWorkers == 0 {
		c.Queues.GenerateWorkers = 4
	}
	if c.Queues.ValidateWorkers == 0 {
		c.Queues.ValidateWorkers = 2
	}
	if c.Queues.RefineWorkers == 0 {
		c.Queues.RefineWorkers = 2
	}
	if c.Queues.ScanCap == 0 {
		c.Queues.ScanCap = 1000
	}
	if c.Queues.PipelineCap == 0 {
		c.Queues.PipelineCap = 1000
	}
	if c.Queues.JobTimeout == "" {
		c.Queues.JobTimeout = "15m"
	}

	// LLM defaults
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:11434"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3.1:8b"
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "120s"
	}

	// CVE feed defaults
	if c.CVEFeed.BaseURL == "" {
		c.CVEFeed.BaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	}
	if c.CVEFeed.Timeout == "" {
		c.CVEFeed.Timeout = "60s"
	}
	if c.CVEFeed.Window == "" {
		c.CVEFeed.Window = "168h"
	}
	if c.CVEFeed.PerPage == 0 {
		c.CVEFeed.PerPage = 200
	}

	// Pipeline defaults
	if c.Pipeline.MaxBatch == 0 {
		c.Pipeline.MaxBatch = 25
	}
	if c.Pipeline.Schedule == "" {
		c.Pipeline.Schedule = "0 3 * * *"
	}
}

// Validate checks the configuration for required fields and valid values
func (c *Config) Validate() error {
	if err := validateAuthConfig(c.Server.Auth); err != nil {
		return fmt.Errorf("server.auth: %w", err)
	}

	if c.Pipeline.Enabled && c.Pipeline.ValidationTarget == "" {
		return fmt.Errorf("pipeline.validation_target is required when pipeline.enabled is true")
	}

	durations := map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"docker.container_ttl":    c.Docker.ContainerTTL,
		"docker.reap_interval":    c.Docker.ReapInterval,
		"scanner.scan_timeout":    c.Scanner.ScanTimeout,
		"queues.job_timeout":      c.Queues.JobTimeout,
		"llm.timeout":             c.LLM.Timeout,
		"cve_feed.timeout":        c.CVEFeed.Timeout,
		"cve_feed.window":         c.CVEFeed.Window,
	}
	for name, value := range durations {
		if _, err := c.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

func validateAuthConfig(auth AuthConfig) error {
	if auth.Type != "hmac" && auth.Type != "bearer" && auth.Type != "none" {
		return fmt.Errorf("invalid auth type '%s', must be 'hmac', 'bearer', or 'none'", auth.Type)
	}

	if (auth.Type == "hmac" || auth.Type == "bearer") && auth.Secret == "" {
		return fmt.Errorf("secret is required when auth type is '%s'", auth.Type)
	}

	return nil
}
