// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the edge service configuration.
//
// Precedence is environment variables over YAML file values over built-in
// defaults. Validation uses go-playground/validator struct tags so a bad
// config fails loudly at startup instead of at first use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds all edge service settings.
type Config struct {
	// Port is the local proxy's HTTP port.
	Port int `yaml:"port" validate:"gt=0,lte=65535"`

	// BackendURL is the hosted BaaS REST root, e.g.
	// https://proj.supabase.co/rest/v1.
	BackendURL string `yaml:"backend_url" validate:"required,url"`

	// BackendKey authenticates REST and realtime traffic.
	BackendKey string `yaml:"backend_key"`

	// RealtimeURL is the change-feed websocket endpoint. Empty disables
	// realtime; subscriptions fall back to polling.
	RealtimeURL string `yaml:"realtime_url" validate:"omitempty,url"`

	// VersionURL serves the deploy version document. Empty disables
	// update checks.
	VersionURL string `yaml:"version_url" validate:"omitempty,url"`

	// DeployVersion identifies the running build for cache tagging and
	// update comparison.
	DeployVersion string `yaml:"deploy_version"`

	// CachePath is the Badger directory for the persistent cache.
	CachePath string `yaml:"cache_path" validate:"required"`

	// PolicyFile is an optional YAML file of cache policy overrides,
	// hot-reloaded on change.
	PolicyFile string `yaml:"policy_file"`

	// UploadBucket is the object-storage bucket for uploads. Empty
	// disables the upload endpoint.
	UploadBucket string `yaml:"upload_bucket"`

	// GCSKeyPath is the service account key file for the SDK upload
	// fallback. Empty uses ambient credentials.
	GCSKeyPath string `yaml:"gcs_key_path"`

	// OTelEndpoint is the OpenTelemetry collector address.
	OTelEndpoint string `yaml:"otel_endpoint" validate:"required"`

	// GinMode is debug, release, or test.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// HTTPRate and HTTPBurst shape the proxy's request admission.
	HTTPRate  float64 `yaml:"http_rate" validate:"gt=0"`
	HTTPBurst int     `yaml:"http_burst" validate:"gt=0"`

	// FetchTimeout bounds one upstream fetch through the cache.
	FetchTimeout time.Duration `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:         12310,
		OTelEndpoint: "localhost:4317",
		CachePath:    "./data/edge-cache",
		GinMode:      "release",
		HTTPRate:     100,
		HTTPBurst:    200,
		FetchTimeout: 8 * time.Second,
	}
}

// yamlConfig mirrors Config for file decoding, with durations as strings.
type yamlConfig struct {
	Config       `yaml:",inline"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variables, then
// validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		yc := yamlConfig{Config: cfg}
		if err := yaml.Unmarshal(raw, &yc); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg = yc.Config
		if yc.FetchTimeout != "" {
			d, err := time.ParseDuration(yc.FetchTimeout)
			if err != nil {
				return Config{}, fmt.Errorf("invalid fetch_timeout %q: %w", yc.FetchTimeout, err)
			}
			cfg.FetchTimeout = d
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("invalid configuration: fetch timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("EDGE_PORT", cfg.Port)
	cfg.BackendURL = envString("EDGE_BACKEND_URL", cfg.BackendURL)
	cfg.BackendKey = envString("EDGE_BACKEND_KEY", cfg.BackendKey)
	cfg.RealtimeURL = envString("EDGE_REALTIME_URL", cfg.RealtimeURL)
	cfg.VersionURL = envString("EDGE_VERSION_URL", cfg.VersionURL)
	cfg.DeployVersion = envString("EDGE_DEPLOY_VERSION", cfg.DeployVersion)
	cfg.CachePath = envString("EDGE_CACHE_PATH", cfg.CachePath)
	cfg.PolicyFile = envString("EDGE_POLICY_FILE", cfg.PolicyFile)
	cfg.UploadBucket = envString("EDGE_UPLOAD_BUCKET", cfg.UploadBucket)
	cfg.GCSKeyPath = envString("EDGE_GCS_KEY_PATH", cfg.GCSKeyPath)
	cfg.OTelEndpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint)
	cfg.GinMode = envString("GIN_MODE", cfg.GinMode)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
