// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration consumed by the broker and
// connector binaries. Defaults are filled in before unmarshalling so a
// minimal file stays minimal.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectorToken binds an accepted connector token to the upstream
// credential injected into its requests. LLMAPIKey may be empty.
type ConnectorToken struct {
	Token     string `yaml:"token"`
	LLMAPIKey string `yaml:"llm_api_key"`
}

// Broker is the broker process configuration.
type Broker struct {
	APIAddr     string `yaml:"api_addr"`
	ConnectAddr string `yaml:"connect_addr"`
	HealthAddr  string `yaml:"health_addr"`

	UserKeys           []string         `yaml:"user_keys"`
	Connectors         []ConnectorToken `yaml:"connectors"`
	ConnectorJWTSecret string           `yaml:"connector_jwt_secret"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	MaxChunkBytes int `yaml:"max_chunk_bytes"`
	MaxBodyBytes  int `yaml:"max_body_bytes"`
	ChunkBuffer   int `yaml:"chunk_buffer"`
}

// Connector is the connector process configuration.
type Connector struct {
	BrokerURL   string   `yaml:"broker_url"`
	Token       string   `yaml:"token"`
	Models      []string `yaml:"models"`
	UpstreamURL string   `yaml:"upstream_url"`

	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`

	MaxChunkBytes int `yaml:"max_chunk_bytes"`
	MaxBodyBytes  int `yaml:"max_body_bytes"`
}

func defaultBroker() *Broker {
	return &Broker{
		APIAddr:        ":8443",
		ConnectAddr:    ":8444",
		HealthAddr:     ":8080",
		RequestTimeout: 300 * time.Second,
		AuthTimeout:    10 * time.Second,
		DrainTimeout:   30 * time.Second,
		ChunkBuffer:    8,
	}
}

func defaultConnector() *Connector {
	return &Connector{
		UpstreamURL:     "http://127.0.0.1:11434",
		UpstreamTimeout: 300 * time.Second,
		DrainTimeout:    30 * time.Second,
		BackoffBase:     time.Second,
		BackoffCap:      60 * time.Second,
	}
}

// LoadBroker reads and validates a broker configuration.
func LoadBroker(path string) (*Broker, error) {
	cfg := defaultBroker()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if len(cfg.UserKeys) == 0 {
		return nil, errors.New("config: at least one user key is required")
	}
	if len(cfg.Connectors) == 0 && cfg.ConnectorJWTSecret == "" {
		return nil, errors.New("config: no connector tokens and no JWT secret configured")
	}
	return cfg, nil
}

// LoadConnector reads and validates a connector configuration.
func LoadConnector(path string) (*Connector, error) {
	cfg := defaultConnector()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("config: broker_url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("config: token is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("config: at least one model is required")
	}
	return cfg, nil
}

func load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// CredentialFor returns the upstream credential bound to a connector
// subject, if any.
func (b *Broker) CredentialFor(subject string) string {
	for _, c := range b.Connectors {
		if c.Token == subject {
			return c.LLMAPIKey
		}
	}
	return ""
}

// Tokens returns the static connector token set.
func (b *Broker) Tokens() []string {
	out := make([]string, 0, len(b.Connectors))
	for _, c := range b.Connectors {
		out = append(out, c.Token)
	}
	return out
}
