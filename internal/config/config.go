// Package config provides configuration loading and validation for chunkd.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when CHUNKD_CONFIG is unset.
const DefaultPath = "chunkd.yaml"

// Config holds all configuration for a chunkd run.
type Config struct {
	Cluster       ClusterConfig       `yaml:"cluster"`
	Defrag        DefragConfig        `yaml:"defrag"`
	Report        ReportConfig        `yaml:"report"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ClusterConfig describes how to reach the cluster's router (mongos).
type ClusterConfig struct {
	URI                string `yaml:"uri" env:"CHUNKD_CLUSTER_URI"`
	AppName            string `yaml:"appName" env:"CHUNKD_APP_NAME"`
	ConnectTimeoutMs   int64  `yaml:"connectTimeoutMs" env:"CHUNKD_CONNECT_TIMEOUT_MS"`
	MaxConnectAttempts int    `yaml:"maxConnectAttempts" env:"CHUNKD_MAX_CONNECT_ATTEMPTS"`
}

// DefragConfig controls the merge-only defragmentation pass.
type DefragConfig struct {
	// Namespace is the fully qualified "database.collection" to defragment.
	Namespace string `yaml:"namespace" env:"CHUNKD_NAMESPACE"`

	// EstimatedChunkSizeKB is the size assumed per chunk while accumulating a
	// candidate, before the exact size is measured. The default projects that
	// chunks are about 40% full under the 64MB default chunk size.
	EstimatedChunkSizeKB int64 `yaml:"estimatedChunkSizeKB" env:"CHUNKD_ESTIMATED_CHUNK_SIZE_KB"`

	// TargetChunkSizeMB is used by plan runs when the cluster has no usable
	// chunksize setting. Apply runs always take the target from the cluster.
	TargetChunkSizeMB int64 `yaml:"targetChunkSizeMB" env:"CHUNKD_TARGET_CHUNK_SIZE_MB"`

	// MaxConcurrentMinorMerges bounds in-flight merges on shards already at
	// the collection version. These bump only the minor version and do not
	// stall routers.
	MaxConcurrentMinorMerges int `yaml:"maxConcurrentMinorMerges" env:"CHUNKD_MAX_CONCURRENT_MINOR_MERGES"`

	// MaxConcurrentMajorMerges bounds in-flight merges on shards still below
	// the collection version. The first such merge per shard forces a major
	// version bump and a router refresh stall, so these stay serialized.
	MaxConcurrentMajorMerges int `yaml:"maxConcurrentMajorMerges" env:"CHUNKD_MAX_CONCURRENT_MAJOR_MERGES"`
}

// ReportConfig controls the run report. A report is written only when a local
// path or an S3 bucket is configured.
type ReportConfig struct {
	Path        string   `yaml:"path" env:"CHUNKD_REPORT_PATH"`
	Format      string   `yaml:"format" env:"CHUNKD_REPORT_FORMAT"`
	Compression string   `yaml:"compression" env:"CHUNKD_REPORT_COMPRESSION"`
	S3          S3Config `yaml:"s3"`
}

// S3Config describes an object-store destination for run reports.
type S3Config struct {
	Bucket       string `yaml:"bucket" env:"CHUNKD_S3_BUCKET"`
	Region       string `yaml:"region" env:"CHUNKD_S3_REGION"`
	Endpoint     string `yaml:"endpoint" env:"CHUNKD_S3_ENDPOINT"`
	AccessKey    string `yaml:"accessKey" env:"CHUNKD_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"CHUNKD_S3_SECRET_KEY"`
	Prefix       string `yaml:"prefix" env:"CHUNKD_S3_PREFIX"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"CHUNKD_S3_PATH_STYLE"`
}

// EventsConfig enables the merge-event audit stream when brokers are set.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" env:"CHUNKD_EVENTS_BROKERS"`
	Topic   string   `yaml:"topic" env:"CHUNKD_EVENTS_TOPIC"`
}

// ObservabilityConfig controls logging and the optional HTTP endpoint.
type ObservabilityConfig struct {
	// StatusAddr serves /healthz, /statusz, /metrics and pprof while the run
	// is in progress. Empty disables the endpoint.
	StatusAddr string `yaml:"statusAddr" env:"CHUNKD_STATUS_ADDR"`
	LogLevel   string `yaml:"logLevel" env:"CHUNKD_LOG_LEVEL"`
	LogFormat  string `yaml:"logFormat" env:"CHUNKD_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			AppName:            "chunkd",
			ConnectTimeoutMs:   10000,
			MaxConnectAttempts: 5,
		},
		Defrag: DefragConfig{
			EstimatedChunkSizeKB:     64 * 1024 * 40 / 100, // 40% of the 64MB default chunk size
			TargetChunkSizeMB:        128,
			MaxConcurrentMinorMerges: 8,
			MaxConcurrentMajorMerges: 1,
		},
		Report: ReportConfig{
			Format:      "jsonl",
			Compression: "none",
		},
		Events: EventsConfig{
			Topic: "chunkd.merges",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load reads configuration from the path in CHUNKD_CONFIG, falling back to
// ./chunkd.yaml when present, and applies environment overrides. A missing
// file is not an error; defaults are used.
func Load() (*Config, error) {
	path := os.Getenv("CHUNKD_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from the given YAML file (skipped when
// empty) and applies environment overrides on top.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv walks the struct tree and overrides fields whose `env` variable is
// set. Supported field kinds: string, bool, int/int64, []string (comma
// separated).
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			field.SetBool(b)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			field.SetInt(n)
		case reflect.Slice:
			parts := strings.Split(raw, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		default:
			return fmt.Errorf("config: %s: unsupported field kind %s", name, field.Kind())
		}
	}
	return nil
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	if c.Cluster.URI == "" {
		return fmt.Errorf("config: cluster.uri is required")
	}
	if c.Defrag.Namespace == "" {
		return fmt.Errorf("config: defrag.namespace is required")
	}
	if c.Defrag.EstimatedChunkSizeKB <= 0 {
		return fmt.Errorf("config: defrag.estimatedChunkSizeKB must be positive")
	}
	if c.Defrag.TargetChunkSizeMB <= 0 {
		return fmt.Errorf("config: defrag.targetChunkSizeMB must be positive")
	}
	if c.Defrag.MaxConcurrentMinorMerges < 1 {
		return fmt.Errorf("config: defrag.maxConcurrentMinorMerges must be at least 1")
	}
	if c.Defrag.MaxConcurrentMajorMerges < 1 {
		return fmt.Errorf("config: defrag.maxConcurrentMajorMerges must be at least 1")
	}
	switch c.Report.Format {
	case "jsonl", "parquet":
	default:
		return fmt.Errorf("config: report.format %q not supported (jsonl, parquet)", c.Report.Format)
	}
	switch c.Report.Compression {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("config: report.compression %q not supported (none, gzip, snappy, lz4, zstd)", c.Report.Compression)
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return fmt.Errorf("config: events.topic is required when brokers are set")
	}
	return nil
}
