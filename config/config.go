// Package config loads the routing service configuration from defaults, an
// optional JSON or YAML file and HIVEROUTE_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/hiveroute/errors"
	"github.com/c360/hiveroute/pkg/buffer"
	"github.com/c360/hiveroute/pkg/tlsutil"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HIVEROUTE"

// Duration is a time.Duration read from strings like "30s" in JSON and YAML.
// Plain numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	case int:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Config is the complete service configuration
type Config struct {
	NodeID  string        `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	RPC     RPCConfig     `json:"rpc" yaml:"rpc"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls" yaml:"urls"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// URL joins the server list into the form nats.Connect accepts.
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// RPCConfig defines request/response transport settings
type RPCConfig struct {
	RequestSubject  string   `json:"request_subject" yaml:"request_subject"`
	ResponseSubject string   `json:"response_subject" yaml:"response_subject"`
	ConsumerGroup   string   `json:"consumer_group" yaml:"consumer_group"`
	Partitions      int      `json:"partitions" yaml:"partitions"`
	RequestWorkers  int      `json:"request_workers" yaml:"request_workers"`
	ListenerWorkers int      `json:"listener_workers" yaml:"listener_workers"`
	WorkerThreads   int      `json:"worker_threads" yaml:"worker_threads"`
	BufferSize      int      `json:"buffer_size" yaml:"buffer_size"`
	WaitStrategy    string   `json:"wait_strategy" yaml:"wait_strategy"`
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
	PingAttempts    int      `json:"ping_attempts" yaml:"ping_attempts"`
	PingTimeout     Duration `json:"ping_timeout" yaml:"ping_timeout"`
	RateLimit       float64  `json:"rate_limit" yaml:"rate_limit"`
	RateBurst       int      `json:"rate_burst" yaml:"rate_burst"`
}

// SyncConfig defines the filter registry sync channel
type SyncConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Stream         string   `json:"stream" yaml:"stream"`
	Subject        string   `json:"subject" yaml:"subject"`
	DedupeTTL      Duration `json:"dedupe_ttl" yaml:"dedupe_ttl"`
	PublishTimeout Duration `json:"publish_timeout" yaml:"publish_timeout"`
	MaxAge         Duration `json:"max_age" yaml:"max_age"`
}

// Event store backends.
const (
	StoreMemory    = "memory"
	StoreJetStream = "jetstream"
)

// StoreConfig selects where command and notification history is kept.
// Capacity applies to the memory backend; Bucket and TTL to JetStream.
type StoreConfig struct {
	Backend  string   `json:"backend" yaml:"backend"`
	Capacity int      `json:"capacity" yaml:"capacity"`
	Bucket   string   `json:"bucket" yaml:"bucket"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// LogConfig selects level and output format
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
			Name:          "hiveroute",
		},
		RPC: RPCConfig{
			RequestSubject:  "request_topic",
			ResponseSubject: "response_topic",
			ConsumerGroup:   "request_consumer_group",
			Partitions:      3,
			RequestWorkers:  1,
			ListenerWorkers: 1,
			WorkerThreads:   1,
			BufferSize:      1024,
			WaitStrategy:    buffer.Blocking.String(),
			CallTimeout:     Duration(30 * time.Second),
			PingAttempts:    10,
			PingTimeout:     Duration(3 * time.Second),
		},
		Sync: SyncConfig{
			Enabled:        true,
			Stream:         "FILTER_SYNC",
			Subject:        "filter.sync",
			DedupeTTL:      Duration(5 * time.Minute),
			PublishTimeout: Duration(5 * time.Second),
			MaxAge:         Duration(time.Hour),
		},
		Store: StoreConfig{
			Backend:  StoreMemory,
			Capacity: 10000,
			Bucket:   "DEVICE_EVENTS",
			TTL:      Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load builds a Config from defaults, the optional file at path and the
// environment, then validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Load", "read "+path)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Load", "environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile decodes the file over the current values; fields absent from the
// file keep their defaults.
func (c *Config) mergeFile(path string) error {
	format, err := configFormat(path)
	if err != nil {
		return err
	}

	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	if format == "yaml" {
		return yaml.Unmarshal(data, c)
	}
	return json.Unmarshal(data, c)
}

// ApplyEnv overrides fields from HIVEROUTE_* variables.
func (c *Config) ApplyEnv() error {
	strVars := map[string]*string{
		"NODE_ID":              &c.NodeID,
		"NATS_USERNAME":        &c.NATS.Username,
		"NATS_PASSWORD":        &c.NATS.Password,
		"NATS_TOKEN":           &c.NATS.Token,
		"NATS_NAME":            &c.NATS.Name,
		"NATS_TLS_CERT_FILE":   &c.NATS.TLS.CertFile,
		"NATS_TLS_KEY_FILE":    &c.NATS.TLS.KeyFile,
		"RPC_REQUEST_SUBJECT":  &c.RPC.RequestSubject,
		"RPC_RESPONSE_SUBJECT": &c.RPC.ResponseSubject,
		"RPC_CONSUMER_GROUP":   &c.RPC.ConsumerGroup,
		"RPC_WAIT_STRATEGY":    &c.RPC.WaitStrategy,
		"SYNC_STREAM":          &c.Sync.Stream,
		"SYNC_SUBJECT":         &c.Sync.Subject,
		"STORE_BACKEND":        &c.Store.Backend,
		"STORE_BUCKET":         &c.Store.Bucket,
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
		"METRICS_PATH":         &c.Metrics.Path,
	}
	for name, field := range strVars {
		if val, ok := lookupEnv(EnvPrefix + "_" + name); ok {
			*field = val
		}
	}

	if val, ok := lookupEnv(EnvPrefix + "_NATS_URLS"); ok {
		c.NATS.URLs = strings.Split(val, ",")
	}

	intVars := map[string]*int{
		"NATS_MAX_RECONNECTS":  &c.NATS.MaxReconnects,
		"RPC_PARTITIONS":       &c.RPC.Partitions,
		"RPC_REQUEST_WORKERS":  &c.RPC.RequestWorkers,
		"RPC_LISTENER_WORKERS": &c.RPC.ListenerWorkers,
		"RPC_WORKER_THREADS":   &c.RPC.WorkerThreads,
		"RPC_BUFFER_SIZE":      &c.RPC.BufferSize,
		"RPC_PING_ATTEMPTS":    &c.RPC.PingAttempts,
		"RPC_RATE_BURST":       &c.RPC.RateBurst,
		"METRICS_PORT":         &c.Metrics.Port,
		"STORE_CAPACITY":       &c.Store.Capacity,
	}
	for name, field := range intVars {
		if val, ok := lookupEnv(EnvPrefix + "_" + name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", EnvPrefix, name, err)
			}
			*field = n
		}
	}

	durVars := map[string]*Duration{
		"RPC_CALL_TIMEOUT":     &c.RPC.CallTimeout,
		"SYNC_DEDUPE_TTL":      &c.Sync.DedupeTTL,
		"SYNC_PUBLISH_TIMEOUT": &c.Sync.PublishTimeout,
		"NATS_RECONNECT_WAIT":  &c.NATS.ReconnectWait,
	}
	for name, field := range durVars {
		if val, ok := lookupEnv(EnvPrefix + "_" + name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", EnvPrefix, name, err)
			}
			*field = Duration(d)
		}
	}

	boolVars := map[string]*bool{
		"NATS_TLS_ENABLED": &c.NATS.TLS.Enabled,
		"SYNC_ENABLED":     &c.Sync.Enabled,
		"METRICS_ENABLED":  &c.Metrics.Enabled,
	}
	for name, field := range boolVars {
		if val, ok := lookupEnv(EnvPrefix + "_" + name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s_%s: %w", EnvPrefix, name, err)
			}
			*field = b
		}
	}

	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(len(c.NATS.URLs) > 0, "nats.urls is required")
	for i, u := range c.NATS.URLs {
		check(strings.TrimSpace(u) != "", fmt.Sprintf("nats.urls[%d] is empty", i))
	}

	if err := c.NATS.TLS.Validate(); err != nil {
		problems = append(problems, "nats.tls: "+err.Error())
	}

	check(isValidSubject(c.RPC.RequestSubject), "rpc.request_subject must be a valid NATS subject")
	check(isValidSubject(c.RPC.ResponseSubject), "rpc.response_subject must be a valid NATS subject")
	check(c.RPC.ConsumerGroup != "", "rpc.consumer_group is required")
	check(c.RPC.Partitions > 0, "rpc.partitions must be positive")
	check(c.RPC.RequestWorkers > 0, "rpc.request_workers must be positive")
	check(c.RPC.ListenerWorkers > 0, "rpc.listener_workers must be positive")
	check(c.RPC.WorkerThreads > 0, "rpc.worker_threads must be positive")
	check(c.RPC.BufferSize > 0, "rpc.buffer_size must be positive")
	check(c.RPC.CallTimeout > 0, "rpc.call_timeout must be positive")
	check(c.RPC.PingAttempts > 0, "rpc.ping_attempts must be positive")
	check(c.RPC.PingTimeout > 0, "rpc.ping_timeout must be positive")
	check(c.RPC.RateLimit >= 0, "rpc.rate_limit cannot be negative")

	if c.Sync.Enabled {
		check(c.Sync.Stream != "", "sync.stream is required when sync is enabled")
		check(isValidSubject(c.Sync.Subject), "sync.subject must be a valid NATS subject")
		check(c.Sync.DedupeTTL > 0, "sync.dedupe_ttl must be positive")
		check(c.Sync.PublishTimeout > 0, "sync.publish_timeout must be positive")
	}

	switch c.Store.Backend {
	case StoreMemory:
		check(c.Store.Capacity > 0, "store.capacity must be positive")
	case StoreJetStream:
		check(c.Store.Bucket != "", "store.bucket is required for the jetstream backend")
		check(c.Store.TTL >= 0, "store.ttl cannot be negative")
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q is not supported", c.Store.Backend))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}

	if c.Metrics.Enabled {
		check(c.Metrics.Port > 0 && c.Metrics.Port < 65536, "metrics.port must be between 1 and 65535")
		check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "check configuration")
	}
	return nil
}

// isValidSubject reports whether s is a literal NATS subject: dot separated
// non-empty tokens without wildcards or whitespace.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || strings.ContainsAny(token, "*> \t\r\n") {
			return false
		}
	}
	return true
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	masked.NATS.TLS.CAFiles = append([]string(nil), c.NATS.TLS.CAFiles...)
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// hostname is used when no node id is configured.
func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "hiveroute"
	}
	return name
}

// ResolvedNodeID returns NodeID, or the host name when it is empty.
func (c *Config) ResolvedNodeID() string {
	if c.NodeID != "" {
		return c.NodeID
	}
	return hostname()
}
