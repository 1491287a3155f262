package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/critterwatch/internal/frames"
	"github.com/banshee-data/critterwatch/internal/presence"
)

// DefaultConfigPath is where critterwatch looks for its config when no
// -config flag is given.
const DefaultConfigPath = "config/critterwatch.json"

// Source kinds understood by the frame source factory.
const (
	SourceStdin  = "stdin"
	SourceFile   = "file"
	SourceSerial = "serial"
	SourceUDP    = "udp"
	SourcePCAP   = "pcap"
)

// Config is the root critterwatch configuration. Every field is optional:
// the Get* accessors return the default for anything the file leaves unset,
// so partial configs are safe.
type Config struct {
	// Presence filter
	WatchLabels    []string `json:"watch_labels,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	SustainSeconds *float64 `json:"sustain_seconds,omitempty"`

	StreamName *string       `json:"stream_name,omitempty"`
	Source     *SourceConfig `json:"source,omitempty"`

	DatabasePath   *string `json:"database_path,omitempty"`
	Listen         *string `json:"listen,omitempty"`
	GRPCListen     *string `json:"grpc_listen,omitempty"`
	StatusInterval *string `json:"status_interval,omitempty"` // duration string like "30s"

	WebhookURL     *string `json:"webhook_url,omitempty"`
	NotifyCooldown *string `json:"notify_cooldown,omitempty"` // duration string like "10s"
}

// SourceConfig selects where detection frames come from.
type SourceConfig struct {
	Kind    string              `json:"kind"`
	Path    string              `json:"path,omitempty"`    // file, serial device or pcap file
	Address string              `json:"address,omitempty"` // udp listen address
	UDPPort int                 `json:"udp_port,omitempty"`
	RcvBuf  int                 `json:"rcv_buf,omitempty"`
	Serial  *frames.PortOptions `json:"serial,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// DefaultConfig returns a Config with every field populated with its default.
func DefaultConfig() *Config {
	return &Config{
		WatchLabels:    []string{"cat", "racoon", "dog"},
		ScoreThreshold: ptrFloat64(0.5),
		SustainSeconds: ptrFloat64(1.0),
		StreamName:     ptrString("camera"),
		Source:         &SourceConfig{Kind: SourceStdin},
		DatabasePath:   ptrString("critterwatch.db"),
		Listen:         ptrString(":8080"),
		GRPCListen:     ptrString(""),
		StatusInterval: ptrString("30s"),
		WebhookURL:     ptrString(""),
		NotifyCooldown: ptrString("10s"),
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the values that are set. Zero or negative thresholds are
// accepted; they make the filter degenerate but are not an error.
func (c *Config) Validate() error {
	if c.ScoreThreshold != nil && (math.IsNaN(*c.ScoreThreshold) || math.IsInf(*c.ScoreThreshold, 0)) {
		return fmt.Errorf("score_threshold must be finite, got %f", *c.ScoreThreshold)
	}
	if c.SustainSeconds != nil && (math.IsNaN(*c.SustainSeconds) || math.IsInf(*c.SustainSeconds, 0)) {
		return fmt.Errorf("sustain_seconds must be finite, got %f", *c.SustainSeconds)
	}
	for i, l := range c.WatchLabels {
		if l == "" {
			return fmt.Errorf("watch_labels[%d] is empty", i)
		}
	}

	for name, v := range map[string]*string{
		"status_interval": c.StatusInterval,
		"notify_cooldown": c.NotifyCooldown,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.Source != nil {
		if err := c.Source.Validate(); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}

	return nil
}

// Validate checks that the source kind is known and has what it needs.
func (s *SourceConfig) Validate() error {
	switch s.Kind {
	case SourceStdin:
	case SourceFile, SourcePCAP:
		if s.Path == "" {
			return fmt.Errorf("%s source requires a path", s.Kind)
		}
	case SourceSerial:
		if s.Path == "" {
			return fmt.Errorf("serial source requires a device path")
		}
		if s.Serial != nil {
			if _, err := s.Serial.Normalize(); err != nil {
				return err
			}
		}
	case SourceUDP:
		if s.Address == "" && s.UDPPort == 0 {
			return fmt.Errorf("udp source requires an address or udp_port")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", s.RcvBuf)
	}
	return nil
}

// GetWatchLabels returns the watched labels as an immutable set.
func (c *Config) GetWatchLabels() presence.LabelSet {
	if len(c.WatchLabels) == 0 {
		return presence.NewLabelSet(DefaultConfig().WatchLabels...)
	}
	return presence.NewLabelSet(c.WatchLabels...)
}

// GetScoreThreshold returns the score_threshold value or the default.
func (c *Config) GetScoreThreshold() float64 {
	if c.ScoreThreshold == nil {
		return 0.5
	}
	return *c.ScoreThreshold
}

// GetSustain returns sustain_seconds as a time.Duration.
func (c *Config) GetSustain() time.Duration {
	if c.SustainSeconds == nil {
		return time.Second
	}
	return time.Duration(*c.SustainSeconds * float64(time.Second))
}

// GetStreamName returns the stream_name value or the default.
func (c *Config) GetStreamName() string {
	if c.StreamName == nil || *c.StreamName == "" {
		return "camera"
	}
	return *c.StreamName
}

// GetSource returns the source config, defaulting to stdin.
func (c *Config) GetSource() SourceConfig {
	if c.Source == nil {
		return SourceConfig{Kind: SourceStdin}
	}
	return *c.Source
}

// GetDatabasePath returns the database_path value or the default.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "critterwatch.db"
	}
	return *c.DatabasePath
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetGRPCListen returns the gRPC health listen address; empty disables it.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetStatusInterval parses and returns the StatusInterval as a time.Duration.
func (c *Config) GetStatusInterval() time.Duration {
	return parseDurationOr(c.StatusInterval, 30*time.Second)
}

// GetWebhookURL returns the webhook_url value; empty disables the webhook.
func (c *Config) GetWebhookURL() string {
	if c.WebhookURL == nil {
		return ""
	}
	return *c.WebhookURL
}

// GetNotifyCooldown parses and returns the NotifyCooldown as a time.Duration.
func (c *Config) GetNotifyCooldown() time.Duration {
	return parseDurationOr(c.NotifyCooldown, 10*time.Second)
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
