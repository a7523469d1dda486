package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RelayConfig holds the relay tuning parameters. Every field is optional;
// the Get* methods fall back to the built-in defaults for unset fields so
// partial files are safe.
type RelayConfig struct {
	// Display scaling of the lateral position in outbound packets
	PositionScale *float64 `json:"position_scale,omitempty"`
	MaxPositionM  *float64 `json:"max_position_m,omitempty"`

	// Publish cadence and hand-off queue
	PublishInterval *string `json:"publish_interval,omitempty"` // duration string like "50ms"
	QueueCapacity   *int    `json:"queue_capacity,omitempty"`

	// Serial reader
	ReadTimeout  *string `json:"read_timeout,omitempty"`
	RetryBackoff *string `json:"retry_backoff,omitempty"`
	ReadChunk    *int    `json:"read_chunk,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRelayConfig returns a RelayConfig with every field set to its
// default value.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PositionScale:   ptrFloat64(3.0),
		MaxPositionM:    ptrFloat64(10.0),
		PublishInterval: ptrString("50ms"),
		QueueCapacity:   ptrInt(10),
		ReadTimeout:     ptrString("50ms"),
		RetryBackoff:    ptrString("100ms"),
		ReadChunk:       ptrInt(64),
	}
}

// LoadRelayConfig loads a RelayConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RelayConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RelayConfig) Validate() error {
	if c.PositionScale != nil && *c.PositionScale <= 0 {
		return fmt.Errorf("position_scale must be positive, got %f", *c.PositionScale)
	}
	if c.MaxPositionM != nil && *c.MaxPositionM <= 0 {
		return fmt.Errorf("max_position_m must be positive, got %f", *c.MaxPositionM)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", *c.QueueCapacity)
	}
	if c.ReadChunk != nil && *c.ReadChunk < 1 {
		return fmt.Errorf("read_chunk must be at least 1, got %d", *c.ReadChunk)
	}

	for name, v := range map[string]*string{
		"publish_interval": c.PublishInterval,
		"read_timeout":     c.ReadTimeout,
		"retry_backoff":    c.RetryBackoff,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetPositionScale returns the position_scale value or the default.
func (c *RelayConfig) GetPositionScale() float64 {
	if c.PositionScale == nil {
		return 3.0
	}
	return *c.PositionScale
}

// GetMaxPositionM returns the max_position_m value or the default.
func (c *RelayConfig) GetMaxPositionM() float64 {
	if c.MaxPositionM == nil {
		return 10.0
	}
	return *c.MaxPositionM
}

// GetPublishInterval parses and returns the PublishInterval as a time.Duration.
func (c *RelayConfig) GetPublishInterval() time.Duration {
	return durationOr(c.PublishInterval, 50*time.Millisecond)
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *RelayConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 10
	}
	return *c.QueueCapacity
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *RelayConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 50*time.Millisecond)
}

// GetRetryBackoff parses and returns the RetryBackoff as a time.Duration.
func (c *RelayConfig) GetRetryBackoff() time.Duration {
	return durationOr(c.RetryBackoff, 100*time.Millisecond)
}

// GetReadChunk returns the read_chunk value or the default.
func (c *RelayConfig) GetReadChunk() int {
	if c.ReadChunk == nil {
		return 64
	}
	return *c.ReadChunk
}
