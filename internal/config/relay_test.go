package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultRelayConfig(t *testing.T) {
	cfg := DefaultRelayConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	// the explicit defaults and the getter fallbacks must agree
	empty := &RelayConfig{}
	if cfg.GetPositionScale() != empty.GetPositionScale() || cfg.GetPositionScale() != 3.0 {
		t.Errorf("GetPositionScale() = %f, want 3.0", cfg.GetPositionScale())
	}
	if cfg.GetMaxPositionM() != empty.GetMaxPositionM() || cfg.GetMaxPositionM() != 10.0 {
		t.Errorf("GetMaxPositionM() = %f, want 10.0", cfg.GetMaxPositionM())
	}
	if cfg.GetPublishInterval() != empty.GetPublishInterval() || cfg.GetPublishInterval() != 50*time.Millisecond {
		t.Errorf("GetPublishInterval() = %v, want 50ms", cfg.GetPublishInterval())
	}
	if cfg.GetQueueCapacity() != empty.GetQueueCapacity() || cfg.GetQueueCapacity() != 10 {
		t.Errorf("GetQueueCapacity() = %d, want 10", cfg.GetQueueCapacity())
	}
	if cfg.GetReadTimeout() != empty.GetReadTimeout() || cfg.GetReadTimeout() != 50*time.Millisecond {
		t.Errorf("GetReadTimeout() = %v, want 50ms", cfg.GetReadTimeout())
	}
	if cfg.GetRetryBackoff() != empty.GetRetryBackoff() || cfg.GetRetryBackoff() != 100*time.Millisecond {
		t.Errorf("GetRetryBackoff() = %v, want 100ms", cfg.GetRetryBackoff())
	}
	if cfg.GetReadChunk() != empty.GetReadChunk() || cfg.GetReadChunk() != 64 {
		t.Errorf("GetReadChunk() = %d, want 64", cfg.GetReadChunk())
	}
}

func TestLoadRelayConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.json")

	// partial file: unset fields fall back to defaults
	testJSON := `{
  "position_scale": 5.0,
  "publish_interval": "100ms",
  "queue_capacity": 4
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadRelayConfig(configPath)
	if err != nil {
		t.Fatalf("LoadRelayConfig failed: %v", err)
	}
	if cfg.GetPositionScale() != 5.0 {
		t.Errorf("GetPositionScale() = %f, want 5.0", cfg.GetPositionScale())
	}
	if cfg.GetPublishInterval() != 100*time.Millisecond {
		t.Errorf("GetPublishInterval() = %v, want 100ms", cfg.GetPublishInterval())
	}
	if cfg.GetQueueCapacity() != 4 {
		t.Errorf("GetQueueCapacity() = %d, want 4", cfg.GetQueueCapacity())
	}
	if cfg.GetMaxPositionM() != 10.0 {
		t.Errorf("GetMaxPositionM() = %f, want default 10.0", cfg.GetMaxPositionM())
	}
}

func TestLoadRelayConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("relay.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "absent.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"negative scale", write("scale.json", `{"position_scale": -1}`), "position_scale"},
		{"zero queue", write("queue.json", `{"queue_capacity": 0}`), "queue_capacity"},
		{"bad duration", write("dur.json", `{"publish_interval": "fast"}`), "publish_interval"},
		{"zero duration", write("zero.json", `{"read_timeout": "0s"}`), "read_timeout"},
		{"zero chunk", write("chunk.json", `{"read_chunk": 0}`), "read_chunk"},
		{"too large", write("big.json", `{"x":"`+strings.Repeat("a", 1<<20)+`"}`), "too large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRelayConfig(tc.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestGetDurations_FallBackOnParseError(t *testing.T) {
	bad := "not-a-duration"
	cfg := &RelayConfig{PublishInterval: &bad, ReadTimeout: &bad, RetryBackoff: &bad}
	if cfg.GetPublishInterval() != 50*time.Millisecond {
		t.Errorf("GetPublishInterval() = %v", cfg.GetPublishInterval())
	}
	if cfg.GetReadTimeout() != 50*time.Millisecond {
		t.Errorf("GetReadTimeout() = %v", cfg.GetReadTimeout())
	}
	if cfg.GetRetryBackoff() != 100*time.Millisecond {
		t.Errorf("GetRetryBackoff() = %v", cfg.GetRetryBackoff())
	}
}

// TestShippedDefaultsMatch keeps config/relay.defaults.json in step with
// DefaultRelayConfig.
func TestShippedDefaultsMatch(t *testing.T) {
	cfg, err := LoadRelayConfig(filepath.Join("..", "..", "config", "relay.defaults.json"))
	if err != nil {
		t.Fatalf("LoadRelayConfig failed: %v", err)
	}
	want := DefaultRelayConfig()
	if cfg.GetPositionScale() != want.GetPositionScale() ||
		cfg.GetMaxPositionM() != want.GetMaxPositionM() ||
		cfg.GetPublishInterval() != want.GetPublishInterval() ||
		cfg.GetQueueCapacity() != want.GetQueueCapacity() ||
		cfg.GetReadTimeout() != want.GetReadTimeout() ||
		cfg.GetRetryBackoff() != want.GetRetryBackoff() ||
		cfg.GetReadChunk() != want.GetReadChunk() {
		t.Errorf("shipped defaults differ from DefaultRelayConfig")
	}
}
