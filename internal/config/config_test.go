package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetwatch/gateway/internal/vehicle"
)

const sampleYAML = `
gateway:
  id: node-07
  listen: ":5023"
session:
  heartbeat_timeout: 90s
broadcast:
  overflow: reject_newest
nats:
  url: nats://nats:4222
fleet:
  vehicles:
    - id: truck-1
      device_id: "013800138000"
      name: Truck 1
      plate: ABC-1234
    - device_id: DEV001
      name: Van
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ID != "node-01" || cfg.Gateway.Listen != ":8080" || cfg.HTTP.Listen != ":8081" {
		t.Errorf("gateway = %+v http = %+v", cfg.Gateway, cfg.HTTP)
	}
	if cfg.Session.HeartbeatTimeout != 3*time.Minute || cfg.Session.SweepInterval != 15*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Broadcast.Overflow != "drop_oldest" || cfg.Broadcast.BufferSize != 256 {
		t.Errorf("broadcast = %+v", cfg.Broadcast)
	}
	if cfg.Redis.URL != "" || cfg.NATS.SubjectPrefix != "fms" {
		t.Errorf("redis = %+v nats = %+v", cfg.Redis, cfg.NATS)
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("GATEWAY_STATS_WINDOW", "30s")
	t.Setenv("GATEWAY_GATEWAY_ID", "node-env")

	cfg, err := Load([]string{"--config", path, "--listen", ":6000", "--log-level", "debug"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ID != "node-env" {
		t.Errorf("id = %q, want env override", cfg.Gateway.ID)
	}
	if cfg.Gateway.Listen != ":6000" {
		t.Errorf("listen = %q, want flag override", cfg.Gateway.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Session.HeartbeatTimeout != 90*time.Second || cfg.Stats.Window != 30*time.Second {
		t.Errorf("heartbeat = %v window = %v", cfg.Session.HeartbeatTimeout, cfg.Stats.Window)
	}
	if cfg.Broadcast.Overflow != "reject_newest" || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("broadcast = %+v nats = %+v", cfg.Broadcast, cfg.NATS)
	}

	if len(cfg.Fleet.Vehicles) != 2 {
		t.Fatalf("vehicles = %+v", cfg.Fleet.Vehicles)
	}
	if v := cfg.Fleet.Vehicles[0]; v.ID != "truck-1" || v.DeviceID != "013800138000" || v.Plate != "ABC-1234" {
		t.Errorf("vehicle[0] = %+v", v)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Gateway:   GatewayConfig{ID: "node-01", Listen: ":8080"},
			Decoder:   DecoderConfig{MaxFrameSize: 4096},
			Session:   SessionConfig{HeartbeatTimeout: time.Minute, SweepInterval: time.Second, WriteTimeout: time.Second},
			Stats:     StatsConfig{Window: time.Minute},
			Health:    HealthConfig{DegradedErrorRate: 0.05, UnhealthyErrorRate: 0.25},
			Broadcast: BroadcastConfig{BufferSize: 16, Overflow: "drop_oldest"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"frame size", func(c *Config) { c.Decoder.MaxFrameSize = 0 }, "max_frame_size"},
		{"overflow", func(c *Config) { c.Broadcast.Overflow = "block" }, "overflow"},
		{"buffer", func(c *Config) { c.Broadcast.BufferSize = -1 }, "buffer_size"},
		{"heartbeat", func(c *Config) { c.Session.HeartbeatTimeout = 0 }, "heartbeat_timeout"},
		{"thresholds", func(c *Config) { c.Health.UnhealthyErrorRate = 0.01 }, "unhealthy_error_rate"},
		{"duplicate device", func(c *Config) {
			c.Fleet.Vehicles = append(c.Fleet.Vehicles,
				vehicle.Profile{DeviceID: "DEV001"}, vehicle.Profile{DeviceID: "DEV001"})
		}, "duplicate device_id"},
	}
	for _, tt := range tests {
		c := valid()
		tt.mutate(c)
		err := c.Validate()
		switch {
		case tt.want == "" && err != nil:
			t.Errorf("%s: unexpected error %v", tt.name, err)
		case tt.want != "" && (err == nil || !strings.Contains(err.Error(), tt.want)):
			t.Errorf("%s: error = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}
