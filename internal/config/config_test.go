package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  port: 9000
upstream:
  url: wss://upstream.example/ws
assets:
  EURUSD-OTC: 76
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.URL != "wss://upstream.example/ws" {
		t.Errorf("Upstream.URL = %q, want %q", cfg.Upstream.URL, "wss://upstream.example/ws")
	}
	if cfg.Assets["EURUSD-OTC"] != 76 {
		t.Errorf("Assets[EURUSD-OTC] = %d, want 76", cfg.Assets["EURUSD-OTC"])
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_URL", "wss://from-env.example/ws")

	yaml := `
upstream:
  url: ${TEST_UPSTREAM_URL}
assets:
  EURUSD-OTC: 76
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.URL != "wss://from-env.example/ws" {
		t.Errorf("Upstream.URL = %q, want %q", cfg.Upstream.URL, "wss://from-env.example/ws")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
upstream:
  url: wss://upstream.example/ws
assets:
  EURUSD-OTC: 76
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Upstream.ReconnectAttempts != DefaultReconnectAttempts {
		t.Errorf("Upstream.ReconnectAttempts = %d, want default %d", cfg.Upstream.ReconnectAttempts, DefaultReconnectAttempts)
	}
	if cfg.Upstream.PingInterval != DefaultPingInterval {
		t.Errorf("Upstream.PingInterval = %v, want default %v", cfg.Upstream.PingInterval, DefaultPingInterval)
	}
	if rl, ok := cfg.RateLimits["candles"]; !ok || rl.Max != 1 {
		t.Errorf("RateLimits[candles] = %+v, want default candles rate limit", rl)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProxyConfig
		wantErr string
	}{
		{
			name:    "missing upstream url",
			cfg:     ProxyConfig{Server: ServerConfig{Port: 8080}, Assets: map[string]int{"EURUSD-OTC": 76}, Upstream: UpstreamConfig{DefaultAsset: "EURUSD-OTC"}},
			wantErr: "upstream.url is required",
		},
		{
			name:    "bad port",
			cfg:     ProxyConfig{Server: ServerConfig{Port: 0}},
			wantErr: "server.port must be between 1 and 65535, got 0",
		},
		{
			name: "empty asset table",
			cfg: ProxyConfig{
				Server:   ServerConfig{Port: 8080},
				Upstream: UpstreamConfig{URL: "wss://x"},
			},
			wantErr: "assets table must not be empty",
		},
		{
			name: "default asset missing from table",
			cfg: ProxyConfig{
				Server:   ServerConfig{Port: 8080},
				Upstream: UpstreamConfig{URL: "wss://x", DefaultAsset: "EURUSD-OTC"},
				Assets:   map[string]int{"GBPUSD-OTC": 5},
			},
			wantErr: `assets table missing default asset "EURUSD-OTC"`,
		},
		{
			name: "valid config",
			cfg: ProxyConfig{
				Server:   ServerConfig{Port: 8080},
				Upstream: UpstreamConfig{URL: "wss://x", DefaultAsset: "EURUSD-OTC"},
				Assets:   map[string]int{"EURUSD-OTC": 76},
				RateLimits: map[string]RateLimitConfig{
					"candles": {Interval: 100 * time.Millisecond, Max: 1},
				},
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
