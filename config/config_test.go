package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sources:
  - name: satellite
    type: tcp
    host: localhost
    port: 4001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Aggregation.Deduplication.TimeWindow != 30 {
		t.Errorf("expected default window 30, got %d", cfg.Aggregation.Deduplication.TimeWindow)
	}
	if cfg.Aggregation.Deduplication.TTLMultiplier != 2 {
		t.Errorf("expected default multiplier 2, got %d", cfg.Aggregation.Deduplication.TTLMultiplier)
	}
	if cfg.Aggregation.StateTracking.ExpireAfter != 3600 {
		t.Errorf("expected default expiry 3600, got %d", cfg.Aggregation.StateTracking.ExpireAfter)
	}
	if cfg.Server.MaxConnectionsPerIP != 10 || cfg.Server.ConnectionRateLimit != 5 {
		t.Errorf("unexpected admission defaults: %+v", cfg.Server)
	}
	if !cfg.Server.RawStream() || !cfg.Server.GeoStream() {
		t.Error("streams must default to enabled")
	}
	if cfg.Sources[0].ReconnectInterval != 5000 {
		t.Errorf("expected default reconnect interval, got %d", cfg.Sources[0].ReconnectInterval)
	}
	if !cfg.Sources[0].AutoReconnect() {
		t.Error("reconnect must default to enabled")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_TOKEN", "tok-123")

	path := writeConfig(t, `
sources:
  - name: relay
    type: websocket
    url: wss://relay.example.net/stream
    token: ${TEST_RELAY_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sources[0].Token != "tok-123" {
		t.Errorf("expected expanded token, got %q", cfg.Sources[0].Token)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"tcp without host", `
sources:
  - name: bad
    type: tcp
    port: 4001
`},
		{"websocket with bad url", `
sources:
  - name: bad
    type: websocket
    url: "http://not-a-ws"
`},
		{"duplicate names", `
sources:
  - name: dup
    type: tcp
    host: a
    port: 1
  - name: dup
    type: tcp
    host: b
    port: 2
`},
		{"watchlist without base url", `
watchlist:
  enabled: true
`},
		{"unknown auth type", `
watchlist:
  enabled: true
  api:
    base_url: https://lists.example.net
    auth:
      type: kerberos
`},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSourceTypeInference(t *testing.T) {
	path := writeConfig(t, `
sources:
  - name: relay
    url: wss://relay.example.net/stream
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sources[0].Type != "websocket" {
		t.Errorf("expected inferred websocket type, got %q", cfg.Sources[0].Type)
	}
}
