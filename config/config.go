// Package config loads the fleetd YAML configuration with environment
// expansion, defaults and startup validation.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // "tcp" or "websocket"
	Enabled *bool  `yaml:"enabled"`

	// TCP sources
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WebSocket sources
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	Reconnect            *bool `yaml:"reconnect"`
	ReconnectInterval    int   `yaml:"reconnect_interval"` // ms
	ReconnectMaxAttempts int   `yaml:"reconnect_max_attempts"`
}

func (s SourceConfig) IsEnabled() bool     { return s.Enabled == nil || *s.Enabled }
func (s SourceConfig) AutoReconnect() bool { return s.Reconnect == nil || *s.Reconnect }

type DeduplicationConfig struct {
	Enabled       *bool `yaml:"enabled"`
	TimeWindow    int   `yaml:"time_window"` // seconds
	TTLMultiplier int   `yaml:"ttl_multiplier"`
}

type StateTrackingConfig struct {
	Enabled     *bool `yaml:"enabled"`
	ExpireAfter int   `yaml:"expire_after"` // seconds
}

type AggregationConfig struct {
	Deduplication DeduplicationConfig `yaml:"deduplication"`
	StateTracking StateTrackingConfig `yaml:"state_tracking"`
}

type WatchlistAuthConfig struct {
	Type  string `yaml:"type"` // none, bearer, apikey, basic
	Token string `yaml:"token"`
}

type WatchlistAPIConfig struct {
	BaseURL         string              `yaml:"base_url"`
	VesselsEndpoint string              `yaml:"vessels_endpoint"`
	ListsEndpoint   string              `yaml:"lists_endpoint"`
	Auth            WatchlistAuthConfig `yaml:"auth"`
	Timeout         int                 `yaml:"timeout"` // ms
	RetryAttempts   int                 `yaml:"retry_attempts"`
	RetryDelay      int                 `yaml:"retry_delay"` // ms
}

type WatchlistConfig struct {
	Enabled      bool               `yaml:"enabled"`
	API          WatchlistAPIConfig `yaml:"api"`
	SyncMode     string             `yaml:"sync_mode"`     // "manual" or "scheduled"
	SyncInterval int                `yaml:"sync_interval"` // ms
	PushUpdates  *bool              `yaml:"push_updates"`
}

func (w WatchlistConfig) PushUpdatesEnabled() bool { return w.PushUpdates == nil || *w.PushUpdates }

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxClients    int `yaml:"max_clients"`
	MaxClientsGeo int `yaml:"max_clients_geo"` // 0 = unbounded

	MaxConnectionsPerIP  int `yaml:"max_connections_per_ip"`
	ConnectionRateLimit  int `yaml:"connection_rate_limit"`
	ConnectionRateWindow int `yaml:"connection_rate_window"` // seconds

	EnableRawStream          *bool `yaml:"enable_raw_stream"`
	EnableAllStream          *bool `yaml:"enable_all_stream"`
	EnableWatchlistStream    *bool `yaml:"enable_watchlist_stream"`
	EnableGeoStream          *bool `yaml:"enable_geo_stream"`
	EnableGeoWatchlistStream *bool `yaml:"enable_geo_watchlist_stream"`

	BearerToken string `yaml:"bearer_token"`
}

func enabled(b *bool) bool { return b == nil || *b }

func (s ServerConfig) RawStream() bool          { return enabled(s.EnableRawStream) }
func (s ServerConfig) AllStream() bool          { return enabled(s.EnableAllStream) }
func (s ServerConfig) WatchlistStream() bool    { return enabled(s.EnableWatchlistStream) }
func (s ServerConfig) GeoStream() bool          { return enabled(s.EnableGeoStream) }
func (s ServerConfig) GeoWatchlistStream() bool { return enabled(s.EnableGeoWatchlistStream) }

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	Synchronous string `yaml:"synchronous"`
	CacheSize   int    `yaml:"cache_size"`
	MmapSize    int64  `yaml:"mmap_size"`
}

type MonitoringConfig struct {
	Enabled       bool `yaml:"enabled"`
	StatsInterval int  `yaml:"stats_interval"` // ms
}

type CORSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Sources     []SourceConfig    `yaml:"sources"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Watchlist   WatchlistConfig   `yaml:"watchlist"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	CORS        CORSConfig        `yaml:"cors"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads, expands and validates the configuration file. A .env file
// in the working directory is applied first, matching the original
// deployment layout.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Type == "" {
			if s.URL != "" {
				s.Type = "websocket"
			} else {
				s.Type = "tcp"
			}
		}
		if s.ReconnectInterval == 0 {
			s.ReconnectInterval = 5000
		}
	}

	if c.Aggregation.Deduplication.TimeWindow == 0 {
		c.Aggregation.Deduplication.TimeWindow = 30
	}
	if c.Aggregation.Deduplication.TTLMultiplier == 0 {
		c.Aggregation.Deduplication.TTLMultiplier = 2
	}
	if c.Aggregation.StateTracking.ExpireAfter == 0 {
		c.Aggregation.StateTracking.ExpireAfter = 3600
	}

	if c.Watchlist.API.VesselsEndpoint == "" {
		c.Watchlist.API.VesselsEndpoint = "/api/vessels"
	}
	if c.Watchlist.API.ListsEndpoint == "" {
		c.Watchlist.API.ListsEndpoint = "/api/lists"
	}
	if c.Watchlist.API.Auth.Type == "" {
		c.Watchlist.API.Auth.Type = "none"
	}
	if c.Watchlist.API.Timeout == 0 {
		c.Watchlist.API.Timeout = 10000
	}
	if c.Watchlist.API.RetryAttempts == 0 {
		c.Watchlist.API.RetryAttempts = 3
	}
	if c.Watchlist.API.RetryDelay == 0 {
		c.Watchlist.API.RetryDelay = 1000
	}
	if c.Watchlist.SyncMode == "" {
		c.Watchlist.SyncMode = "manual"
	}
	if c.Watchlist.SyncInterval == 0 {
		c.Watchlist.SyncInterval = 3600000
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.MaxClients == 0 {
		c.Server.MaxClients = 500
	}
	if c.Server.MaxConnectionsPerIP == 0 {
		c.Server.MaxConnectionsPerIP = 10
	}
	if c.Server.ConnectionRateLimit == 0 {
		c.Server.ConnectionRateLimit = 5
	}
	if c.Server.ConnectionRateWindow == 0 {
		c.Server.ConnectionRateWindow = 60
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/fleetd.db"
	}
	if c.Database.JournalMode == "" {
		c.Database.JournalMode = "WAL"
	}
	if c.Database.Synchronous == "" {
		c.Database.Synchronous = "NORMAL"
	}

	if c.Monitoring.StatsInterval == 0 {
		c.Monitoring.StatsInterval = 30000
	}

	if c.CORS.AllowedOrigins == "" {
		c.CORS.AllowedOrigins = "*"
	}
}

func (c *Config) validate() error {
	names := make(map[string]bool)
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source with empty name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		names[s.Name] = true

		switch s.Type {
		case "tcp":
			if s.Host == "" || s.Port == 0 {
				return fmt.Errorf("source %q: tcp sources require host and port", s.Name)
			}
		case "websocket":
			u, err := url.Parse(s.URL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				return fmt.Errorf("source %q: invalid websocket url %q", s.Name, s.URL)
			}
		default:
			return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
	}

	if c.Watchlist.Enabled {
		if c.Watchlist.API.BaseURL == "" {
			return fmt.Errorf("watchlist enabled but api.base_url is empty")
		}
		switch c.Watchlist.API.Auth.Type {
		case "none", "bearer", "apikey", "basic":
		default:
			return fmt.Errorf("watchlist: unknown auth type %q", c.Watchlist.API.Auth.Type)
		}
		switch c.Watchlist.SyncMode {
		case "manual", "scheduled":
		default:
			return fmt.Errorf("watchlist: unknown sync_mode %q", c.Watchlist.SyncMode)
		}
	}

	return nil
}
