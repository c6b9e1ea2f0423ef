package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"spotifycontrols/internal/control"
	"spotifycontrols/internal/settings"
)

// Config is the top-level YAML configuration for the spotifycontrols daemon.
//
// The file is the primary configuration surface; flags only override a few
// fields. The settings section is the live part: it is re-read whenever the
// file changes, while every other section is read once at startup.
type Config struct {
	// Web API used for control requests and startup seeding
	Spotify SpotifyConfig `yaml:"spotify"`

	// Host integration (credential endpoint, module polling)
	Host HostConfig `yaml:"host"`

	// Accounts logged in on the host, one dealer socket each
	Accounts []AccountConfig `yaml:"accounts"`

	// Hot-reloaded options
	Settings settings.Values `yaml:"settings"`

	// Websocket render layer
	Render RenderConfig `yaml:"render"`

	// IPC control socket
	IPC IPCConfig `yaml:"ipc"`

	// Optional MQTT render bridge
	MQTT MQTTConfig `yaml:"mqtt"`

	Logging LoggingConfig `yaml:"logging"`
}

type SpotifyConfig struct {
	APIBaseURL       string `yaml:"api_base_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type HostConfig struct {
	// TokenEndpointURL is the base of the host API serving access tokens.
	// Empty disables reauthentication.
	TokenEndpointURL string `yaml:"token_endpoint_url"`
	// Token authorises requests to the host API. TokenFile wins when both
	// are set.
	Token            string `yaml:"token"`
	TokenFile        string `yaml:"token_file"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	ResolveTimeoutMS int    `yaml:"resolve_timeout_ms"`
}

type AccountConfig struct {
	ID           string `yaml:"id"`
	ConnectionID string `yaml:"connection_id"`
	AccessToken  string `yaml:"access_token"`
	Premium      bool   `yaml:"premium"`
	DealerURL    string `yaml:"dealer_url"`
}

type RenderConfig struct {
	// WSListen is the listen address of the state websocket. Empty disables it.
	WSListen string `yaml:"ws_listen"`
	Path     string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	TopicBase string `yaml:"topic_base"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Spotify: SpotifyConfig{
			APIBaseURL:       control.DefaultBaseURL,
			RequestTimeoutMS: 10000,
		},
		Host: HostConfig{
			PollIntervalMS:   1000,
			ResolveTimeoutMS: 2000,
		},
		Settings: settings.Defaults(),
		Render: RenderConfig{
			WSListen: "127.0.0.1:8787",
			Path:     "/ws",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/spotifycontrols.sock",
		},
		MQTT: MQTTConfig{
			ClientID:  "spotifycontrols",
			TopicBase: "spotifycontrols",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected so typos surface at startup.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// LoadSettingsFile re-reads only the settings section of the config file at
// path. It is the loader used by the hot-reload watcher.
func LoadSettingsFile(path string) (settings.Values, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return settings.Values{}, err
	}
	if err := cfg.Settings.Validate(); err != nil {
		return settings.Values{}, fmt.Errorf("settings: %w", err)
	}
	return cfg.Settings, nil
}

// FlagOverrides holds optional flag values applied on top of the file.
// A nil pointer means the flag was not set.
type FlagOverrides struct {
	APIBaseURL       *string
	RequestTimeoutMS *int

	HostTokenEndpointURL *string
	HostTokenFile        *string

	WSListen *string
	WSPath   *string

	IPCSocketPath *string

	MQTTEnabled   *bool
	MQTTBroker    *string
	MQTTTopicBase *string

	DebugBus    *bool
	DebugFrames *bool

	LogLevel *string
}

// Apply merges the overrides into cfg. Set pointers are applied even when
// they hold the zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.APIBaseURL != nil {
		cfg.Spotify.APIBaseURL = *o.APIBaseURL
	}
	if o.RequestTimeoutMS != nil {
		cfg.Spotify.RequestTimeoutMS = *o.RequestTimeoutMS
	}

	if o.HostTokenEndpointURL != nil {
		cfg.Host.TokenEndpointURL = *o.HostTokenEndpointURL
	}
	if o.HostTokenFile != nil {
		cfg.Host.TokenFile = *o.HostTokenFile
	}

	if o.WSListen != nil {
		cfg.Render.WSListen = *o.WSListen
	}
	if o.WSPath != nil {
		cfg.Render.Path = *o.WSPath
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}
	if o.MQTTTopicBase != nil {
		cfg.MQTT.TopicBase = *o.MQTTTopicBase
	}

	if o.DebugBus != nil {
		cfg.Settings.Debug.Bus = *o.DebugBus
	}
	if o.DebugFrames != nil {
		cfg.Settings.Debug.Frames = *o.DebugFrames
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file and overrides have been applied.
func (c *Config) Validate() error {
	// Spotify
	if c.Spotify.APIBaseURL == "" {
		return errors.New("spotify.api_base_url must not be empty")
	}
	if u, err := url.Parse(c.Spotify.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("spotify.api_base_url is not an absolute url: %q", c.Spotify.APIBaseURL)
	}
	if c.Spotify.RequestTimeoutMS <= 0 {
		return errors.New("spotify.request_timeout_ms must be > 0")
	}

	// Host
	if c.Host.PollIntervalMS <= 0 {
		return errors.New("host.poll_interval_ms must be > 0")
	}
	if c.Host.ResolveTimeoutMS < 0 {
		return errors.New("host.resolve_timeout_ms must be >= 0")
	}

	// Accounts
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is empty", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.DealerURL == "" {
			return fmt.Errorf("accounts[%d].dealer_url is empty", i)
		}
		if a.AccessToken == "" && c.Host.TokenEndpointURL == "" {
			return fmt.Errorf("accounts[%d] has no access_token and host.token_endpoint_url is empty", i)
		}
	}

	// Settings
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	// Render
	if c.Render.WSListen != "" && !strings.HasPrefix(c.Render.Path, "/") {
		return errors.New("render.path must start with /")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if strings.Trim(c.MQTT.TopicBase, "/") == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic_base is empty")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

func (c *Config) requestTimeout() time.Duration {
	return time.Duration(c.Spotify.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.Host.PollIntervalMS) * time.Millisecond
}

func (c *Config) resolveTimeout() time.Duration {
	return time.Duration(c.Host.ResolveTimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
