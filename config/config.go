// Package config loads bridge configuration from a YAML file.
//
// The file is named by the --config flag or the NETBRIDGE_CONFIG environment
// variable. Every field has a default, so an empty file is valid. Command-line
// flags override file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "NETBRIDGE_CONFIG"

// Config is the bridge configuration.
type Config struct {
	// LogLevel is the maximum guest log level passed to init, 0 (off) to 5 (trace).
	LogLevel uint32 `yaml:"log_level"`

	// CPURateLimit is the fraction of wall-clock time the guest may run, in (0, 1].
	CPURateLimit float64 `yaml:"cpu_rate_limit"`

	// Network forbid flags. A forbidden kind is reported unsupported to the guest.
	ForbidTCP        bool `yaml:"forbid_tcp"`
	ForbidWS         bool `yaml:"forbid_ws"`
	ForbidNonLocalWS bool `yaml:"forbid_non_local_ws"`
	ForbidWSS        bool `yaml:"forbid_wss"`
	ForbidWebRTC     bool `yaml:"forbid_webrtc"`

	// SendBufferBytes is the send capacity advertised per single-stream connection.
	SendBufferBytes int `yaml:"send_buffer_bytes"`

	// SubstreamBufferBytes is the send capacity advertised per substream.
	SubstreamBufferBytes int `yaml:"substream_buffer_bytes"`

	// DialTimeout bounds TCP connects and websocket handshakes.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ICEServers are STUN/TURN servers for WebRTC connections.
	ICEServers []ICEServer `yaml:"ice_servers"`

	// MemoryLimitPages caps guest linear memory, in 64KiB pages. 0 keeps the
	// engine default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:             3,
		CPURateLimit:         1.0,
		SendBufferBytes:      1 << 20,
		SubstreamBufferBytes: 256 * 1024,
		DialTimeout:          20 * time.Second,
	}
}

// Load reads the file named by NETBRIDGE_CONFIG, or returns defaults when unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if !(c.CPURateLimit > 0 && c.CPURateLimit <= 1) {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("cpu_rate_limit must be in (0, 1], got %v", c.CPURateLimit))
	}
	if c.LogLevel > 5 {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("log_level must be 0..5, got %d", c.LogLevel))
	}
	if c.SendBufferBytes <= 0 {
		return errors.InvalidInput(errors.PhaseConfig, "send_buffer_bytes must be positive")
	}
	if c.SubstreamBufferBytes <= 0 {
		return errors.InvalidInput(errors.PhaseConfig, "substream_buffer_bytes must be positive")
	}
	if c.DialTimeout < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "dial_timeout must not be negative")
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("ice_servers[%d] has no urls", i))
		}
	}
	return nil
}

// Policy returns the transport policy derived from the forbid flags.
func (c *Config) Policy() address.Policy {
	return address.Policy{
		ForbidTCP:        c.ForbidTCP,
		ForbidWS:         c.ForbidWS,
		ForbidNonLocalWS: c.ForbidNonLocalWS,
		ForbidWSS:        c.ForbidWSS,
		ForbidWebRTC:     c.ForbidWebRTC,
	}
}

// WebRTCICEServers converts ICEServers for pion.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
