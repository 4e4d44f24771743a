// Package config handles reading and writing nsauth configuration files in YAML format.
//
// One file holds every role: the server section (listen address, challenge
// key and the registry of node keys), the node section (identity and keys of
// the local node), and the adversary and log sections.
//
// The file is read with viper, so every scalar setting can be overridden from
// the environment: server.listen becomes NSAUTH_SERVER_LISTEN. Files are
// written with yaml.v3 and mode 0600 since they contain keys.
//
// The default path is ~/.nsauth/config.yaml.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/merlos/nsauth/internal/crypto"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "NSAUTH"

// NodeEntry is a node registered with the server.
type NodeEntry struct {
	// Name identifies the node in key-distribution messages.
	Name string `mapstructure:"name" yaml:"name"`

	// Key is the base64-encoded node-server key.
	Key string `mapstructure:"key" yaml:"key"`
}

// ServerSection configures `nsauth serve`.
type ServerSection struct {
	// Listen is the TCP address the server binds.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// Advertise is the host:port nodes should dial. It is written into
	// provisioning profiles. Empty means Listen.
	Advertise string `mapstructure:"advertise" yaml:"advertise,omitempty"`

	Cipher       string   `mapstructure:"cipher" yaml:"cipher"`
	Codec        string   `mapstructure:"codec" yaml:"codec"`
	MaxFrameSize int      `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	IdleTimeout  Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// Window is the maximum age of an accepted key-distribution timestamp.
	Window Duration `mapstructure:"window" yaml:"window"`

	// Hardened binds every sealed payload to its protocol step and refuses
	// to distribute a session key twice.
	Hardened bool `mapstructure:"hardened" yaml:"hardened"`

	// KeyRetention is how long a hardened server remembers distributed keys.
	KeyRetention Duration `mapstructure:"key_retention" yaml:"key_retention"`

	// NonceLength is the number of digits in an issued server nonce.
	NonceLength int `mapstructure:"nonce_length" yaml:"nonce_length"`

	// ChallengeKey is the base64-encoded key shared with all nodes for the
	// nonce challenge.
	ChallengeKey string `mapstructure:"challenge_key" yaml:"challenge_key"`

	// Nodes lists the registered nodes. A list rather than a map keeps node
	// names case-sensitive under viper.
	Nodes []NodeEntry `mapstructure:"nodes" yaml:"nodes"`
}

// NodeSection configures the `nsauth node` commands.
type NodeSection struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	Server       string   `mapstructure:"server" yaml:"server"`
	Cipher       string   `mapstructure:"cipher" yaml:"cipher"`
	Codec        string   `mapstructure:"codec" yaml:"codec"`
	ChallengeKey string   `mapstructure:"challenge_key" yaml:"challenge_key"`
	Key          string   `mapstructure:"key" yaml:"key"`
	Hardened     bool     `mapstructure:"hardened" yaml:"hardened"`
	Window       Duration `mapstructure:"window" yaml:"window"`
	PollInterval Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// AdversarySection configures the `nsauth attack` commands.
type AdversarySection struct {
	Server     string   `mapstructure:"server" yaml:"server"`
	Cipher     string   `mapstructure:"cipher" yaml:"cipher"`
	Codec      string   `mapstructure:"codec" yaml:"codec"`
	Interval   Duration `mapstructure:"interval" yaml:"interval"`
	Iterations int      `mapstructure:"iterations" yaml:"iterations"`
}

// LogSection configures logging.
type LogSection struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level structure of config.yaml.
type Config struct {
	Server    ServerSection    `mapstructure:"server" yaml:"server"`
	Node      NodeSection      `mapstructure:"node" yaml:"node"`
	Adversary AdversarySection `mapstructure:"adversary" yaml:"adversary"`
	Log       LogSection       `mapstructure:"log" yaml:"log"`
}

// Default returns a Config with sensible defaults and no keys.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = ":5006"
	cfg.Server.Cipher = crypto.DefaultCipher
	cfg.Server.Codec = "json"
	cfg.Server.MaxFrameSize = 10000
	cfg.Server.Window = Duration{5 * time.Second}
	cfg.Server.KeyRetention = Duration{time.Hour}
	cfg.Server.NonceLength = 8
	cfg.Node.Server = "127.0.0.1:5006"
	cfg.Node.Cipher = crypto.DefaultCipher
	cfg.Node.Codec = "json"
	cfg.Node.Window = Duration{5 * time.Second}
	cfg.Node.PollInterval = Duration{time.Second}
	cfg.Adversary.Server = "127.0.0.1:5006"
	cfg.Adversary.Cipher = crypto.DefaultCipher
	cfg.Adversary.Codec = "json"
	cfg.Adversary.Interval = Duration{time.Second}
	cfg.Adversary.Iterations = 10
	cfg.Log.Level = "info"
	return cfg
}

// DefaultPath returns the default path to the config file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nsauth/config.yaml"
	}
	return filepath.Join(home, ".nsauth", "config.yaml")
}

// Load reads the config at path, applies defaults for missing settings and
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(durationHook),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, oops.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.advertise", d.Server.Advertise)
	v.SetDefault("server.cipher", d.Server.Cipher)
	v.SetDefault("server.codec", d.Server.Codec)
	v.SetDefault("server.max_frame_size", d.Server.MaxFrameSize)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout.String())
	v.SetDefault("server.window", d.Server.Window.String())
	v.SetDefault("server.hardened", d.Server.Hardened)
	v.SetDefault("server.key_retention", d.Server.KeyRetention.String())
	v.SetDefault("server.nonce_length", d.Server.NonceLength)
	v.SetDefault("server.challenge_key", d.Server.ChallengeKey)
	v.SetDefault("node.name", d.Node.Name)
	v.SetDefault("node.server", d.Node.Server)
	v.SetDefault("node.cipher", d.Node.Cipher)
	v.SetDefault("node.codec", d.Node.Codec)
	v.SetDefault("node.challenge_key", d.Node.ChallengeKey)
	v.SetDefault("node.key", d.Node.Key)
	v.SetDefault("node.hardened", d.Node.Hardened)
	v.SetDefault("node.window", d.Node.Window.String())
	v.SetDefault("node.poll_interval", d.Node.PollInterval.String())
	v.SetDefault("adversary.server", d.Adversary.Server)
	v.SetDefault("adversary.cipher", d.Adversary.Cipher)
	v.SetDefault("adversary.codec", d.Adversary.Codec)
	v.SetDefault("adversary.interval", d.Adversary.Interval.String())
	v.SetDefault("adversary.iterations", d.Adversary.Iterations)
	v.SetDefault("log.level", d.Log.Level)
}

// Save writes cfg to path, creating directories as needed.
// The file is written with 0600 permissions since it contains keys.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return oops.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return oops.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// FindNode returns the registered node with the given name.
func (s *ServerSection) FindNode(name string) (*NodeEntry, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].Name == name {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// PutNode registers a node, replacing any entry with the same name.
func (s *ServerSection) PutNode(e NodeEntry) {
	if cur, ok := s.FindNode(e.Name); ok {
		*cur = e
		return
	}
	s.Nodes = append(s.Nodes, e)
}

// RemoveNode unregisters a node and reports whether it was registered.
func (s *ServerSection) RemoveNode(name string) bool {
	for i := range s.Nodes {
		if s.Nodes[i].Name == name {
			s.Nodes = append(s.Nodes[:i], s.Nodes[i+1:]...)
			return true
		}
	}
	return false
}

// NodeKeys decodes the registry into the name-to-key map the server uses.
func (s *ServerSection) NodeKeys() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Name == "" {
			return nil, oops.Errorf("node entry without a name")
		}
		if _, dup := keys[n.Name]; dup {
			return nil, oops.Errorf("node %q registered twice", n.Name)
		}
		k, err := DecodeKey("server.nodes."+n.Name, n.Key)
		if err != nil {
			return nil, err
		}
		keys[n.Name] = k
	}
	return keys, nil
}

// DecodeKey decodes a base64 key setting. An empty value decodes to nil.
func DecodeKey(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	k, err := crypto.DecodeKey(value)
	if err != nil {
		return nil, oops.In("config").With("field", field).Wrapf(err, "decoding %s", field)
	}
	return k, nil
}

// Duration is a wrapper around time.Duration that supports YAML marshalling
// in human-readable form (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

var durationType = reflect.TypeOf(Duration{})

// durationHook decodes strings such as "5s" into Duration.
func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		return Duration{d}, nil
	case time.Duration:
		return Duration{v}, nil
	case int:
		return Duration{time.Duration(v)}, nil
	case int64:
		return Duration{time.Duration(v)}, nil
	}
	return data, nil
}
