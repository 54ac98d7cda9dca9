// Package config loads the YAML configuration of the sshcore server and
// client.
//
// Values may reference environment variables as ${VAR}, $VAR or
// ${VAR:-default}. Unset variables without a default are left as written.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/pzverkov/sshcore/internal/constants"
	qerrors "github.com/pzverkov/sshcore/internal/errors"
	"github.com/pzverkov/sshcore/pkg/auth"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/kex"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/transport"
)

// Config is the top level configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the metrics and health endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics and /healthz. Empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
	// Tracing is "none", "memory" or "otel".
	Tracing string `yaml:"tracing"`
}

// TransportConfig holds the algorithm preferences and rekey limits shared
// by server and client. Empty lists mean every registered algorithm.
type TransportConfig struct {
	KeyExchanges      []string      `yaml:"key_exchanges"`
	Ciphers           []string      `yaml:"ciphers"`
	MACs              []string      `yaml:"macs"`
	Compressions      []string      `yaml:"compressions"`
	HostKeyAlgorithms []string      `yaml:"host_key_algorithms"`
	RekeyInterval     time.Duration `yaml:"rekey_interval"`
	RekeyBytes        ByteSize      `yaml:"rekey_bytes"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// ServerConfig configures the listener and user authentication.
type ServerConfig struct {
	Listen     string   `yaml:"listen"`
	HostKeys   []string `yaml:"host_keys"`
	Banner     string   `yaml:"banner"`
	BannerFile string   `yaml:"banner_file"`

	Methods         []string `yaml:"methods"`
	RequiredMethods []string `yaml:"required_methods"`
	MaxAuthAttempts int      `yaml:"max_auth_attempts"`

	// UsersFile is a YAML map of username to bcrypt hash. When empty,
	// password methods fall back to PAM.
	UsersFile string `yaml:"users_file"`
	// AuthorizedKeys is an authorized_keys path; %u is the username.
	AuthorizedKeys string `yaml:"authorized_keys"`
	PAMService     string `yaml:"pam_service"`

	MaxConnectionsPerIP int     `yaml:"max_connections_per_ip"`
	HandshakeRate       float64 `yaml:"handshake_rate"`
	HandshakeBurst      int     `yaml:"handshake_burst"`
}

// ClientConfig configures the connect command.
type ClientConfig struct {
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
	KnownHosts   string `yaml:"known_hosts"`
}

// ByteSize is a byte count written as "1GB", "512MiB" or a plain number.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Tracing: "none",
		},
		Transport: TransportConfig{
			RekeyInterval:    constants.DefaultRekeyInterval,
			RekeyBytes:       ByteSize(constants.DefaultRekeyBytes),
			HandshakeTimeout: constants.DefaultHandshakeTimeout,
		},
		Server: ServerConfig{
			Listen: ":2222",
			Methods: []string{
				constants.MethodPublicKey,
				constants.MethodPassword,
				constants.MethodKeyboardInteractive,
			},
			MaxAuthAttempts: constants.DefaultMaxAuthAttempts,
			AuthorizedKeys:  "/home/%u/.ssh/authorized_keys",
			PAMService:      "sshd",
		},
		Client: ClientConfig{
			KnownHosts: "~/.ssh/known_hosts",
		},
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", qerrors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal returns the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// envVarRegex matches ${VAR} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, def, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return def
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

var (
	logLevels  = []string{"debug", "info", "warn", "warning", "error", "silent", "off", "none"}
	logFormats = []string{"text", "json"}
	tracers    = []string{"", "none", "memory", "otel"}
	authNames  = []string{constants.MethodPublicKey, constants.MethodPassword, constants.MethodKeyboardInteractive}
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	if !slices.Contains(logFormats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if !slices.Contains(tracers, c.Metrics.Tracing) {
		errs = append(errs, fmt.Sprintf("metrics.tracing: unknown tracer %q", c.Metrics.Tracing))
	}

	errs = append(errs, c.Transport.validate()...)
	errs = append(errs, c.Server.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: validation errors:\n  - %s", qerrors.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (t *TransportConfig) validate() []string {
	var errs []string

	kexes := kex.DefaultRegistry()
	for _, name := range t.KeyExchanges {
		if _, err := kexes.Get(name); err != nil {
			errs = append(errs, fmt.Sprintf("transport.key_exchanges: unknown method %q", name))
		}
	}
	reg := crypto.DefaultRegistry()
	for _, name := range t.Ciphers {
		if _, ok := reg.Cipher(name); !ok {
			errs = append(errs, fmt.Sprintf("transport.ciphers: unknown cipher %q", name))
		}
	}
	for _, name := range t.MACs {
		if _, ok := reg.MAC(name); !ok {
			errs = append(errs, fmt.Sprintf("transport.macs: unknown mac %q", name))
		}
	}
	for _, name := range t.Compressions {
		if _, ok := reg.Compression(name); !ok {
			errs = append(errs, fmt.Sprintf("transport.compressions: unknown compression %q", name))
		}
	}
	for _, name := range t.HostKeyAlgorithms {
		if !slices.Contains(transport.DefaultHostKeyAlgorithms, name) {
			errs = append(errs, fmt.Sprintf("transport.host_key_algorithms: unknown algorithm %q", name))
		}
	}

	if t.RekeyInterval != 0 && t.RekeyInterval < constants.MinRekeyInterval {
		errs = append(errs, fmt.Sprintf("transport.rekey_interval: %v is below the minimum of %v",
			t.RekeyInterval, constants.MinRekeyInterval))
	}
	if t.RekeyBytes != 0 && uint64(t.RekeyBytes) < constants.MinRekeyBytes {
		errs = append(errs, fmt.Sprintf("transport.rekey_bytes: %s is below the minimum of %s",
			t.RekeyBytes, ByteSize(constants.MinRekeyBytes)))
	}
	if t.HandshakeTimeout < 0 {
		errs = append(errs, "transport.handshake_timeout: must not be negative")
	}
	return errs
}

func (s *ServerConfig) validate() []string {
	var errs []string

	for _, m := range s.Methods {
		if !slices.Contains(authNames, m) {
			errs = append(errs, fmt.Sprintf("server.methods: unknown method %q", m))
		}
	}
	for _, m := range s.RequiredMethods {
		if !slices.Contains(s.Methods, m) {
			errs = append(errs, fmt.Sprintf("server.required_methods: %q is not in server.methods", m))
		}
	}
	if s.Banner != "" && s.BannerFile != "" {
		errs = append(errs, "server: banner and banner_file are mutually exclusive")
	}
	if slices.Contains(s.Methods, constants.MethodPublicKey) && s.AuthorizedKeys == "" {
		errs = append(errs, "server.authorized_keys: required by the publickey method")
	}
	if s.MaxAuthAttempts < 0 {
		errs = append(errs, "server.max_auth_attempts: must not be negative")
	}
	if s.MaxConnectionsPerIP < 0 {
		errs = append(errs, "server.max_connections_per_ip: must not be negative")
	}
	if s.HandshakeRate < 0 {
		errs = append(errs, "server.handshake_rate: must not be negative")
	}
	if s.HandshakeBurst < 0 {
		errs = append(errs, "server.handshake_burst: must not be negative")
	}
	return errs
}

// NewLogger builds the logger described by the log section.
func (c *Config) NewLogger(out io.Writer) *metrics.Logger {
	return metrics.NewLogger(
		metrics.WithOutput(out),
		metrics.WithLevel(metrics.ParseLevel(c.Log.Level)),
		metrics.WithFormat(metrics.ParseFormat(c.Log.Format)),
	)
}

// ToTransportConfig returns the transport settings without host keys or a
// host key callback.
func (c *Config) ToTransportConfig() (transport.Config, error) {
	cfg := transport.DefaultConfig()
	t := c.Transport

	cfg.KeyExchanges = slices.Clone(t.KeyExchanges)
	cfg.Ciphers = slices.Clone(t.Ciphers)
	cfg.MACs = slices.Clone(t.MACs)
	cfg.Compressions = slices.Clone(t.Compressions)
	cfg.HostKeyAlgorithms = slices.Clone(t.HostKeyAlgorithms)

	if t.RekeyInterval != 0 {
		if err := cfg.SetRekeyInterval(t.RekeyInterval); err != nil {
			return transport.Config{}, err
		}
	}
	if t.RekeyBytes != 0 {
		if err := cfg.SetRekeyBytes(uint64(t.RekeyBytes)); err != nil {
			return transport.Config{}, err
		}
	}
	if t.HandshakeTimeout != 0 {
		cfg.HandshakeTimeout = t.HandshakeTimeout
	}
	return cfg, nil
}

// ListenerConfig returns the listener settings with the host keys loaded.
func (c *Config) ListenerConfig() (transport.ListenerConfig, error) {
	tc, err := c.ToTransportConfig()
	if err != nil {
		return transport.ListenerConfig{}, err
	}
	keys, err := c.Server.LoadHostKeys()
	if err != nil {
		return transport.ListenerConfig{}, err
	}
	tc.HostKeys = keys

	return transport.ListenerConfig{
		Transport: tc,
		RateLimit: transport.RateLimitConfig{
			MaxConnectionsPerIP: c.Server.MaxConnectionsPerIP,
			HandshakeRate:       c.Server.HandshakeRate,
			HandshakeBurst:      c.Server.HandshakeBurst,
		},
	}, nil
}

// LoadHostKeys reads the server's private host keys.
func (s *ServerConfig) LoadHostKeys() ([]ssh.Signer, error) {
	if len(s.HostKeys) == 0 {
		return nil, fmt.Errorf("%w: server.host_keys is empty", qerrors.ErrInvalidConfig)
	}
	signers := make([]ssh.Signer, 0, len(s.HostKeys))
	for _, path := range s.HostKeys {
		signer, err := LoadSigner(path)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// BannerText returns the pre-authentication banner, read from BannerFile
// when one is set.
func (s *ServerConfig) BannerText() (string, error) {
	if s.BannerFile == "" {
		return s.Banner, nil
	}
	data, err := os.ReadFile(ExpandHome(s.BannerFile))
	if err != nil {
		return "", fmt.Errorf("failed to read banner: %w", err)
	}
	return string(data), nil
}

// PasswordVerifier returns the user table when UsersFile is set and PAM
// otherwise.
func (s *ServerConfig) PasswordVerifier() (auth.PasswordVerifier, error) {
	if s.UsersFile != "" {
		db, err := auth.LoadUserDB(ExpandHome(s.UsersFile))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	v, err := auth.NewPAMVerifier(s.PAMService)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// AuthMethods builds the method registry in the order of Methods.
func (s *ServerConfig) AuthMethods() (*auth.MethodRegistry, error) {
	reg := auth.NewMethodRegistry()

	var verifier auth.PasswordVerifier
	passwordVerifier := func() (auth.PasswordVerifier, error) {
		if verifier != nil {
			return verifier, nil
		}
		v, err := s.PasswordVerifier()
		if err != nil {
			return nil, err
		}
		verifier = v
		return v, nil
	}

	for _, name := range s.Methods {
		switch name {
		case constants.MethodPublicKey:
			reg.Register(name, auth.PublicKeyAuth(auth.AuthorizedKeysFile{Pattern: ExpandHome(s.AuthorizedKeys)}))
		case constants.MethodPassword:
			v, err := passwordVerifier()
			if err != nil {
				return nil, err
			}
			reg.Register(name, auth.PasswordAuth(v))
		case constants.MethodKeyboardInteractive:
			v, err := passwordVerifier()
			if err != nil {
				return nil, err
			}
			reg.Register(name, auth.KeyboardInteractiveAuth(v))
		default:
			return nil, fmt.Errorf("%w: unknown method %q", qerrors.ErrInvalidConfig, name)
		}
	}
	return reg, nil
}

// LoadSigner reads an unencrypted OpenSSH or PEM private key.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", qerrors.ErrInvalidConfig, path, err)
	}
	return signer, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
