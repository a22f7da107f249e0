package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// NoConfigFile may be passed instead of a path to take all settings from
// the environment.
const NoConfigFile = "none"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "T9_CONFIG_"

// SearchLocations are tried in order when no path is given explicitly.
var SearchLocations = []string{
	"config.yaml", "config.yml",
	"~/.config/t9.yaml", "~/.config/t9.yml",
	"/etc/t9/config.yaml", "/etc/t9/config.yml",
}

// ErrNotFound is returned by Find when no config file could be located.
var ErrNotFound = errors.New("config file not found")

// Config is the root configuration of the bot and its exec host.
type Config struct {
	Host                string `yaml:"host" env:"HOST"`
	Port                int    `yaml:"port" env:"PORT"`
	TLS                 bool   `yaml:"tls" env:"TLS"`
	TLSVerify           bool   `yaml:"tls_verify" env:"TLS_VERIFY"`
	TLSCAFile           string `yaml:"tls_ca_file,omitempty" env:"TLS_CA_FILE"`
	TLSCADirectory      string `yaml:"tls_ca_directory,omitempty" env:"TLS_CA_DIRECTORY"`
	TLSClientCert       string `yaml:"tls_client_cert,omitempty" env:"TLS_CLIENT_CERT"`
	TLSClientPrivateKey string `yaml:"tls_client_private_key,omitempty" env:"TLS_CLIENT_PRIVATE_KEY"`
	Password            string `yaml:"password,omitempty" env:"PASSWORD"`

	Nick     string `yaml:"nick" env:"NICK"`
	User     string `yaml:"user" env:"USER"`
	VHost    string `yaml:"vhost" env:"VHOST"`
	RealName string `yaml:"realname" env:"REALNAME"`
	Help     string `yaml:"help" env:"HELP"`

	ExecServerBaseURL string `yaml:"exec_server_base_url" env:"EXEC_SERVER_BASE_URL"`

	ConsoleChannel      string        `yaml:"console_channel" env:"CONSOLE_CHANNEL"`
	ConsoleChannelLevel string        `yaml:"console_channel_level" env:"CONSOLE_CHANNEL_LEVEL"` // a level name, or "false" to disable
	Channels            []string      `yaml:"channels" env:"CHANNELS" envSeparator:","`
	Ignore              []string      `yaml:"ignore" env:"IGNORE" envSeparator:","`
	InviteAllowed       InviteAllowed `yaml:"invite_allowed" env:"INVITE_ALLOWED"`
	PassiveJoin         bool          `yaml:"passive_join" env:"PASSIVE_JOIN"`

	PrimitiveLeaders string `yaml:"primitive_leaders" env:"PRIMITIVE_LEADERS"`
	CommandLeaders   string `yaml:"command_leaders" env:"COMMAND_LEADERS"`
	UserLeaders      string `yaml:"user_leaders" env:"USER_LEADERS"`

	DefineFunctionsInT9ChannelsOnly bool `yaml:"define_functions_in_t9_channels_only" env:"DEFINE_FUNCTIONS_IN_T9_CHANNELS_ONLY"`
	StrictParents                   bool `yaml:"strict_parents" env:"STRICT_PARENTS"`
	StackLimit                      int  `yaml:"stack_limit" env:"STACK_LIMIT"`

	FunctionExecTime TimeLimit `yaml:"function_exec_time" env:"FUNCTION_EXEC_TIME"`
	DefaultExecTime  TimeLimit `yaml:"default_exec_time" env:"DEFAULT_EXEC_TIME"`
	MaxExecTime      TimeLimit `yaml:"max_exec_time" env:"MAX_EXEC_TIME"`
	ExecLocale       string    `yaml:"exec_locale" env:"EXEC_LOCALE"`
	ExecPythonUTF8   bool      `yaml:"exec_python_utf8" env:"EXEC_PYTHON_UTF8"`

	SecureBase    string `yaml:"secure_base,omitempty" env:"SECURE_BASE"`
	RelSecureBase string `yaml:"rel_secure_base,omitempty" env:"REL_SECURE_BASE"`

	DB     DBConfig          `yaml:"db" envPrefix:"DB_"`
	UserDB map[string]string `yaml:"user_db,omitempty"`

	PastebinURL string `yaml:"pastebin_url,omitempty" env:"PASTEBIN_URL"`

	SendRatePerMinute int `yaml:"send_rate_per_minute" env:"SEND_RATE_PER_MINUTE"`
	SendBurst         int `yaml:"send_burst" env:"SEND_BURST"`

	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	MetricsListen string `yaml:"metrics_listen,omitempty" env:"METRICS_LISTEN"`

	ExecServer ExecServerConfig `yaml:"exec_server" envPrefix:"EXEC_SERVER_"`
}

// DBConfig locates the bot's own storage. An empty path disables storage.
type DBConfig struct {
	Path string `yaml:"path,omitempty" env:"PATH"`
}

// ExecServerConfig configures the `exec-server` subcommand.
type ExecServerConfig struct {
	Listen         string    `yaml:"listen" env:"LISTEN"`
	DefaultTimeout TimeLimit `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	MaxOutputBytes int       `yaml:"max_output_bytes" env:"MAX_OUTPUT_BYTES"`
}

// Find resolves the config file to use: explicit, then $T9_CONFIG_FILE, then
// the first existing SearchLocations entry. NoConfigFile is returned as is.
func Find(explicit string) (string, error) {
	candidates := []string{explicit, os.Getenv("T9_CONFIG_FILE")}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if c == NoConfigFile {
			return NoConfigFile, nil
		}
		return expandPath(c), nil
	}
	for _, loc := range SearchLocations {
		p := expandPath(loc)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: pass --config, set $T9_CONFIG_FILE, or use one of %s (or %q for environment only)",
		ErrNotFound, strings.Join(SearchLocations, ", "), NoConfigFile)
}

// Load reads the YAML file at path (or nothing for NoConfigFile), overlays
// T9_CONFIG_* environment variables, applies derived defaults and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != NoConfigFile {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		data = []byte(ExpandEnvVars(string(data)))

		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
		if len(node.Content) > 0 && node.Content[0].Kind != yaml.MappingNode {
			return nil, fmt.Errorf("config file %s: top level must be a mapping", path)
		}
		if err := node.Decode(cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.Environ()); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	Normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays T9_CONFIG_* variables from environ onto cfg.
// T9_CONFIG_USER_DB_<KEY> entries populate UserDB; the NAME suffix maps to
// the dbname key.
func ApplyEnv(cfg *Config, environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: vars,
	}); err != nil {
		return err
	}

	const userDBPrefix = EnvPrefix + "USER_DB_"
	for k, v := range vars {
		if !strings.HasPrefix(k, userDBPrefix) {
			continue
		}
		suffix := strings.TrimPrefix(k, userDBPrefix)
		if suffix == "" {
			return fmt.Errorf("missing suffix on environment variable %s", k)
		}
		key := strings.ToLower(suffix)
		if suffix == "NAME" {
			key = "dbname"
		}
		if cfg.UserDB == nil {
			cfg.UserDB = make(map[string]string)
		}
		cfg.UserDB[key] = v
	}
	return nil
}

// Normalize lower-cases channel names, derives the console channel and makes
// sure it is among the configured channels.
func Normalize(cfg *Config) {
	cfg.Channels = lowerList(cfg.Channels)
	cfg.Ignore = lowerList(cfg.Ignore)
	cfg.InviteAllowed.Nicks = lowerList(cfg.InviteAllowed.Nicks)

	if cfg.ConsoleChannel == "" && cfg.Nick != "" {
		cfg.ConsoleChannel = "#" + cfg.Nick + "-console"
	}
	cfg.ConsoleChannel = strings.ToLower(cfg.ConsoleChannel)
	if cfg.ConsoleChannel != "" && !contains(cfg.Channels, cfg.ConsoleChannel) {
		cfg.Channels = append(cfg.Channels, cfg.ConsoleChannel)
	}

	cfg.DB.Path = expandPath(cfg.DB.Path)
}

// BotChannelPrefix is the prefix of every channel the bot owns.
func (c *Config) BotChannelPrefix() string {
	return "#" + strings.ToLower(c.Nick) + "-"
}

// ConsoleEnabled reports whether log records are forwarded to the console channel.
func (c *Config) ConsoleEnabled() bool {
	switch strings.ToLower(c.ConsoleChannelLevel) {
	case "", "false", "off", "none":
		return false
	}
	return true
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	required := []struct{ name, value string }{
		{"host", cfg.Host},
		{"nick", cfg.Nick},
		{"user", cfg.User},
		{"vhost", cfg.VHost},
		{"realname", cfg.RealName},
		{"exec_server_base_url", cfg.ExecServerBaseURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, r.name+" is required")
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if cfg.Nick != "" && !strings.HasPrefix(cfg.ConsoleChannel, cfg.BotChannelPrefix()) {
		errs = append(errs, fmt.Sprintf("console_channel must begin with %s", cfg.BotChannelPrefix()))
	}
	if cfg.ConsoleEnabled() {
		if _, err := ParseLevel(cfg.ConsoleChannelLevel); err != nil {
			errs = append(errs, "console_channel_level: "+err.Error())
		}
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, "log_level: "+err.Error())
	}

	for _, tl := range []struct {
		name string
		v    TimeLimit
	}{
		{"function_exec_time", cfg.FunctionExecTime},
		{"default_exec_time", cfg.DefaultExecTime},
		{"max_exec_time", cfg.MaxExecTime},
		{"exec_server.default_timeout", cfg.ExecServer.DefaultTimeout},
	} {
		if tl.v < 1 {
			errs = append(errs, tl.name+": time limit must be >= 1 second")
		}
	}
	if cfg.DefaultExecTime > cfg.MaxExecTime {
		errs = append(errs, "default_exec_time must not exceed max_exec_time")
	}

	if cfg.StackLimit < 1 {
		errs = append(errs, "stack_limit must be >= 1")
	}
	if cfg.PrimitiveLeaders == "" || cfg.CommandLeaders == "" {
		errs = append(errs, "primitive_leaders and command_leaders must not be empty")
	}
	if cfg.SendRatePerMinute < 0 || cfg.SendBurst < 0 {
		errs = append(errs, "send_rate_per_minute and send_burst must be >= 0")
	}
	if cfg.ExecServer.MaxOutputBytes < 1 {
		errs = append(errs, "exec_server.max_output_bytes must be >= 1")
	}
	if (cfg.SecureBase == "") != (cfg.RelSecureBase == "") {
		errs = append(errs, "secure_base and rel_secure_base must be set together")
	}
	if (cfg.TLSClientCert == "") != (cfg.TLSClientPrivateKey == "") {
		errs = append(errs, "tls_client_cert and tls_client_private_key must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func lowerList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
