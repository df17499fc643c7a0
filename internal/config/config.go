package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ledgerbridge.yml.
type Config struct {
	Relay struct {
		PollInterval     Duration `yaml:"poll_interval"`
		BatchSize        int      `yaml:"batch_size"`
		MaxAttempts      int      `yaml:"max_attempts"`
		BackoffBase      Duration `yaml:"backoff_base"`
		BackoffCap       Duration `yaml:"backoff_cap"`
		LockTTL          Duration `yaml:"lock_ttl"`
		SubmitTimeout    Duration `yaml:"submit_timeout"`
		BreakerEnabled   *bool    `yaml:"breaker_enabled"`
		BreakerThreshold int      `yaml:"breaker_threshold"`
		BreakerCooloff   Duration `yaml:"breaker_cooloff"`
	} `yaml:"relay"`
	Listener struct {
		Consumer           string   `yaml:"consumer"`
		Channel            string   `yaml:"channel"`
		CheckpointInterval int      `yaml:"checkpoint_interval"`
		GenesisBlock       uint64   `yaml:"genesis_block"`
		ReconnectBackoff   Duration `yaml:"reconnect_backoff"`
	} `yaml:"listener"`
	Identities struct {
		Default string            `yaml:"default"`
		Routing map[string]string `yaml:"routing"`
	} `yaml:"identities"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		LagThreshold           uint64 `yaml:"lag_threshold"`
	} `yaml:"server"`
	Alerts []AlertWebhook `yaml:"alerts"`
}

// AlertWebhook is an outbound notification target for terminal failures.
type AlertWebhook struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

// Duration wraps time.Duration for YAML round-tripping ("500ms", "30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config.relay.batch_size must be positive")
	}
	if c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("config.relay.max_attempts must be positive")
	}
	if c.Relay.PollInterval.Std() <= 0 {
		return fmt.Errorf("config.relay.poll_interval must be positive")
	}
	if c.Relay.BackoffBase.Std() <= 0 || c.Relay.BackoffCap.Std() < c.Relay.BackoffBase.Std() {
		return fmt.Errorf("config.relay.backoff_base/backoff_cap invalid")
	}
	if c.Relay.LockTTL.Std() <= 0 {
		return fmt.Errorf("config.relay.lock_ttl must be positive")
	}
	if c.Relay.SubmitTimeout.Std() <= 0 {
		return fmt.Errorf("config.relay.submit_timeout must be positive")
	}
	if c.Relay.BreakerThreshold <= 0 {
		return fmt.Errorf("config.relay.breaker_threshold must be positive")
	}
	if c.Relay.BreakerCooloff.Std() <= 0 {
		return fmt.Errorf("config.relay.breaker_cooloff must be positive")
	}
	if c.Listener.Consumer == "" {
		return fmt.Errorf("config.listener.consumer is required")
	}
	if c.Listener.Channel == "" {
		return fmt.Errorf("config.listener.channel is required")
	}
	if c.Listener.CheckpointInterval <= 0 {
		return fmt.Errorf("config.listener.checkpoint_interval must be positive")
	}
	if c.Identities.Default == "" {
		return fmt.Errorf("config.identities.default is required")
	}
	for prefix, identity := range c.Identities.Routing {
		if prefix == "" {
			return fmt.Errorf("config.identities.routing contains empty command-type prefix")
		}
		if identity == "" {
			return fmt.Errorf("config.identities.routing: prefix %s maps to empty identity", prefix)
		}
	}
	for i, hook := range c.Alerts {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.alerts[%d].url is required", i)
		}
	}
	return nil
}

// IdentityFor resolves the ledger identity for a command type using the
// longest matching routing prefix, falling back to the default identity.
func (c *Config) IdentityFor(commandType string) string {
	best := ""
	for prefix := range c.Identities.Routing {
		if strings.HasPrefix(commandType, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return c.Identities.Routing[best]
	}
	return c.Identities.Default
}

// IdentityNames returns every identity the routing table can resolve to.
func (c *Config) IdentityNames() []string {
	seen := map[string]bool{c.Identities.Default: true}
	for _, id := range c.Identities.Routing {
		seen[id] = true
	}
	names := make([]string, 0, len(seen))
	for id := range seen {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ledgerbridge.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Relay.PollInterval = Duration(2 * time.Second)
	cfg.Relay.BatchSize = 20
	cfg.Relay.MaxAttempts = 5
	cfg.Relay.BackoffBase = Duration(500 * time.Millisecond)
	cfg.Relay.BackoffCap = Duration(60 * time.Second)
	cfg.Relay.LockTTL = Duration(2 * time.Minute)
	cfg.Relay.SubmitTimeout = Duration(10 * time.Second)
	cfg.Relay.BreakerThreshold = 5
	cfg.Relay.BreakerCooloff = Duration(30 * time.Second)
	cfg.Listener.Consumer = "readmodel"
	cfg.Listener.Channel = "main"
	cfg.Listener.CheckpointInterval = 10
	cfg.Listener.ReconnectBackoff = Duration(2 * time.Second)
	cfg.Identities.Default = "operator"
	cfg.Identities.Routing = map[string]string{
		"account.kyc.": "admin",
		"governance.":  "admin",
	}
	cfg.Server.Addr = ":8087"
	cfg.Server.BasePath = "/v0"
	cfg.Server.LagThreshold = 100
	return &cfg
}

// BreakerEnabled defaults to on when unset.
func (c *Config) BreakerOn() bool {
	return c.Relay.BreakerEnabled == nil || *c.Relay.BreakerEnabled
}
