package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lecca.io/scout-watchtower/internal/substrate"
)

const (
	DefaultWS            = "ws://127.0.0.1:9944"
	DefaultErrorInterval = "30m"
	DefaultRPCTimeout    = "10s"
	DefaultHookTimeout   = "60s"
	DefaultStatusPort    = 8888
	DefaultPromPort      = 9999
	DefaultPromPrefix    = "scout"
)

// ============================================================
// MAIN CONFIG
// ============================================================

type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Expose   ExposeConfig   `yaml:"expose"`
	Report   ReportConfig   `yaml:"report"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ============================================================
// CHAIN CONFIG
// ============================================================

type ChainConfig struct {
	// Name overrides the chain name reported by system_chain.
	Name    string       `yaml:"name"`
	WS      string       `yaml:"ws"`
	Nodes   []NodeConfig `yaml:"nodes"`
	Stashes []string     `yaml:"stashes"`
}

type NodeConfig struct {
	Label       string `yaml:"label"`
	WS          string `yaml:"ws"`
	AlertOnDown bool   `yaml:"alert_on_down"`
}

// ============================================================
// HOOKS CONFIG
// ============================================================

// HooksConfig holds script paths; an empty path disables the hook.
type HooksConfig struct {
	Init                           string `yaml:"init"`
	NewSession                     string `yaml:"new_session"`
	NewEra                         string `yaml:"new_era"`
	ValidatorStartsActiveNextEra   string `yaml:"validator_starts_active_next_era"`
	ValidatorStartsInactiveNextEra string `yaml:"validator_starts_inactive_next_era"`
	ValidatorSlashed               string `yaml:"validator_slashed"`
	ValidatorChilled               string `yaml:"validator_chilled"`
	ValidatorOffline               string `yaml:"validator_offline"`
	ReferendaSubmitted             string `yaml:"referenda_submitted"`
}

// ============================================================
// EXPOSE / REPORT CONFIG
// ============================================================

// ExposeConfig selects which values are passed to hooks instead of "-".
type ExposeConfig struct {
	All            bool `yaml:"all"`
	Network        bool `yaml:"network"`
	AuthoredBlocks bool `yaml:"authored_blocks"`
	ParaValidator  bool `yaml:"para_validator"`
	EraPoints      bool `yaml:"era_points"`
}

func (e ExposeConfig) NetworkEnabled() bool        { return e.All || e.Network }
func (e ExposeConfig) AuthoredBlocksEnabled() bool { return e.All || e.AuthoredBlocks }
func (e ExposeConfig) ParaValidatorEnabled() bool  { return e.All || e.ParaValidator }
func (e ExposeConfig) EraPointsEnabled() bool      { return e.All || e.EraPoints }

type ReportConfig struct {
	Short bool `yaml:"short"`
}

// ============================================================
// ALERTS CONFIG
// ============================================================

type AlertsConfig struct {
	Channels AlertChannels `yaml:"channels"`
	Rules    AlertRules    `yaml:"rules"`
}

type AlertChannels struct {
	Matrix    MatrixConfig    `yaml:"matrix"`
	Discord   DiscordConfig   `yaml:"discord"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Slack     SlackConfig     `yaml:"slack"`
	PagerDuty PagerDutyConfig `yaml:"pagerduty"`
}

type MatrixConfig struct {
	Enabled bool `yaml:"enabled"`
	// User receives the messages in a private room with the bot.
	User                string `yaml:"user"`
	BotUser             string `yaml:"bot_user"`
	BotPassword         string `yaml:"bot_password"`
	Server              string `yaml:"server"`
	DisplayNameDisabled bool   `yaml:"display_name_disabled"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type PagerDutyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Severity string `yaml:"severity"`
}

type AlertRules struct {
	NodeDown      AlertRule `yaml:"node_down"`
	FinalityStall AlertRule `yaml:"finality_stall"`
}

type AlertRule struct {
	FireAfter string `yaml:"fire_after"`
}

// ============================================================
// ADVANCED CONFIG
// ============================================================

type AdvancedConfig struct {
	ErrorInterval  string           `yaml:"error_interval"`
	RPCTimeout     string           `yaml:"rpc_timeout"`
	HookTimeout    string           `yaml:"hook_timeout"`
	HealthInterval string           `yaml:"health_interval"`
	StatusPort     int              `yaml:"status_port"`
	Prometheus     PrometheusConfig `yaml:"prometheus"`
	HideLogs       bool             `yaml:"hide_logs"`
}

type PrometheusConfig struct {
	MetricsPrefix string `yaml:"metrics_prefix"`
	Port          int    `yaml:"port"`
}

// ============================================================
// HELPER FUNCTIONS
// ============================================================

// ParseDuration parses duration strings like "1m", "5m", "30s"
func ParseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Enabled returns true if the alert rule is enabled (has fire_after set)
func (r AlertRule) Enabled() bool {
	return r.FireAfter != ""
}

func (r AlertRule) FireDuration() time.Duration {
	return ParseDuration(r.FireAfter)
}

// Endpoints lists the nodes to read from, falling back to chain.ws.
func (c ChainConfig) Endpoints() []substrate.Endpoint {
	var eps []substrate.Endpoint
	for i, n := range c.Nodes {
		label := n.Label
		if label == "" {
			label = fmt.Sprintf("node-%d", i+1)
		}
		eps = append(eps, substrate.Endpoint{Label: label, URL: n.WS})
	}
	if len(eps) == 0 {
		eps = append(eps, substrate.Endpoint{Label: "default", URL: c.WS})
	}
	return eps
}

// StashIDs returns the decoded stash accounts. Load has already validated them.
func (c ChainConfig) StashIDs() []substrate.AccountID {
	ids, _ := substrate.ParseAccountIDs(c.Stashes)
	return ids
}

// ============================================================
// LOAD FUNCTION
// ============================================================

func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes the file and applies defaults without validating, so command
// line overrides can be applied first.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// KnownChains are the public endpoints selected by chain name on the
// command line.
var KnownChains = map[string]string{
	"westend":  "wss://westend-rpc.polkadot.io:443",
	"kusama":   "wss://kusama-rpc.polkadot.io:443",
	"polkadot": "wss://rpc.polkadot.io:443",
}

func (cfg *Config) ApplyDefaults() {
	if cfg.Chain.WS == "" {
		cfg.Chain.WS = DefaultWS
	}
	if cfg.Advanced.ErrorInterval == "" {
		cfg.Advanced.ErrorInterval = DefaultErrorInterval
	}
	if cfg.Advanced.RPCTimeout == "" {
		cfg.Advanced.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.Advanced.HookTimeout == "" {
		cfg.Advanced.HookTimeout = DefaultHookTimeout
	}
	if cfg.Advanced.HealthInterval == "" {
		cfg.Advanced.HealthInterval = "30s"
	}
	if cfg.Advanced.StatusPort == 0 {
		cfg.Advanced.StatusPort = DefaultStatusPort
	}
	if cfg.Advanced.Prometheus.Port == 0 {
		cfg.Advanced.Prometheus.Port = DefaultPromPort
	}
	if cfg.Advanced.Prometheus.MetricsPrefix == "" {
		cfg.Advanced.Prometheus.MetricsPrefix = DefaultPromPrefix
	}
}

// SetStashes overrides chain.stashes from a comma separated list.
func (cfg *Config) SetStashes(list string) {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	cfg.Chain.Stashes = out
}

func (cfg *Config) Validate() error {
	var errs []error
	if len(cfg.Chain.Stashes) == 0 {
		errs = append(errs, errors.New("chain.stashes: at least one stash is required"))
	}
	if _, err := substrate.ParseAccountIDs(cfg.Chain.Stashes); err != nil {
		errs = append(errs, fmt.Errorf("chain.stashes: %w", err))
	}
	for field, v := range map[string]string{
		"advanced.error_interval":  cfg.Advanced.ErrorInterval,
		"advanced.rpc_timeout":     cfg.Advanced.RPCTimeout,
		"advanced.hook_timeout":    cfg.Advanced.HookTimeout,
		"advanced.health_interval": cfg.Advanced.HealthInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	m := cfg.Alerts.Channels.Matrix
	if m.Enabled && (m.User == "" || m.BotUser == "" || m.BotPassword == "") {
		errs = append(errs, errors.New("alerts.channels.matrix: user, bot_user and bot_password are required"))
	}
	return errors.Join(errs...)
}
