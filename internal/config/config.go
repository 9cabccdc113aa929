package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version  int          `yaml:"version"`
	Global   GlobalConfig `yaml:"global"`
	L1       L1Config     `yaml:"l1"`
	Token    Token        `yaml:"token"`
	Networks []Network    `yaml:"networks"`
	Sinks    []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath        string   `yaml:"db_path"`
	Confirmations uint64   `yaml:"confirmations"`
	Workers       int      `yaml:"workers"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
	CacheSize     int      `yaml:"cache_size"`
	RetryFailed   bool     `yaml:"retry_failed"`
	Protocol      string   `yaml:"protocol"`
	DedupeTTL     Duration `yaml:"dedupe_ttl"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// L1Config describes the chain holding the escrows.
type L1Config struct {
	RPCURL     string  `yaml:"rpc_url"`
	StartBlock string  `yaml:"start_block"`
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
}

// Token is the bridged asset: its L1 contract and the L2 representation.
type Token struct {
	Symbol    string `yaml:"symbol"`
	L1Address string `yaml:"l1_address"`
	L2Address string `yaml:"l2_address"`
	ABIPath   string `yaml:"abi_path"`
}

// Network is a monitored L2: its L1 escrow and an RPC endpoint on the L2.
type Network struct {
	Name   string  `yaml:"name"`
	Escrow string  `yaml:"escrow"`
	RPCURL string  `yaml:"rpc_url"`
	RPS    float64 `yaml:"rps"`
	Burst  int     `yaml:"burst"`
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Severities []string `yaml:"severities"`
}

// Duration decodes Go duration strings such as "10s" or "1h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Defaults applied by Load when a field is left empty.
const (
	DefaultDBPath       = "escrow-watch.db"
	DefaultProtocol     = "MakerDao"
	DefaultDedupeTTL    = time.Hour
	DefaultPollInterval = 5 * time.Second
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = DefaultDBPath
	}
	if c.Global.Protocol == "" {
		c.Global.Protocol = DefaultProtocol
	}
	if c.Global.DedupeTTL.Duration == 0 {
		c.Global.DedupeTTL.Duration = DefaultDedupeTTL
	}
	if c.Global.PollInterval.Duration == 0 {
		c.Global.PollInterval.Duration = DefaultPollInterval
	}
	for i := range c.Sinks {
		if strings.EqualFold(c.Sinks[i].Type, "webhook") && c.Sinks[i].Method == "" {
			c.Sinks[i].Method = "POST"
		}
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.Workers < 0 {
		return errors.New("global.workers must not be negative")
	}
	if c.Global.CacheSize < 0 {
		return errors.New("global.cache_size must not be negative")
	}
	if err := c.L1.Validate(); err != nil {
		return fmt.Errorf("l1: %w", err)
	}
	if err := c.Token.Validate(); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}

	names := map[string]struct{}{}
	escrows := map[common.Address]string{}
	for _, n := range c.Networks {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
		if _, exists := names[n.Name]; exists {
			return fmt.Errorf("duplicate network name: %s", n.Name)
		}
		names[n.Name] = struct{}{}
		addr := common.HexToAddress(n.Escrow)
		if other, exists := escrows[addr]; exists {
			return fmt.Errorf("network %s: escrow already used by %s", n.Name, other)
		}
		escrows[addr] = n.Name
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (l *L1Config) Validate() error {
	if l.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	return validateLimits(l.RPS, l.Burst)
}

func (t *Token) Validate() error {
	if t.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !common.IsHexAddress(t.L1Address) {
		return fmt.Errorf("invalid l1_address %q", t.L1Address)
	}
	if !common.IsHexAddress(t.L2Address) {
		return fmt.Errorf("invalid l2_address %q", t.L2Address)
	}
	return nil
}

func (n *Network) Validate() error {
	if n.Name == "" {
		return errors.New("name is required")
	}
	if !common.IsHexAddress(n.Escrow) {
		return fmt.Errorf("invalid escrow address %q", n.Escrow)
	}
	if n.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	return validateLimits(n.RPS, n.Burst)
}

func validateLimits(rps float64, burst int) error {
	if rps < 0 {
		return errors.New("rps must not be negative")
	}
	if burst < 0 {
		return errors.New("burst must not be negative")
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "stdout":
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}

	for _, sev := range s.Severities {
		switch sev {
		case "informational", "critical":
		default:
			return fmt.Errorf("unknown severity %q", sev)
		}
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
