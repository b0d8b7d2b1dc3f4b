package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"webcontent/reputation-service/internal/stix"
)

type ServerCfg struct {
	Listen         string `yaml:"listen" toml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	// TrustedProxies are CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

type LoggingCfg struct {
	Level string `yaml:"level" toml:"level"` // info|debug
}

// IdentityCfg names the default creator. Either ID is given directly, or it
// is derived from Name and Class.
type IdentityCfg struct {
	ID    string `yaml:"id" toml:"id"`
	Name  string `yaml:"name" toml:"name"`
	Class string `yaml:"class" toml:"class"`
}

type BoltCfg struct {
	Path string `yaml:"path" toml:"path"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" toml:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec" toml:"timeout_sec"`
}

type OpenCTICfg struct {
	URL       string     `yaml:"url" toml:"url"`
	Token     string     `yaml:"token" toml:"token"`
	TimeoutMs int        `yaml:"timeout_ms" toml:"timeout_ms"`
	Breaker   BreakerCfg `yaml:"breaker" toml:"breaker"`
}

type StoreCfg struct {
	Backend string     `yaml:"backend" toml:"backend"` // memory | bolt | opencti
	Bolt    BoltCfg    `yaml:"bolt" toml:"bolt"`
	OpenCTI OpenCTICfg `yaml:"opencti" toml:"opencti"`
}

type AuthCfg struct {
	Required   bool              `yaml:"required" toml:"required"`
	Alg        string            `yaml:"alg" toml:"alg"`
	Keys       map[string]string `yaml:"keys" toml:"keys"`
	CurrentKID string            `yaml:"current_kid" toml:"current_kid"`
	Issuer     string            `yaml:"issuer" toml:"issuer"`
	SkewSec    int               `yaml:"skew_sec" toml:"skew_sec"`
}

type RateCfg struct {
	WriteRPSThreshold int `yaml:"write_rps_threshold" toml:"write_rps_threshold"`
	MaxInflightWrites int `yaml:"max_inflight_writes" toml:"max_inflight_writes"`
}

type TAXIIPeerCfg struct {
	Name            string      `yaml:"name" toml:"name"`
	URL             string      `yaml:"url" toml:"url"`
	Username        string      `yaml:"username" toml:"username"`
	Password        string      `yaml:"password" toml:"password"`
	Collection      string      `yaml:"collection" toml:"collection"`
	PollIntervalSec int         `yaml:"poll_interval_sec" toml:"poll_interval_sec"`
	Identity        IdentityCfg `yaml:"identity" toml:"identity"`
}

type TAXIICfg struct {
	Enabled      bool           `yaml:"enabled" toml:"enabled"`
	CollectionID string         `yaml:"collection_id" toml:"collection_id"`
	Title        string         `yaml:"title" toml:"title"`
	MaxObjects   int            `yaml:"max_objects" toml:"max_objects"`
	Peers        []TAXIIPeerCfg `yaml:"peers" toml:"peers"`
}

type EventsCfg struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Subject string `yaml:"subject" toml:"subject"`
}

type Config struct {
	Server   ServerCfg   `yaml:"server" toml:"server"`
	Logging  LoggingCfg  `yaml:"logging" toml:"logging"`
	Identity IdentityCfg `yaml:"identity" toml:"identity"`
	Store    StoreCfg    `yaml:"store" toml:"store"`
	Auth     AuthCfg     `yaml:"auth" toml:"auth"`
	Rate     RateCfg     `yaml:"rate" toml:"rate"`
	TAXII    TAXIICfg    `yaml:"taxii" toml:"taxii"`
	Events   EventsCfg   `yaml:"events" toml:"events"`
}

// Load reads a YAML file, or TOML when the path ends in .toml, and fills defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Identity.Class == "" {
		c.Identity.Class = "organization"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Bolt.Path == "" {
		c.Store.Bolt.Path = "data"
	}
	if c.Store.OpenCTI.TimeoutMs == 0 {
		c.Store.OpenCTI.TimeoutMs = 10000
	}
	if c.Store.OpenCTI.Breaker.FailureThreshold == 0 {
		c.Store.OpenCTI.Breaker.FailureThreshold = 5
	}
	if c.Store.OpenCTI.Breaker.SuccessThreshold == 0 {
		c.Store.OpenCTI.Breaker.SuccessThreshold = 2
	}
	if c.Store.OpenCTI.Breaker.TimeoutSec == 0 {
		c.Store.OpenCTI.Breaker.TimeoutSec = 30
	}
	if c.Auth.Alg == "" {
		c.Auth.Alg = "HS256"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "webcontentd"
	}
	if c.Auth.SkewSec == 0 {
		c.Auth.SkewSec = 30
	}
	if c.TAXII.CollectionID == "" {
		c.TAXII.CollectionID = "web-content"
	}
	if c.TAXII.Title == "" {
		c.TAXII.Title = "Web content blocklist"
	}
	if c.TAXII.MaxObjects == 0 {
		c.TAXII.MaxObjects = 50000
	}
	for i := range c.TAXII.Peers {
		p := &c.TAXII.Peers[i]
		if p.PollIntervalSec == 0 {
			p.PollIntervalSec = 300
		}
		if p.Identity.Class == "" {
			p.Identity.Class = "organization"
		}
		if p.Name == "" {
			p.Name = p.URL
		}
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "webcontent.transitions"
	}
}

// ResolveID returns the identity's standard id, or "" when unset.
func (i IdentityCfg) ResolveID() string {
	if i.ID != "" {
		return i.ID
	}
	if i.Name == "" {
		return ""
	}
	return stix.IdentityID(i.Name, i.Class)
}

func (c *Config) DefaultCreator() string {
	return c.Identity.ResolveID()
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if c.DefaultCreator() == "" {
		return errors.New("identity.id or identity.name required")
	}
	if id := c.Identity.ID; id != "" && !strings.HasPrefix(id, "identity--") {
		return errors.New("identity.id must be an identity standard id (identity--<uuid>)")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "info", "debug":
	default:
		return errors.New("logging.level must be 'info' or 'debug'")
	}
	switch c.Store.Backend {
	case "memory", "bolt":
	case "opencti":
		if c.Store.OpenCTI.URL == "" {
			return errors.New("store.opencti.url required for the opencti backend")
		}
		if c.Store.OpenCTI.Token == "" {
			return errors.New("store.opencti.token required for the opencti backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, bolt or opencti, got %q", c.Store.Backend)
	}
	if c.Auth.Required {
		if c.Auth.CurrentKID == "" || len(c.Auth.Keys) == 0 {
			return errors.New("auth.keys and auth.current_kid required when auth.required")
		}
		if _, ok := c.Auth.Keys[c.Auth.CurrentKID]; !ok {
			return errors.New("auth.current_kid not found in auth.keys")
		}
	}
	if c.Rate.WriteRPSThreshold < 0 || c.Rate.MaxInflightWrites < 0 {
		return errors.New("rate limits must be >= 0")
	}
	for i, p := range c.TAXII.Peers {
		if p.URL == "" || p.Collection == "" {
			return fmt.Errorf("taxii.peers[%d]: url and collection required", i)
		}
		if p.Identity.ResolveID() == "" {
			return fmt.Errorf("taxii.peers[%d]: identity required", i)
		}
		if p.PollIntervalSec < 10 {
			return fmt.Errorf("taxii.peers[%d]: poll_interval_sec must be >= 10", i)
		}
	}
	return nil
}
