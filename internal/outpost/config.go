package outpost

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// Admin is the listen address of the operator API. Empty disables it.
		Admin string `yaml:"admin"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		// Backend selects the cache store: "leveldb" or "redis". The
		// mutation queue always lives in leveldb.
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Network struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"network"`

	Classify struct {
		APIPaths     []string `yaml:"apiPaths"`
		APIPrefix    string   `yaml:"apiPrefix"`
		IgnoredHosts []string `yaml:"ignoredHosts"`
	} `yaml:"classify"`

	Fallback struct {
		OfflineDocument string `yaml:"offlineDocument"`
		OfflineImage    string `yaml:"offlineImage"`
		Home            string `yaml:"home"`
	} `yaml:"fallback"`

	Lifecycle struct {
		Version      string   `yaml:"version"`
		Manifest     []string `yaml:"manifest"`
		ManifestFile string   `yaml:"manifestFile"`
		// Sitemaps are expanded into extra assets at startup.
		Sitemaps     []string `yaml:"sitemaps"`
		Activation   string   `yaml:"activation"`
		Watch        bool     `yaml:"watch"`
		Concurrency  int      `yaml:"concurrency"`
	} `yaml:"lifecycle"`

	Sync struct {
		Concurrency int  `yaml:"concurrency"`
		OnStart     bool `yaml:"onStart"`
	} `yaml:"sync"`

	Logging struct {
		Level      string        `yaml:"level"`
		Production bool          `yaml:"production"`
		StatsEvery time.Duration `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	ramMax int64
}

// RAMMax is the parsed storage.ram.max.
func (c *Config) RAMMax() int64 { return c.ramMax }

// LoadConfig reads a YAML config file. Keys can be overridden from the
// environment with the OUTPOST_ prefix, e.g. OUTPOST_SERVER_ORIGIN.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("outpost")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init applies defaults and validates c.
func (c *Config) Init() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if !strings.HasPrefix(c.Server.Origin, "http://") && !strings.HasPrefix(c.Server.Origin, "https://") {
		return fmt.Errorf("server.origin must be an http(s) url, got %q", c.Server.Origin)
	}

	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data/outpost"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64mb"
	}
	n, err := parseBytes(c.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	c.ramMax = n
	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "leveldb"
	case "leveldb":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	if c.Network.Timeout <= 0 {
		c.Network.Timeout = defaultTimeout
	}

	if c.Classify.APIPrefix == "" {
		c.Classify.APIPrefix = "/api/"
	}
	for i, p := range c.Classify.APIPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("classify.apiPaths[%d]: %q must start with /", i, p)
		}
	}

	if c.Fallback.OfflineDocument == "" {
		c.Fallback.OfflineDocument = "/offline.html"
	}
	if c.Fallback.Home == "" {
		c.Fallback.Home = "/"
	}

	switch Activation(c.Lifecycle.Activation) {
	case "":
		c.Lifecycle.Activation = string(ActivateImmediate)
	case ActivateImmediate, ActivateDeferred:
	default:
		return fmt.Errorf("lifecycle.activation: must be %q or %q", ActivateImmediate, ActivateDeferred)
	}
	if c.Lifecycle.Watch && c.Lifecycle.ManifestFile == "" {
		return fmt.Errorf("lifecycle.watch requires lifecycle.manifestFile")
	}
	for i, m := range c.Lifecycle.Manifest {
		if normalizeManifestEntry(m) == "" {
			return fmt.Errorf("lifecycle.manifest[%d]: invalid entry %q", i, m)
		}
	}

	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	if c.Lifecycle.Concurrency <= 0 {
		c.Lifecycle.Concurrency = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Rules builds the classifier rules from the classify section and the
// inline manifest.
func (c *Config) Rules() Rules {
	return NewRules(c.Classify.APIPaths, c.Classify.APIPrefix, c.Classify.IgnoredHosts, c.Lifecycle.Manifest)
}
