// Package config loads uebridge settings from a YAML file.
//
//	endpoint: tcp://127.0.0.1:60001
//	codec: binary
//	timeouts:
//	  call: 10s
//	  destroy: 5s
//	registry:
//	  etcd: [127.0.0.1:2379]
//	  balancer: round_robin
//
// Zero values fall back to Default; CLI flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"uebridge/codec"
	"uebridge/loadbalance"
	"uebridge/registry"
	"uebridge/transport"
	"uebridge/typedesc"
)

type Config struct {
	// Endpoint is dialed directly when set; see transport.Dial for the forms.
	Endpoint string         `yaml:"endpoint"`
	Scan     ScanConfig     `yaml:"scan"`
	Codec    string         `yaml:"codec"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
	Host     HostConfig     `yaml:"host"`
	// NonBlocking makes calls on a proxy under construction fail instead of wait.
	NonBlocking bool `yaml:"non_blocking"`
	// Types declares engine types for scripts, in dependency order.
	Types []TypeConfig `yaml:"types"`
}

// ScanConfig is the port range probed when neither an endpoint nor a registry is configured.
type ScanConfig struct {
	Host     string `yaml:"host"`
	PortFrom int    `yaml:"port_from"`
	PortTo   int    `yaml:"port_to"`
}

type TimeoutConfig struct {
	Call      time.Duration `yaml:"call"`
	Destroy   time.Duration `yaml:"destroy"`
	Dial      time.Duration `yaml:"dial"`
	Heartbeat time.Duration `yaml:"heartbeat"` // negative disables heartbeats
}

// RegistryConfig selects engine discovery: Etcd, then Redis, then Static.
type RegistryConfig struct {
	Etcd     []string                  `yaml:"etcd"`
	Redis    string                    `yaml:"redis"`
	Static   []registry.EngineInstance `yaml:"static"`
	Service  string                    `yaml:"service"`
	Balancer string                    `yaml:"balancer"`
	// HashKey keys the consistent_hash balancer; defaults to the host name.
	HashKey string `yaml:"hash_key"`
}

// Enabled reports whether any discovery source is configured.
func (r RegistryConfig) Enabled() bool {
	return len(r.Etcd) > 0 || r.Redis != "" || len(r.Static) > 0
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // console or json
	// File enables rotated file output next to the console.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HostConfig configures uebridge-host.
type HostConfig struct {
	Listen string `yaml:"listen"`
	// HTTP serves /metrics, /healthz and the WebSocket endpoint; empty disables it.
	HTTP           string        `yaml:"http"`
	WebSocketPath  string        `yaml:"ws_path"`
	Advertise      string        `yaml:"advertise"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int           `yaml:"rate_burst"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // zero leaves requests unbounded
}

// TypeConfig declares one remote type.
//
//	- {name: Vector2D, kind: struct, fields: [{name: X, type: float64}, {name: Y, type: float64}]}
//	- {name: MyEnum, kind: enum, members: [TEST, TEST2, TEST3]}
//	- {name: Array, kind: container, elem: int32}
type TypeConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"` // object, struct, enum or container
	Fields  []FieldConfig `yaml:"fields"`
	Members []string      `yaml:"members"`
	Elem    string        `yaml:"elem"`
}

type FieldConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

const DefaultService = "engine"

func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Host:     transport.DefaultHost,
			PortFrom: transport.DefaultPortFrom,
			PortTo:   transport.DefaultPortTo,
		},
		Codec: "json",
		Timeouts: TimeoutConfig{
			Call:      10 * time.Second,
			Destroy:   5 * time.Second,
			Dial:      3 * time.Second,
			Heartbeat: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Service:  DefaultService,
			Balancer: "round_robin",
		},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Host: HostConfig{
			Listen:        "127.0.0.1:60001",
			WebSocketPath: "/ue",
			RateBurst:     100,
			ShutdownGrace: 5 * time.Second,
		},
	}
}

// Load reads path over Default. A missing file is an error; an empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// CodecType resolves the configured codec name.
func (c *Config) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.CodecType(); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.PortFrom <= 0 || c.Scan.PortTo > 65535 || c.Scan.PortFrom > c.Scan.PortTo {
		errs = append(errs, fmt.Errorf("scan: bad port range %d-%d", c.Scan.PortFrom, c.Scan.PortTo))
	}
	if c.Timeouts.Call < 0 || c.Timeouts.Destroy < 0 || c.Timeouts.Dial < 0 {
		errs = append(errs, errors.New("timeouts: call, destroy and dial must not be negative"))
	}
	if c.Registry.Enabled() && c.Registry.Service == "" {
		errs = append(errs, errors.New("registry: service is required"))
	}
	if _, err := loadbalance.New(c.Registry.Balancer, "probe"); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	for i, inst := range c.Registry.Static {
		if inst.Addr == "" {
			errs = append(errs, fmt.Errorf("registry: static[%d] has no addr", i))
		}
	}
	switch c.Log.Encoding {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown encoding %q", c.Log.Encoding))
	}
	if c.Host.RateLimit < 0 || c.Host.RateBurst < 0 {
		errs = append(errs, errors.New("host: rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// InternTypes interns the declared types. A type may only refer to types
// declared before it or already interned.
func (c *Config) InternTypes() error {
	for _, t := range c.Types {
		if err := t.intern(); err != nil {
			return fmt.Errorf("type %s: %w", t.Name, err)
		}
	}
	return nil
}

func (t TypeConfig) intern() error {
	ref := func(name string) (*typedesc.Descriptor, error) {
		d, ok := typedesc.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown type %q", name)
		}
		return d, nil
	}
	switch t.Kind {
	case "object":
		_, err := typedesc.Intern(t.Name, typedesc.Object)
		return err
	case "struct":
		fields := make([]typedesc.Field, 0, len(t.Fields))
		for _, f := range t.Fields {
			d, err := ref(f.Type)
			if err != nil {
				return err
			}
			fields = append(fields, typedesc.Field{Name: f.Name, Type: d})
		}
		_, err := typedesc.InternStruct(t.Name, fields...)
		return err
	case "enum":
		_, err := typedesc.InternEnum(t.Name, t.Members...)
		return err
	case "container":
		elem, err := ref(t.Elem)
		if err != nil {
			return err
		}
		_, err = typedesc.InternContainer(t.Name, elem)
		return err
	}
	return fmt.Errorf("unknown kind %q", t.Kind)
}
