// Package config loads the nusterd configuration and turns it into engine
// options, a rule registry and a logger.
//
// Values are applied in order: defaults, then the YAML file, then NUSTER_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Size is a byte count written the human way in YAML ("64MiB", "1 GB",
// 4096).
type Size int64

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseSize(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (any, error) { return s.String(), nil }

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// ParseSize parses a byte count such as "64MiB" or "512k".
func ParseSize(v string) (Size, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return Size(n), nil
}

type Config struct {
	Global  GlobalConfig  `yaml:"global"`
	Log     LogConfig     `yaml:"log"`
	Manager ManagerConfig `yaml:"manager"`
	Disk    DiskConfig    `yaml:"disk"`
	KV      KVConfig      `yaml:"kv"`
	Proxies []ProxyConfig `yaml:"proxies"`
}

type GlobalConfig struct {
	Disabled        bool          `yaml:"disabled"`
	DictSize        int           `yaml:"dict_size"`
	DictShards      int           `yaml:"dict_shards"`
	Memory          Size          `yaml:"memory"`
	ChunkSize       Size          `yaml:"chunk_size"`
	MaxBodySize     Size          `yaml:"max_body_size"`
	HeaderCodec     string        `yaml:"header_codec"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SweepBatch      int           `yaml:"sweep_batch"`
	PurgeSlice      time.Duration `yaml:"purge_slice"`
	PurgeBatch      int           `yaml:"purge_batch"`
}

type LogConfig struct {
	Backend string `yaml:"backend"` // zap, logrus, slog
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json, text
}

// ManagerConfig is the purge and metrics endpoint.
type ManagerConfig struct {
	Listen      string `yaml:"listen"`
	PurgeMethod string `yaml:"purge_method"`
	PurgeURI    string `yaml:"purge_uri"`
	MetricsPath string `yaml:"metrics_path"`
}

type DiskConfig struct {
	Dir     string `yaml:"dir"` // empty disables the disk store
	MaxSize Size   `yaml:"max_size"`
	Restore bool   `yaml:"restore"`
}

type KVConfig struct {
	Provider      string        `yaml:"provider"` // empty disables the kv store
	MaxObjectSize Size          `yaml:"max_object_size"`
	Timeout       time.Duration `yaml:"timeout"`
	GenStore      string        `yaml:"gen_store"` // local (default) or redis

	Redis     RedisConfig     `yaml:"redis"`
	Bigcache  BigcacheConfig  `yaml:"bigcache"`
	Ristretto RistrettoConfig `yaml:"ristretto"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	GenTTL   time.Duration `yaml:"gen_ttl"`
}

type BigcacheConfig struct {
	LifeWindow   time.Duration `yaml:"life_window"`
	Shards       int           `yaml:"shards"`
	MaxEntrySize Size          `yaml:"max_entry_size"`
	HardMaxSize  Size          `yaml:"hard_max_size"`
}

type RistrettoConfig struct {
	MaxCost     Size  `yaml:"max_cost"`
	NumCounters int64 `yaml:"num_counters"`
}

type ProxyConfig struct {
	Name     string       `yaml:"name"`
	Mode     string       `yaml:"mode"` // cache, nosql
	Disabled bool         `yaml:"disabled"`
	Listen   string       `yaml:"listen"`
	Upstream string       `yaml:"upstream"` // cache mode only
	Rules    []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Name  string        `yaml:"name"`
	Key   string        `yaml:"key"`
	TTL   time.Duration `yaml:"ttl"`
	Store string        `yaml:"store"`
	If    *CondConfig   `yaml:"if"`
}

type CondConfig struct {
	Methods    []string          `yaml:"methods"`
	PathPrefix string            `yaml:"path_prefix"`
	Headers    map[string]string `yaml:"headers"`
	Status     []int             `yaml:"status"`
}

// Default returns the configuration used before the file is applied.
func Default() *Config {
	return &Config{
		Global: GlobalConfig{
			DictSize:        1 << 16,
			DictShards:      64,
			Memory:          64 << 20,
			HeaderCodec:     "msgpack",
			CleanupInterval: time.Second,
		},
		Log: LogConfig{
			Backend: "zap",
			Level:   "info",
			Format:  "json",
		},
		Manager: ManagerConfig{
			Listen:      ":9090",
			PurgeMethod: "PURGE",
			PurgeURI:    "/nuster/purge",
			MetricsPath: "/metrics",
		},
		KV: KVConfig{
			Timeout:  time.Second,
			GenStore: "local",
			Redis:    RedisConfig{Addr: "127.0.0.1:6379", Prefix: "nuster:", GenTTL: 24 * time.Hour},
		},
	}
}
