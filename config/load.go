package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "NUSTER_"

// Error locates a configuration problem.
type Error struct {
	Path  string
	Field string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Path != "":
		return fmt.Sprintf("config %s: %s: %v", e.Path, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	case e.Path != "":
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return "config: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Load reads path (skipped when empty) over the defaults and applies the
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Path: path, Err: err}
		}
		if err := decode(data, cfg); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, &Error{Err: err}
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envVar struct {
	name string
	set  func(*Config, string) error
}

var envVars = []envVar{
	{"DISABLED", func(c *Config, v string) (err error) { c.Global.Disabled, err = strconv.ParseBool(v); return }},
	{"MEMORY", func(c *Config, v string) (err error) { c.Global.Memory, err = ParseSize(v); return }},
	{"DICT_SIZE", func(c *Config, v string) (err error) { c.Global.DictSize, err = strconv.Atoi(v); return }},
	{"CLEANUP_INTERVAL", func(c *Config, v string) (err error) { c.Global.CleanupInterval, err = time.ParseDuration(v); return }},
	{"HEADER_CODEC", func(c *Config, v string) error { c.Global.HeaderCodec = v; return nil }},
	{"LOG_BACKEND", func(c *Config, v string) error { c.Log.Backend = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"MANAGER_LISTEN", func(c *Config, v string) error { c.Manager.Listen = v; return nil }},
	{"DISK_DIR", func(c *Config, v string) error { c.Disk.Dir = v; return nil }},
	{"DISK_MAX_SIZE", func(c *Config, v string) (err error) { c.Disk.MaxSize, err = ParseSize(v); return }},
	{"KV_PROVIDER", func(c *Config, v string) error { c.KV.Provider = v; return nil }},
	{"KV_REDIS_ADDR", func(c *Config, v string) error { c.KV.Redis.Addr = v; return nil }},
	{"KV_REDIS_PASSWORD", func(c *Config, v string) error { c.KV.Redis.Password = v; return nil }},
	{"KV_REDIS_DB", func(c *Config, v string) (err error) { c.KV.Redis.DB, err = strconv.Atoi(v); return }},
}

// ApplyEnv applies NUSTER_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return &Error{Field: EnvPrefix + ev.name, Err: err}
		}
	}
	return nil
}
