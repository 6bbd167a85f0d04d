package nuster

import (
	"time"

	"github.com/jianshenyixiao/nuster/codec"
	"github.com/jianshenyixiao/nuster/header"
	"github.com/jianshenyixiao/nuster/rule"
	"github.com/jianshenyixiao/nuster/store/disk"
	"github.com/jianshenyixiao/nuster/store/kv"
)

// Options configure an Engine. Only Registry is required.
type Options struct {
	Registry *rule.Registry

	DictSize   int   // buckets per dictionary; 0 => 65536
	DictShards int   // lock ranges per dictionary; 0 => 64
	MemorySize int64 // memory arena bytes; 0 => 64MiB
	ChunkSize  int   // arena chunk bytes; 0 => memory.DefaultChunkSize

	// Disk and KV configure the optional backends. Rules naming a backend
	// that is not configured make New fail. The engine owns the error and
	// self-heal callbacks of both.
	Disk *disk.Options
	KV   *kv.Options
	// Restore reloads the disk store into the dictionaries on New.
	Restore bool

	HeaderCodec codec.Codec[header.Header] // nil => msgpack
	MaxBodySize int64                      // nosql values, declared or streamed; 0 => unlimited

	CleanupInterval time.Duration // background sweep period; 0 => 1s, < 0 disables
	SweepBatch      int           // buckets swept per tick; 0 => 1024
	PurgeSlice      time.Duration // 0 => 1ms
	PurgeBatch      int           // 0 => 1000

	Logger   Logger           // nil => NopLogger
	Hooks    Hooks            // nil => NopHooks
	Clock    func() time.Time // nil => time.Now
	Disabled bool
}

const (
	defaultDictSize   = 1 << 16
	defaultDictShards = 64
	defaultMemorySize = 64 << 20
	defaultSweep      = time.Second
	defaultSweepBatch = 1024
)
