// Package sysctx holds the single owning System context that every other
// package in this module is constructed against: the expiration engine
// shard array, the task dispatcher, the logger, the clock, and the random
// source. Grounded on bassosimone/nop's Config (a plain struct of
// pre-wired dependencies passed to constructors) and spec.md §9's
// guidance to prefer "a single owning system context passed by
// reference, with lazy init guarded by a once-gate" over ad hoc globals.
package sysctx

import (
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/expire"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/nslog"
	"github.com/nanoscale/nanoscale/task"
)

// Default tunables, named the way the spec's glossary names them.
const (
	DefaultExpireShards  = 0 // 0 => runtime.NumCPU()
	MaxExpireShards      = 256
	DefaultTaskPoolSize  = 0 // 0 => 4 * runtime.NumCPU()
	DefaultTimeout       = 0 // resolved per-provider via aio.NormalizeTimeout
)

// Config holds process-wide defaults used to build a System.
//
// All fields have sensible defaults set by NewConfig and may be edited
// before the first call to New.
type Config struct {
	// NumExpireThreads is the number of expiration shards to run.
	// Zero means one per CPU, per spec.md §6's num_expire_threads knob.
	NumExpireThreads int

	// MaxExpireThreads caps the shard count, whether it was set
	// explicitly or derived from the CPU count. Zero means no cap.
	MaxExpireThreads int

	// TaskPoolSize is the number of workers in the completion dispatcher.
	TaskPoolSize int

	// Logger receives structured log records from every subsystem.
	Logger nslog.Logger

	// Classifier turns errors into short labels for log records.
	Classifier nserr.Classifier

	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time

	// Rand is the source of randomness used for shard assignment;
	// overridable for deterministic tests. Pipe IDs do not come from it:
	// the pipe package keeps its own id map with its own source.
	Rand *rand.Rand
}

// NewConfig returns a Config with sensible defaults, mirroring
// bassosimone/nop's NewConfig.
func NewConfig() *Config {
	return &Config{
		NumExpireThreads: DefaultExpireShards,
		MaxExpireThreads: MaxExpireShards,
		TaskPoolSize:     DefaultTaskPoolSize,
		Logger:           nslog.Default(),
		Classifier:       nserr.DefaultClassifier,
		Now:              time.Now,
		Rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// System is the single owning context shared by the expiration engine,
// task dispatcher, and every provider (transport, pipe, socket) built on
// top of them.
type System struct {
	Logger     nslog.Logger
	Classifier nserr.Classifier
	Now        func() time.Time
	Rand       *rand.Rand

	Expire *expire.Engine
	Tasks  *task.Pool

	closeOnce sync.Once
}

var (
	defaultOnce sync.Once
	defaultSys  *System
)

// Default returns the lazily-initialized process-wide System, matching
// spec.md §9's "one expiration-shard array... lazy init guarded by a
// once-gate" for callers who don't need an isolated System (socket.New
// falls back to it when given a nil System).
func Default() *System {
	defaultOnce.Do(func() {
		defaultSys = New(NewConfig())
	})
	return defaultSys
}

// New constructs a System from cfg, starting the expiration shards and
// the task pool.
func New(cfg *Config) *System {
	if cfg == nil {
		cfg = NewConfig()
	}
	shards := cfg.NumExpireThreads
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	if cfg.MaxExpireThreads > 0 && shards > cfg.MaxExpireThreads {
		shards = cfg.MaxExpireThreads
	}
	if shards < 1 {
		shards = 1
	}
	poolSize := cfg.TaskPoolSize
	if poolSize <= 0 {
		poolSize = 4 * runtime.NumCPU()
	}
	if poolSize < 1 {
		poolSize = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = nslog.Default()
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = nserr.DefaultClassifier
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(now().UnixNano()))
	}

	sys := &System{
		Logger:     logger,
		Classifier: classifier,
		Now:        now,
		Rand:       rng,
	}
	sys.Expire = expire.NewEngine(shards, now, logger)
	sys.Tasks = task.NewPool(poolSize)
	return sys
}

// Close stops the task pool and every expiration shard. Close is
// idempotent.
func (s *System) Close() {
	s.closeOnce.Do(func() {
		s.Expire.Close()
		s.Tasks.Close()
	})
}
