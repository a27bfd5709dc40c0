package shadow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/stackguard/internal/stack"
)

// WorkerEnv marks a process as a shadow worker.
const WorkerEnv = "STACKGUARD_SHADOW_WORKER"

const (
	envSentinels   = "STACKGUARD_SHADOW_SENTINELS"
	envHash        = "STACKGUARD_SHADOW_HASH"
	envAllocator   = "STACKGUARD_SHADOW_ALLOCATOR"
	envMaxStacks   = "STACKGUARD_SHADOW_MAX_STACKS"
	envDiagnostics = "STACKGUARD_SHADOW_DIAGNOSTICS"
)

const (
	DefaultCallTimeout = 2 * time.Second
	DefaultMaxStacks   = 1024
)

var ErrInvalidConfig = errors.New("shadow: invalid config")

// Config describes both ends: the supervisor's timeouts and process launch,
// and the stack settings the worker applies to its replicas. Replica
// settings must match the guard's or hashes will never agree.
type Config struct {
	CallTimeout     time.Duration
	MaxStacks       int
	EnableSentinels bool
	EnableHash      bool
	Allocator       string
	// Diagnostics sends replica dumps to the worker's stderr.
	Diagnostics bool

	// Executable defaults to os.Executable.
	Executable string
	Args       []string
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:     DefaultCallTimeout,
		MaxStacks:       DefaultMaxStacks,
		EnableSentinels: true,
		EnableHash:      true,
		Allocator:       stack.AllocatorHeap,
	}
}

func (c Config) normalized() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxStacks <= 0 {
		c.MaxStacks = DefaultMaxStacks
	}
	if c.Allocator == "" {
		c.Allocator = stack.AllocatorHeap
	}
	return c
}

// environ renders the replica settings for the re-executed worker.
func (c Config) environ() []string {
	return []string{
		WorkerEnv + "=1",
		envSentinels + "=" + strconv.FormatBool(c.EnableSentinels),
		envHash + "=" + strconv.FormatBool(c.EnableHash),
		envAllocator + "=" + c.Allocator,
		envMaxStacks + "=" + strconv.Itoa(c.MaxStacks),
		envDiagnostics + "=" + strconv.FormatBool(c.Diagnostics),
	}
}

// configFromEnv is the inverse of environ. Unset keys keep defaults.
func configFromEnv(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	bools := []struct {
		key string
		dst *bool
	}{
		{envSentinels, &cfg.EnableSentinels},
		{envHash, &cfg.EnableHash},
		{envDiagnostics, &cfg.Diagnostics},
	}
	for _, b := range bools {
		raw := getenv(b.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, b.key, raw)
		}
		*b.dst = v
	}
	if raw := getenv(envMaxStacks); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, envMaxStacks, raw)
		}
		cfg.MaxStacks = n
	}
	if raw := getenv(envAllocator); raw != "" {
		cfg.Allocator = raw
	}
	return cfg.normalized(), nil
}

func (c Config) stackConfig() (stack.Config, error) {
	alloc, err := stack.NewAllocator(c.Allocator)
	if err != nil {
		return stack.Config{}, err
	}
	sc := stack.Config{
		EnableSentinels: c.EnableSentinels,
		EnableHash:      c.EnableHash,
		Allocator:       alloc,
	}
	sc.Diagnostics = io.Discard
	if c.Diagnostics {
		sc.Diagnostics = os.Stderr
	}
	return sc, nil
}
