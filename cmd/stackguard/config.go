package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/stackguard/internal/guard"
	"github.com/danmuck/stackguard/internal/shadow"
	"github.com/danmuck/stackguard/internal/stack"
)

const (
	diagnosticsStderr = "stderr"
	diagnosticsOff    = "off"
)

var errInvalidConfig = errors.New("invalid config")

type fileConfig struct {
	Capacity        int64    `toml:"capacity"`
	EnableSentinels bool     `toml:"enable_sentinels"`
	EnableHash      bool     `toml:"enable_hash"`
	Allocator       string   `toml:"allocator"`
	CallTimeout     string   `toml:"call_timeout"`
	MaxStacks       int      `toml:"max_stacks"`
	MetricsAddr     string   `toml:"metrics_addr"`
	AdminOrigins    []string `toml:"admin_origins"`
	Diagnostics     string   `toml:"diagnostics"`
}

// appConfig is the resolved CLI configuration shared by the guard and its
// shadow worker.
type appConfig struct {
	Capacity        int64
	EnableSentinels bool
	EnableHash      bool
	Allocator       string
	CallTimeout     time.Duration
	MaxStacks       int
	MetricsAddr     string
	AdminOrigins    []string
	Diagnostics     string
}

func defaultAppConfig() appConfig {
	sc := shadow.DefaultConfig()
	return appConfig{
		Capacity:        stack.DefaultCapacity,
		EnableSentinels: sc.EnableSentinels,
		EnableHash:      sc.EnableHash,
		Allocator:       sc.Allocator,
		CallTimeout:     sc.CallTimeout,
		MaxStacks:       sc.MaxStacks,
		Diagnostics:     diagnosticsStderr,
	}
}

// loadConfig applies keys present in path on top of the defaults. An empty
// path returns the defaults.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load stackguard config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("%w: unknown key %q", errInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("capacity") {
		cfg.Capacity = raw.Capacity
	}
	if meta.IsDefined("enable_sentinels") {
		cfg.EnableSentinels = raw.EnableSentinels
	}
	if meta.IsDefined("enable_hash") {
		cfg.EnableHash = raw.EnableHash
	}
	if meta.IsDefined("allocator") {
		cfg.Allocator = strings.ToLower(strings.TrimSpace(raw.Allocator))
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("max_stacks") {
		cfg.MaxStacks = raw.MaxStacks
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("admin_origins") {
		cfg.AdminOrigins = normalizeOrigins(raw.AdminOrigins)
	}
	if meta.IsDefined("diagnostics") {
		cfg.Diagnostics = strings.ToLower(strings.TrimSpace(raw.Diagnostics))
	}

	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("%w: capacity %d", errInvalidConfig, c.Capacity)
	}
	if _, err := stack.NewAllocator(c.Allocator); err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be positive", errInvalidConfig)
	}
	if c.MaxStacks <= 0 {
		return fmt.Errorf("%w: max_stacks must be positive", errInvalidConfig)
	}
	switch c.Diagnostics {
	case diagnosticsStderr, diagnosticsOff:
	default:
		return fmt.Errorf("%w: diagnostics %q", errInvalidConfig, c.Diagnostics)
	}
	return nil
}

func (c appConfig) guardConfig() (guard.Config, error) {
	alloc, err := stack.NewAllocator(c.Allocator)
	if err != nil {
		return guard.Config{}, err
	}
	cfg := guard.DefaultConfig()
	cfg.Stack.EnableSentinels = c.EnableSentinels
	cfg.Stack.EnableHash = c.EnableHash
	cfg.Stack.Allocator = alloc
	cfg.Stack.Diagnostics, cfg.Stack.Color = c.diagnosticsWriter()
	return cfg, nil
}

func (c appConfig) shadowConfig() shadow.Config {
	cfg := shadow.DefaultConfig()
	cfg.CallTimeout = c.CallTimeout
	cfg.MaxStacks = c.MaxStacks
	cfg.EnableSentinels = c.EnableSentinels
	cfg.EnableHash = c.EnableHash
	cfg.Allocator = c.Allocator
	cfg.Diagnostics = c.Diagnostics == diagnosticsStderr
	return cfg
}

func (c appConfig) diagnosticsWriter() (io.Writer, bool) {
	if c.Diagnostics == diagnosticsOff {
		return io.Discard, false
	}
	return stack.DefaultDiagnostics()
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
