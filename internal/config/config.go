// Package config holds the runtime's bootstrap configuration: a
// struct-of-struct default constructor with explicit override
// application, no reflection-based binding and no WASM global lookup
// (native only).
package config

import (
	"time"

	"github.com/hicr-project/hicr/pkg/hicr"
)

// BackendKind selects which Backend implementation a CommunicationManager
// binds to at startup (§9 "bound once at process startup").
type BackendKind string

const (
	BackendKindSharedMemory BackendKind = "shmem"
	BackendKindNetwork      BackendKind = "network"
)

// RuntimeConfig is the runtime's single configuration object. cmd/hicrdemo
// and the package tests do not read it; they size their components
// directly.
type RuntimeConfig struct {
	InstanceID             hicr.InstanceID
	DefaultMemorySpaceSize uint64
	ChannelDefaultCapacity uint64
	LockRetryBackoff       time.Duration
	BackendKind            BackendKind
	ListenAddr             string
}

// DefaultConfig returns the runtime's baseline configuration. A fresh
// InstanceID is minted; callers that need a stable identity across
// restarts should override it explicitly.
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		InstanceID:             hicr.NewInstanceID(),
		DefaultMemorySpaceSize: 64 << 20, // 64MiB
		ChannelDefaultCapacity: 1024,
		LockRetryBackoff:       time.Millisecond,
		BackendKind:            BackendKindSharedMemory,
		ListenAddr:             "127.0.0.1:0",
	}
}

// Option mutates a RuntimeConfig in place, applied in order over
// DefaultConfig()'s result.
type Option func(*RuntimeConfig)

// WithInstanceID pins a specific participant identity instead of a
// freshly minted one.
func WithInstanceID(id hicr.InstanceID) Option {
	return func(c *RuntimeConfig) { c.InstanceID = id }
}

// WithMemorySpaceSize overrides the default host memory space size.
func WithMemorySpaceSize(size uint64) Option {
	return func(c *RuntimeConfig) { c.DefaultMemorySpaceSize = size }
}

// WithChannelCapacity overrides the default channel capacity.
func WithChannelCapacity(capacity uint64) Option {
	return func(c *RuntimeConfig) { c.ChannelDefaultCapacity = capacity }
}

// WithBackendKind selects the Backend implementation to bind.
func WithBackendKind(kind BackendKind) Option {
	return func(c *RuntimeConfig) { c.BackendKind = kind }
}

// WithListenAddr sets the network backend's listen address.
func WithListenAddr(addr string) Option {
	return func(c *RuntimeConfig) { c.ListenAddr = addr }
}

// New builds a RuntimeConfig from DefaultConfig with opts applied in order.
func New(opts ...Option) RuntimeConfig {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
