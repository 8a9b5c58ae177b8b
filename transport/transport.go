// Package transport opens Sources and Sinks for parsed locations.
// Each transport registers itself here from an init function,
// so a program selects transports by importing them.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/index"
	"github.com/bobg/rssync/location"
)

// Config holds the settings transports draw on.
type Config struct {
	// IndexName is the index file kept at the root of each synced tree.
	IndexName string `mapstructure:"index_name"`

	// Concurrency bounds parallel chunking and file transfers.
	Concurrency int `mapstructure:"concurrency"`

	// FetchTimeout bounds each remote block request.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// CacheSize is the number of blocks to cache from remote sources.
	// Zero disables the cache.
	CacheSize int `mapstructure:"cache_size"`

	SSH  SSHConfig  `mapstructure:"ssh"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Port           int           `mapstructure:"port"`
	KeyFiles       []string      `mapstructure:"key_files"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	Command        string        `mapstructure:"command"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		IndexName:    index.TreeName,
		Concurrency:  8,
		FetchTimeout: 30 * time.Second,
		CacheSize:    1024,
		SSH: SSHConfig{
			Port:           22,
			KeyFiles:       []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa"},
			KnownHosts:     "~/.ssh/known_hosts",
			Command:        "rssync",
			ConnectTimeout: 15 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: time.Minute,
		},
	}
}

type (
	SourceFactory func(context.Context, location.Location, *Config) (rssync.Source, error)
	SinkFactory   func(context.Context, location.Location, *Config) (rssync.Sink, error)
)

var (
	mu      sync.Mutex
	sources = make(map[location.Kind]SourceFactory)
	sinks   = make(map[location.Kind]SinkFactory)
)

// RegisterSource registers the Source factory for a kind of location.
func RegisterSource(k location.Kind, f SourceFactory) {
	mu.Lock()
	sources[k] = f
	mu.Unlock()
}

// RegisterSink registers the Sink factory for a kind of location.
func RegisterSink(k location.Kind, f SinkFactory) {
	mu.Lock()
	sinks[k] = f
	mu.Unlock()
}

// OpenSource opens loc as a Source.
func OpenSource(ctx context.Context, loc location.Location, conf *Config) (rssync.Source, error) {
	mu.Lock()
	f, ok := sources[loc.Kind]
	mu.Unlock()
	if !ok {
		return nil, errors.Wrap(rssync.ErrUnsupported, fmt.Sprintf("no %s source registered", loc.Kind))
	}
	if conf == nil {
		conf = DefaultConfig()
	}
	return f(ctx, loc, conf)
}

// OpenSink opens loc as a Sink.
func OpenSink(ctx context.Context, loc location.Location, conf *Config) (rssync.Sink, error) {
	if loc.ReadOnly() {
		return nil, errors.Wrapf(rssync.ErrReadOnly, "%s", loc)
	}
	mu.Lock()
	f, ok := sinks[loc.Kind]
	mu.Unlock()
	if !ok {
		return nil, errors.Wrap(rssync.ErrUnsupported, fmt.Sprintf("no %s sink registered", loc.Kind))
	}
	if conf == nil {
		conf = DefaultConfig()
	}
	return f(ctx, loc, conf)
}
