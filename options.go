package pagestore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/merge"
	"github.com/aweris/pagestore/internal/page"
)

// Backend names the local key/value engine pages are stored in.
type Backend = kv.Backend

const (
	BackendBolt   = kv.BackendBolt
	BackendSQLite = kv.BackendSQLite
	BackendFile   = kv.BackendFile
	BackendMemory = kv.BackendMemory
)

// OpenOptions configures a Store.
type OpenOptions struct {
	Backend         Backend
	CacheSize       int
	Compression     bool
	InlineThreshold int
	Resolver        ConflictResolver
	Logger          *logrus.Entry
	Clock           func() time.Time
}

// Option is a functional option for configuring Open.
type Option func(*OpenOptions)

func defaultOptions() *OpenOptions {
	return &OpenOptions{
		Backend:         BackendBolt,
		InlineThreshold: page.DefaultInlineThreshold,
		Resolver:        merge.ValueOrder,
		Logger:          logrus.NewEntry(logrus.StandardLogger()),
		Clock:           time.Now,
	}
}

// WithBackend selects the local storage engine.
func WithBackend(b Backend) Option {
	return func(o *OpenOptions) { o.Backend = b }
}

// WithCacheSize bounds the per-page object and node caches (entries).
func WithCacheSize(n int) Option {
	return func(o *OpenOptions) {
		if n > 0 {
			o.CacheSize = n
		}
	}
}

// WithCompression enables zstd for backends that support it.
func WithCompression(enabled bool) Option {
	return func(o *OpenOptions) { o.Compression = enabled }
}

// WithInlineThreshold sets the largest value stored inside a tree node.
// Larger values become separate objects.
func WithInlineThreshold(n int) Option {
	return func(o *OpenOptions) {
		if n > 0 {
			o.InlineThreshold = n
		}
	}
}

// WithResolver sets the conflict resolver used when merging. Every device
// syncing a page must use the same one.
func WithResolver(r ConflictResolver) Option {
	return func(o *OpenOptions) {
		if r != nil {
			o.Resolver = r
		}
	}
}

// WithLogger sets the logger. Pages add a "page" field.
func WithLogger(l *logrus.Entry) Option {
	return func(o *OpenOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithClock overrides the time source for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *OpenOptions) {
		if now != nil {
			o.Clock = now
		}
	}
}

// DefaultDir is where pages live when no directory is given.
func DefaultDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pagestore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pagestore")
	}
	return ".pagestore"
}
