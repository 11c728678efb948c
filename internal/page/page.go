// Package page implements the commit graph of one page: commit storage,
// the head set, journals, watchers, and the sync bookkeeping the cloud
// sync engine relies on.
//
// All mutations of the commit graph go through AddCommits, which is
// serialized per page. Local journals and the sync engine use it alike.
package page

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/status"
)

// IDSize is the size of a page id.
const IDSize = 16

// ID identifies a page.
type ID [IDSize]byte

// NewID returns a random page id.
func NewID() ID { return ID(uuid.New()) }

// ParseID parses the textual form of a page id.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, status.New(status.ParseError, "parse page id", err)
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// Source tells where applied commits came from.
type Source int

const (
	// Local commits were created on this device: journals and merges.
	Local Source = iota
	// Sync commits were downloaded from the cloud.
	Sync
)

func (s Source) String() string {
	if s == Sync {
		return "SYNC"
	}
	return "LOCAL"
}

// State is the state of a page's commit graph.
type State int

const (
	// Quiescent pages have a single head.
	Quiescent State = iota
	// Diverged pages have two or more heads awaiting a merge.
	Diverged
	// Committing pages have a journal being finalized.
	Committing
)

func (s State) String() string {
	switch s {
	case Diverged:
		return "diverged"
	case Committing:
		return "committing"
	default:
		return "quiescent"
	}
}

// Watcher receives every batch of newly applied commits, in the order they
// were applied. It runs on the page's dispatch goroutine and must not block
// for long.
type Watcher func(commits []*commit.Commit, source Source)

// Merger reconciles two heads. The returned commit's objects must already
// be stored.
type Merger interface {
	Merge(ctx context.Context, a, b *commit.Commit) (*commit.Commit, error)
}

// Options configure a Storage.
type Options struct {
	Logger *logrus.Entry
	// Clock stamps local commits. Defaults to time.Now.
	Clock func() time.Time
	// CacheSize bounds the object, node and commit caches.
	CacheSize int
	// InlineThreshold is the largest value stored inside a tree node;
	// larger values become separate objects.
	InlineThreshold int
}

// DefaultInlineThreshold keeps values up to 1KiB inside tree nodes.
const DefaultInlineThreshold = 1024

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.InlineThreshold <= 0 {
		o.InlineThreshold = DefaultInlineThreshold
	}
}
