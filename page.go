package pagestore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/auth"
	"github.com/aweris/pagestore/internal/backoff"
	"github.com/aweris/pagestore/internal/cloud"
	"github.com/aweris/pagestore/internal/cloud/oci"
	"github.com/aweris/pagestore/internal/cloudsync"
	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/merge"
	"github.com/aweris/pagestore/internal/page"
)

type (
	// Relay stores encrypted commits and objects for every device of a page.
	Relay = cloud.Provider
	// TokenSource hands out relay credentials.
	TokenSource = auth.Provider
	// RetryPolicy shapes the delay between failed sync attempts.
	RetryPolicy = backoff.Policy
	// SyncState tells whether a page is uploading or downloading.
	SyncState = cloudsync.State
	// SyncStats counts what sync transferred.
	SyncStats = cloudsync.Stats
)

const (
	SyncIdle        = cloudsync.Idle
	SyncUploading   = cloudsync.Uploading
	SyncDownloading = cloudsync.Downloading
)

// KeySize is the length of a page encryption key.
const KeySize = crypto.KeySize

// NewOCIRelay returns a relay keeping each page as a repository under base,
// e.g. "ghcr.io/acme/pages".
func NewOCIRelay(base string, insecure bool) (Relay, error) {
	p, err := oci.New(base, oci.Options{Insecure: insecure})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewMemoryRelay returns an in-process relay, useful for tests and for
// devices sharing one process.
func NewMemoryRelay() Relay { return cloud.NewMemory() }

// StaticToken always presents the same token.
func StaticToken(token string) TokenSource { return auth.Static(token) }

// NewJWTTokens mints HS256 tokens for subject, renewing them before expiry.
func NewJWTTokens(secret []byte, subject string, ttl time.Duration) (TokenSource, error) {
	p, err := auth.NewJWT(secret, auth.JWTOptions{Issuer: "pagestore", Subject: subject, TTL: ttl})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SyncConfig configures StartSync. Relay, Tokens and Key are required.
type SyncConfig struct {
	Relay  Relay
	Tokens TokenSource
	// Key encrypts everything the page sends to the relay. Every device of
	// the page needs the same key.
	Key         []byte
	Retry       RetryPolicy
	Concurrency int
}

// Page is one versioned key/value page.
type Page struct {
	store   *Store
	storage *page.Storage

	mu     sync.Mutex
	engine *cloudsync.Engine
	closed bool
}

// ID returns the page id.
func (p *Page) ID() PageID { return p.storage.ID() }

// State tells whether the page has a single head.
func (p *Page) State() PageState { return p.storage.State() }

// GetCommit returns the commit with id.
func (p *Page) GetCommit(ctx context.Context, id CommitID) (*Commit, error) {
	return p.storage.GetCommit(ctx, id)
}

// GetHeads returns the current heads, lowest first.
func (p *Page) GetHeads(ctx context.Context) ([]*Commit, error) {
	return p.storage.GetHeads(ctx)
}

// StartCommit opens a journal on the current head.
func (p *Page) StartCommit(ctx context.Context) (*Journal, error) {
	return p.storage.StartCommit(ctx)
}

// AddCommitWatcher registers w for every batch of new commits and returns
// a function removing it.
func (p *Page) AddCommitWatcher(w Watcher) (cancel func()) {
	return p.storage.AddCommitWatcher(w)
}

// AddObject stores an application value and returns its id, for use with
// Journal.PutReference.
func (p *Page) AddObject(ctx context.Context, value []byte) (ObjectID, error) {
	return p.storage.AddObject(ctx, value)
}

// GetObject returns the application value stored as id.
func (p *Page) GetObject(ctx context.Context, id ObjectID) ([]byte, error) {
	return p.storage.GetObject(ctx, id)
}

// Get returns the value of key at the current head. While the page is
// diverged it reads the lowest head.
func (p *Page) Get(ctx context.Context, key []byte) ([]byte, error) {
	heads, err := p.storage.GetHeads(ctx)
	if err != nil {
		return nil, err
	}
	return p.storage.Get(ctx, heads[0], key)
}

// Entries returns every key and value at the current head.
func (p *Page) Entries(ctx context.Context) (map[string][]byte, error) {
	heads, err := p.storage.GetHeads(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := p.storage.Entries(ctx, heads[0])
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		v, err := p.storage.Value(ctx, e)
		if err != nil {
			return nil, err
		}
		out[string(e.Key)] = v
	}
	return out, nil
}

// SetResolver replaces the conflict resolver of this page, which defaults
// to the store's. nil restores the default. Heads already diverged are
// merged with r right away. The setting lasts until the page is closed.
func (p *Page) SetResolver(ctx context.Context, r ConflictResolver) {
	if r == nil {
		r = p.store.opts.Resolver
	}
	p.storage.SetMerger(merge.New(p.storage, r, p.storage.Logger()))
	p.storage.Reconcile(ctx)
}

// GC removes objects unreachable from every stored commit and open journal,
// and returns how many were removed. Commits are kept.
func (p *Page) GC(ctx context.Context) (int, error) {
	return p.storage.GC(ctx)
}

// StartSync starts exchanging commits with the relay in the background.
// Local writes keep working while the relay is unreachable.
func (p *Page) StartSync(cfg SyncConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.engine != nil {
		select {
		case <-p.engine.Done():
		default:
			return ErrSyncRunning
		}
	}

	cipher, err := crypto.NewCipher(cfg.Key)
	if err != nil {
		return errors.Wrap(err, "page key")
	}
	e, err := cloudsync.Start(p.storage, cloudsync.Options{
		Provider:    cfg.Relay,
		Auth:        cfg.Tokens,
		Cipher:      cipher,
		Policy:      cfg.Retry,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return err
	}
	p.engine = e
	return nil
}

// StopSync stops the sync engine and waits for it to exit. It returns the
// local error that stopped the engine on its own, if any.
func (p *Page) StopSync() error {
	p.mu.Lock()
	e := p.engine
	p.engine = nil
	p.mu.Unlock()
	if e == nil {
		return nil
	}
	e.Close()
	<-e.Done()
	return e.Err()
}

// SyncState reports what the sync engine is doing. A page without sync is
// idle.
func (p *Page) SyncState() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return SyncIdle
	}
	return p.engine.State()
}

// SyncStats reports what sync transferred since StartSync.
func (p *Page) SyncStats() SyncStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return SyncStats{}
	}
	return p.engine.Stats()
}

// SyncDone is closed when sync stops. It is nil without sync.
func (p *Page) SyncDone() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return nil
	}
	return p.engine.Done()
}

// Close stops sync and closes the page. The Store opens it again on the
// next call to Page.
func (p *Page) Close() error {
	return p.store.closePage(p)
}

func (p *Page) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.StopSync(); err != nil {
		p.storage.Logger().WithError(err).Warn("sync had stopped with an error")
	}
	return p.storage.Close()
}
