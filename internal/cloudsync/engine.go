// Package cloudsync keeps a page in sync with a cloud relay.
//
// An Engine runs two independent loops. The upload loop pushes local
// commits: their new objects first, deepest first, then the encrypted commit
// record. The download loop follows the relay's commit stream, fetches the
// objects a commit needs, and applies it through the same path as local
// commits. Each loop has its own backoff; network failures are retried
// forever while the page stays usable offline.
package cloudsync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/aweris/pagestore/internal/auth"
	"github.com/aweris/pagestore/internal/backoff"
	"github.com/aweris/pagestore/internal/cloud"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/page"
)

// DefaultConcurrency is the number of objects transferred in parallel when
// Options.Concurrency is unset.
const DefaultConcurrency = 4

// State reports which loops are doing work. The flags may be combined.
type State int32

const (
	Idle        State = 0
	Uploading   State = 1 << 0
	Downloading State = 1 << 1
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Uploading:
		return "Uploading"
	case Downloading:
		return "Downloading"
	case Uploading | Downloading:
		return "Uploading|Downloading"
	default:
		return "State(?)"
	}
}

// Options configures an Engine. Provider, Auth and Cipher are required.
type Options struct {
	Provider cloud.Provider
	Auth     auth.Provider
	Cipher   *crypto.Cipher
	// Policy defaults to backoff.DefaultPolicy.
	Policy      backoff.Policy
	Concurrency int
	Logger      *logrus.Entry
}

// Stats counts what an Engine transferred.
type Stats struct {
	ObjectsUploaded   int64
	CommitsUploaded   int64
	ObjectsDownloaded int64
	CommitsDownloaded int64
}

// Engine syncs one page.
type Engine struct {
	storage *page.Storage
	opts    Options
	log     *logrus.Entry
	name    string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}

	state atomic.Int32
	stats struct {
		objectsUp, commitsUp, objectsDown, commitsDown atomic.Int64
	}

	mu  sync.Mutex
	err error
	// orphans are downloaded commits waiting for a parent.
	orphans map[commit.ID]*commit.Commit
	// dropped are commits that cannot be applied, so neither can their
	// descendants. Only the download loop touches it.
	dropped map[commit.ID]struct{}
}

// Start begins syncing storage. The engine stops when Close is called or
// when a loop hits a local error.
func Start(storage *page.Storage, opts Options) (*Engine, error) {
	switch {
	case opts.Provider == nil:
		return nil, errors.New("cloudsync: no provider")
	case opts.Auth == nil:
		return nil, errors.New("cloudsync: no auth provider")
	case opts.Cipher == nil:
		return nil, errors.New("cloudsync: no cipher")
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.DefaultPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = storage.Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		storage: storage,
		opts:    opts,
		log:     log.WithField("component", "sync"),
		name:    storage.ID().String(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		orphans: make(map[commit.ID]*commit.Commit),
		dropped: make(map[commit.ID]struct{}),
	}

	unwatch := storage.AddCommitWatcher(func(_ []*commit.Commit, source page.Source) {
		if source == page.Local {
			e.Kick()
		}
	})

	var wg conc.WaitGroup
	wg.Go(func() { e.run("upload", e.uploadOnce) })
	wg.Go(func() { e.run("download", e.downloadOnce) })
	go func() {
		defer close(e.done)
		defer unwatch()
		wg.Wait()
	}()
	return e, nil
}

// Kick asks the upload loop to look for pending commits.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Close cancels in-flight calls and backoff timers. It does not wait; use
// Done for that.
func (e *Engine) Close() {
	e.cancel()
}

// Done is closed once both loops have returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the local error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// State reports what the engine is doing right now.
func (e *Engine) State() State { return State(e.state.Load()) }

// Stats returns the transfer counters since Start.
func (e *Engine) Stats() Stats {
	return Stats{
		ObjectsUploaded:   e.stats.objectsUp.Load(),
		CommitsUploaded:   e.stats.commitsUp.Load(),
		ObjectsDownloaded: e.stats.objectsDown.Load(),
		CommitsDownloaded: e.stats.commitsDown.Load(),
	}
}

func (e *Engine) enter(s State) func() {
	for {
		old := e.state.Load()
		if e.state.CompareAndSwap(old, old|int32(s)) {
			break
		}
	}
	return func() {
		for {
			old := e.state.Load()
			if e.state.CompareAndSwap(old, old&^int32(s)) {
				return
			}
		}
	}
}

// run drives one loop. step does one unit of work and reports whether the
// loop should wait for a kick before the next one. Cloud errors back off
// and retry, except PARSE errors: the same bytes would fail again, so they
// stop the engine like local errors do. Unreadable commits and objects are
// dropped before they get here.
func (e *Engine) run(loop string, step func(ctx context.Context, bo *backoff.Backoff) (bool, error)) {
	log := e.log.WithField("loop", loop)
	bo := backoff.New(e.opts.Policy)
	for {
		idle, err := step(e.ctx, bo)
		if e.ctx.Err() != nil {
			return
		}
		if err != nil {
			var ce *cloud.Error
			if !errors.As(err, &ce) || ce.Status == cloud.ParseError {
				log.WithError(err).Error("sync stopped")
				e.fail(err)
				return
			}
			switch ce.Status {
			case cloud.AuthError:
				if _, rerr := e.opts.Auth.Refresh(e.ctx); rerr != nil {
					log.WithError(rerr).Warn("token refresh failed")
				}
			case cloud.NotFound:
				log.WithError(err).Error("cloud rejected request")
			}
			log.WithError(err).WithField("attempt", bo.Attempts()+1).Warn("sync failed, backing off")
			if bo.Wait(e.ctx) != nil {
				return
			}
			continue
		}
		bo.Reset()
		if !idle {
			continue
		}
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
		}
	}
}

// fail records err and stops the other loop.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) token(ctx context.Context) (string, error) {
	tok, err := e.opts.Auth.Token(ctx)
	if err != nil {
		return "", &cloud.Error{Status: cloud.AuthError, Op: "token", Err: err}
	}
	return tok, nil
}

// ad binds ciphertext to the page and the name it is stored under.
func (e *Engine) ad(name string) []byte {
	return []byte(e.name + "/" + name)
}
