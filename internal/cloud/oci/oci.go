// Package oci implements cloud.Provider on top of an OCI registry.
//
// Every page is a repository under the configured base. Objects are pushed
// as single-layer images tagged "o-<name>"; each AddCommits call becomes a
// single-layer image tagged "c-<ulid>" holding the msgpack encoded records.
// Watching lists the repository tags and delivers commit batches in ULID
// order. Batches written within the lookback window before the cursor are
// delivered again, which covers writers with skewed clocks; receivers
// ignore commits they already have.
package oci

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/vmihailenco/msgpack"

	"github.com/aweris/pagestore/internal/cloud"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Second
	DefaultLookback     = 10 * time.Minute

	objectTagPrefix = "o-"
	commitTagPrefix = "c-"

	labelObject  = "dev.pagestore.object"
	labelRecords = "dev.pagestore.records"
)

// Options configures a Provider. Zero values select the defaults.
type Options struct {
	// Insecure allows plain HTTP to the registry.
	Insecure     bool
	Concurrency  int
	PollInterval time.Duration
	Lookback     time.Duration
	Logger       *logrus.Entry
}

// Provider stores pages in an OCI registry.
type Provider struct {
	base name.Repository
	opts Options
	log  *logrus.Entry
}

var _ cloud.Provider = (*Provider)(nil)

// New returns a Provider rooted at base, e.g. "ghcr.io/acme/pages".
func New(base string, opts Options) (*Provider, error) {
	repo, err := name.NewRepository(base, nameOptions(opts)...)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid repository %q", base)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{base: repo, opts: opts, log: log.WithField("registry", repo.String())}, nil
}

func (p *Provider) String() string { return p.base.String() }

func nameOptions(opts Options) []name.Option {
	if opts.Insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (p *Provider) repository(page string) (name.Repository, error) {
	repo, err := name.NewRepository(p.base.String()+"/"+strings.ToLower(page), nameOptions(p.opts)...)
	if err != nil {
		return name.Repository{}, cloud.Errorf(cloud.ParseError, "repository", "page %q: %v", page, err)
	}
	return repo, nil
}

func (p *Provider) remoteOptions(ctx context.Context, token string) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithJobs(p.opts.Concurrency),
	}
	// Without a token, use whatever docker login stored for the registry.
	if token == "" {
		return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	return append(opts, remote.WithAuth(authn.FromConfig(authn.AuthConfig{RegistryToken: token})))
}

func (p *Provider) AddObject(ctx context.Context, page, token, objName string, data []byte) error {
	repo, err := p.repository(page)
	if err != nil {
		return err
	}
	img, err := buildImage(data, map[string]string{labelObject: objName})
	if err != nil {
		return classify("AddObject", err)
	}
	if err := remote.Write(repo.Tag(objectTagPrefix+objName), img, p.remoteOptions(ctx, token)...); err != nil {
		return classify("AddObject", err)
	}
	p.log.WithField("object", objName).Debug("pushed object")
	return nil
}

func (p *Provider) GetObject(ctx context.Context, page, token, objName string) ([]byte, error) {
	repo, err := p.repository(page)
	if err != nil {
		return nil, err
	}
	data, err := p.fetch(ctx, repo.Tag(objectTagPrefix+objName), token)
	if err != nil {
		return nil, classify("GetObject", err)
	}
	return data, nil
}

func (p *Provider) AddCommits(ctx context.Context, page, token string, records []cloud.Record) error {
	repo, err := p.repository(page)
	if err != nil {
		return err
	}
	payload, err := msgpack.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "encode records")
	}
	img, err := buildImage(payload, map[string]string{labelRecords: strconv.Itoa(len(records))})
	if err != nil {
		return classify("AddCommits", err)
	}
	tag := commitTagPrefix + ulid.Make().String()
	if err := remote.Write(repo.Tag(tag), img, p.remoteOptions(ctx, token)...); err != nil {
		return classify("AddCommits", err)
	}
	p.log.WithFields(logrus.Fields{"tag": tag, "records": len(records)}).Debug("pushed commit batch")
	return nil
}

func (p *Provider) WatchCommits(ctx context.Context, page, token string, cursor []byte) (cloud.Stream, error) {
	repo, err := p.repository(page)
	if err != nil {
		return nil, err
	}
	s := &stream{
		p:     p,
		repo:  repo,
		token: token,
		seen:  make(map[string]time.Time),
		done:  make(chan struct{}),
	}
	if len(cursor) > 0 {
		id, err := parseCommitTag(string(cursor))
		if err != nil {
			return nil, cloud.Errorf(cloud.ParseError, "WatchCommits", "cursor %q: %v", cursor, err)
		}
		s.cursor = string(cursor)
		s.cursorTime = ulid.Time(id.Time())
	}
	return s, nil
}

func (p *Provider) fetch(ctx context.Context, ref name.Reference, token string) ([]byte, error) {
	img, err := remote.Image(ref, p.remoteOptions(ctx, token)...)
	if err != nil {
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, err
	}
	if len(layers) != 1 {
		return nil, cloud.Errorf(cloud.ParseError, "fetch", "%s has %d layers", ref, len(layers))
	}
	data, err := readLayer(layers[0])
	if err != nil {
		return nil, cloud.Errorf(cloud.ParseError, "fetch", "%s: %v", ref, err)
	}
	return data, nil
}

func buildImage(data []byte, labels map[string]string) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, newBlobLayer(data))
	if err != nil {
		return nil, err
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = labels
	return mutate.ConfigFile(img, cfg)
}

// classify maps registry and transport failures onto cloud statuses.
func classify(op string, err error) error {
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return &cloud.Error{Status: cloud.StatusFromHTTP(te.StatusCode), Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &cloud.Error{Status: cloud.NetworkError, Op: op, Err: err}
	}
	return &cloud.Error{Status: cloud.ServerError, Op: op, Err: err}
}

func parseCommitTag(tag string) (ulid.ULID, error) {
	rest, ok := strings.CutPrefix(tag, commitTagPrefix)
	if !ok {
		return ulid.ULID{}, errors.Errorf("not a commit tag")
	}
	return ulid.ParseStrict(rest)
}

type stream struct {
	p     *Provider
	repo  name.Repository
	token string

	cursor     string
	cursorTime time.Time
	seen       map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Recv(ctx context.Context) (cloud.Batch, error) {
	for {
		tags, err := s.pending(ctx)
		if err != nil {
			return cloud.Batch{}, classify("Recv", err)
		}
		if len(tags) > 0 {
			return s.load(ctx, tags)
		}

		timer := time.NewTimer(s.p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cloud.Batch{}, classify("Recv", ctx.Err())
		case <-s.done:
			timer.Stop()
			return cloud.Batch{}, cloud.Errorf(cloud.NetworkError, "Recv", "stream closed")
		case <-timer.C:
		}
	}
}

// pending lists commit tags not yet delivered by this stream, oldest first.
func (s *stream) pending(ctx context.Context) ([]string, error) {
	all, err := remote.List(s.repo, s.p.remoteOptions(ctx, s.token)...)
	if err != nil {
		if cloud.Of(classify("List", err)) == cloud.NotFound {
			return nil, nil
		}
		return nil, err
	}
	horizon := s.cursorTime.Add(-s.p.opts.Lookback)
	var tags []string
	for _, tag := range all {
		id, err := parseCommitTag(tag)
		if err != nil {
			continue
		}
		if _, ok := s.seen[tag]; ok {
			continue
		}
		if !s.cursorTime.IsZero() && ulid.Time(id.Time()).Before(horizon) {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *stream) load(ctx context.Context, tags []string) (cloud.Batch, error) {
	batches := make([][]cloud.Record, len(tags))
	p := pool.New().WithMaxGoroutines(s.p.opts.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, tag := range tags {
		p.Go(func(ctx context.Context) error {
			data, err := s.p.fetch(ctx, s.repo.Tag(tag), s.token)
			if err != nil {
				return err
			}
			var records []cloud.Record
			if err := msgpack.Unmarshal(data, &records); err != nil {
				return cloud.Errorf(cloud.ParseError, "Recv", "batch %s: %v", tag, err)
			}
			batches[i] = records
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return cloud.Batch{}, classify("Recv", err)
	}

	var out cloud.Batch
	for i, tag := range tags {
		out.Records = append(out.Records, batches[i]...)
		id, _ := parseCommitTag(tag)
		s.seen[tag] = ulid.Time(id.Time())
		if tag > s.cursor {
			s.cursor = tag
			s.cursorTime = ulid.Time(id.Time())
		}
	}
	horizon := s.cursorTime.Add(-s.p.opts.Lookback)
	for tag, at := range s.seen {
		if at.Before(horizon) {
			delete(s.seen, tag)
		}
	}
	out.Cursor = []byte(s.cursor)
	s.p.log.WithFields(logrus.Fields{"batches": len(tags), "records": len(out.Records)}).Debug("received commit batches")
	return out, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
