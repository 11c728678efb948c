package oci

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/pagestore/internal/cloud"
)

const testPage = "0f8fad5b-d9cb-469f-a165-70867728950e"

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p, err := New(strings.TrimPrefix(srv.URL, "http://")+"/pages", Options{
		Insecure:     true,
		PollInterval: 20 * time.Millisecond,
		Lookback:     time.Nanosecond,
		Logger:       logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	return p
}

func TestProvider_Objects(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	data := []byte(strings.Repeat("object payload ", 100))
	require.NoError(t, p.AddObject(ctx, testPage, "tok", "uABC_def-1", data))
	require.NoError(t, p.AddObject(ctx, testPage, "tok", "uABC_def-1", data))

	got, err := p.GetObject(ctx, testPage, "tok", "uABC_def-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = p.GetObject(ctx, testPage, "tok", "missing")
	assert.Equal(t, cloud.NotFound, cloud.Of(err), "got %v", err)
}

func TestProvider_WatchEmptyPageBlocks(t *testing.T) {
	p := newTestProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s, err := p.WatchCommits(ctx, testPage, "tok", nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Recv(ctx)
	assert.Equal(t, cloud.NetworkError, cloud.Of(err))
}

func TestProvider_CommitBatchesInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := newTestProvider(t)

	require.NoError(t, p.AddCommits(ctx, testPage, "tok", []cloud.Record{{Name: "a", Data: []byte("1")}}))
	require.NoError(t, p.AddCommits(ctx, testPage, "tok", []cloud.Record{{Name: "b", Data: []byte("2")}}))

	s, err := p.WatchCommits(ctx, testPage, "tok", nil)
	require.NoError(t, err)
	batch, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "a", batch.Records[0].Name)
	assert.Equal(t, []byte("2"), batch.Records[1].Data)
	require.NotEmpty(t, batch.Cursor)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = p.AddCommits(ctx, testPage, "tok", []cloud.Record{{Name: "c"}})
	}()
	next, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, next.Records, 1)
	assert.Equal(t, "c", next.Records[0].Name)
	require.NoError(t, s.Close())

	// A resumed stream starts at the cursor; the batch at the cursor may be
	// delivered again.
	s, err = p.WatchCommits(ctx, testPage, "tok", batch.Cursor)
	require.NoError(t, err)
	defer s.Close()
	resumed, err := s.Recv(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range resumed.Records {
		names = append(names, r.Name)
	}
	assert.Equal(t, "c", names[len(names)-1])
	assert.Equal(t, next.Cursor, resumed.Cursor)
}

func TestProvider_RejectsBadCursor(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.WatchCommits(context.Background(), testPage, "tok", []byte("nope"))
	assert.Equal(t, cloud.ParseError, cloud.Of(err))
}
