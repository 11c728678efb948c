package page

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

// Cursor is the sync watermark pair of a page.
type Cursor struct {
	// LastUploaded is the last local commit confirmed by the cloud, zero
	// before the first upload.
	LastUploaded commit.ID
	// Download is the provider's opaque position in the page's commit
	// stream, nil before the first download.
	Download []byte
}

// PendingUploads returns the local commits not yet confirmed by the cloud,
// parents before children.
func (s *Storage) PendingUploads(ctx context.Context) ([]*commit.Commit, error) {
	var ids []commit.ID
	err := s.db.Scan(ctx, []byte(pendingPrefix), func(k, _ []byte) error {
		var id commit.ID
		copy(id[:], k[len(pendingPrefix):])
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pending uploads")
	}

	out := make([]*commit.Commit, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return commit.Less(out[i], out[j]) })
	return out, nil
}

// MarkUploaded records that the cloud holds commit id and advances the
// upload cursor.
func (s *Storage) MarkUploaded(ctx context.Context, id commit.ID) error {
	var b kv.Batch
	b.Delete(pendingKey(id))
	b.Put([]byte(uploadKey), id.Bytes())
	if err := s.db.Write(ctx, &b); err != nil {
		return errors.Wrapf(err, "mark %s uploaded", id.Short())
	}
	return nil
}

// IsObjectSynced reports whether the cloud is known to hold object id.
func (s *Storage) IsObjectSynced(ctx context.Context, id object.ID) (bool, error) {
	return s.db.Has(ctx, syncedKey(id))
}

// MarkObjectSynced records that the cloud holds object id.
func (s *Storage) MarkObjectSynced(ctx context.Context, id object.ID) error {
	if err := s.db.Put(ctx, syncedKey(id), marker); err != nil {
		return errors.Wrapf(err, "mark object %s synced", id.Short())
	}
	return nil
}

// SetDownloadCursor persists the download position.
func (s *Storage) SetDownloadCursor(ctx context.Context, cursor []byte) error {
	if len(cursor) == 0 {
		return s.db.Delete(ctx, []byte(downloadKey))
	}
	return errors.Wrap(s.db.Put(ctx, []byte(downloadKey), cursor), "store download cursor")
}

// Cursor returns the persisted sync watermarks.
func (s *Storage) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	up, err := s.db.Get(ctx, []byte(uploadKey))
	switch {
	case err == nil:
		copy(c.LastUploaded[:], up)
	case !status.Is(err, status.NotFound):
		return c, errors.Wrap(err, "load upload cursor")
	}

	down, err := s.db.Get(ctx, []byte(downloadKey))
	switch {
	case err == nil:
		c.Download = down
	case !status.Is(err, status.NotFound):
		return c, errors.Wrap(err, "load download cursor")
	}
	return c, nil
}
