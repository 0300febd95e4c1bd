package task

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	fileutil "queuedownloader/internal/file"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// QueueStore persists the saved queue.
// The default implementation writes a single object to a blob bucket, which
// may be a local directory or any bucket URL gocloud can open.
type QueueStore interface {
	SaveQueue(ctx context.Context, recs []Record) error
	// LoadQueue returns an empty list when nothing was saved yet.
	LoadQueue(ctx context.Context) ([]Record, error)
	Close() error
}

type blobStore struct {
	bucket *blob.Bucket
	key    string
}

// NewBlobStore stores the queue under key in bucket. The store owns bucket.
func NewBlobStore(bucket *blob.Bucket, key string) QueueStore { //nolint:ireturn
	if key == "" {
		key = "queue.json"
	}
	return &blobStore{bucket: bucket, key: key}
}

// OpenStore opens the queue store at target: either a bucket URL such as
// "file:///var/lib/queue" or "mem://", or a plain directory path.
func OpenStore(ctx context.Context, target, key string) (QueueStore, error) { //nolint:ireturn
	if target == "" {
		target = "state"
	}
	if strings.Contains(target, "://") {
		bucket, err := blob.OpenBucket(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", target, err)
		}
		return NewBlobStore(bucket, key), nil
	}

	if err := fileutil.EnsureDir(target); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	bucket, err := fileblob.OpenBucket(target, nil)
	if err != nil {
		return nil, fmt.Errorf("open dir bucket %s: %w", target, err)
	}
	return NewBlobStore(bucket, key), nil
}

func (s *blobStore) SaveQueue(ctx context.Context, recs []Record) error {
	var buf bytes.Buffer
	if err := EncodeRecords(&buf, recs); err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, s.key, buf.Bytes(), &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", s.key, err)
	}
	return nil
}

func (s *blobStore) LoadQueue(ctx context.Context) ([]Record, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}
	return DecodeRecords(bytes.NewReader(data))
}

func (s *blobStore) Close() error {
	return s.bucket.Close() //nolint:wrapcheck
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// SaveTo writes the current queue to store.
func (m *Manager) SaveTo(ctx context.Context, store QueueStore) (int, error) {
	recs := m.Records()
	if err := store.SaveQueue(ctx, recs); err != nil {
		return 0, fmt.Errorf("save queue: %w", err)
	}
	m.log.Info().Int("tasks", len(recs)).Msg("queue saved")
	return len(recs), nil
}

// LoadFrom submits every task saved in store.
func (m *Manager) LoadFrom(ctx context.Context, store QueueStore) ([]uuid.UUID, error) {
	recs, err := store.LoadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return m.LoadRecords(ctx, recs)
}
