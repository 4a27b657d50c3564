package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/aura-net/aura/pkg/aura"
)

// GCSStore keeps sealed blobs in a Google Cloud Storage bucket. The
// client authenticates via application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) key(hash aura.Hash32) string {
	return s.prefix + hex.EncodeToString(hash[:]) + ".snap"
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (aura.Hash32, error) {
	hash := blobHash(data)
	obj := s.client.Bucket(s.bucket).Object(s.key(hash))

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return aura.Hash32{}, fmt.Errorf("gcs write %s: %w", s.key(hash), err)
	}
	if err := w.Close(); err != nil {
		return aura.Hash32{}, fmt.Errorf("gcs close %s: %w", s.key(hash), err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash aura.Hash32) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(hash)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", s.key(hash), err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash aura.Hash32) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.key(hash)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs head %s: %w", s.key(hash), err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash aura.Hash32) error {
	err := s.client.Bucket(s.bucket).Object(s.key(hash)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", s.key(hash), err)
	}
	return nil
}

func (s *GCSStore) Close() error { return s.client.Close() }
