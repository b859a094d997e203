package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"
)

// GCSStore keeps blobs in a Cloud Storage bucket. URLs have the form
// gs://<bucket>/<key>.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a store on bucket using application default credentials.
func NewGCS(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "gcs: create client")
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// NewGCSWithClient wraps an existing client.
func NewGCSWithClient(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", eris.Wrapf(err, "gcs: write %s", key)
	}
	if err := w.Close(); err != nil {
		return "", eris.Wrapf(err, "gcs: finalize %s", key)
	}
	return GCSURL(s.bucket, key), nil
}

func (s *GCSStore) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := ParseGCSURL(url)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "gcs: open %s", url)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "gcs: read %s", url)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, url string) error {
	bucket, key, err := ParseGCSURL(url)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return eris.Wrapf(err, "gcs: delete %s", url)
	}
	return nil
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})

	deleted := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, eris.Wrapf(err, "gcs: list %s", prefix)
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, eris.Wrapf(err, "gcs: delete %s", attrs.Name)
		}
		deleted++
	}
	return deleted, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// GCSURL formats a gs:// URL.
func GCSURL(bucket, key string) string {
	return "gs://" + bucket + "/" + key
}

// ParseGCSURL splits a gs:// URL into bucket and key.
func ParseGCSURL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", "", eris.Errorf("gcs: not a gs:// url: %q", url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", eris.Errorf("gcs: url %q has no object key", url)
	}
	return bucket, key, nil
}
