package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/docanalysis/internal/services"
)

// ParseHandle splits a gs://bucket/object URI.
func ParseHandle(handle string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(handle, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// handle: %q", handle)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// handle: %q", handle)
	}
	return bucket, object, nil
}

// GCSStore implements services.ObjectStore on Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
}

var _ services.ObjectStore = (*GCSStore)(nil)

func NewGCSStore(client *storage.Client, workBucket string) *GCSStore {
	return &GCSStore{client: client, bucket: workBucket}
}

// Put writes the object only if it doesn't already exist, so retried
// activities never clobber earlier output.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	handle := fmt.Sprintf("gs://%s/%s", s.bucket, name)
	writer := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return handle, nil
		}
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Debug("Object already exists, skipping write.", "gcsObject", name)
			return handle, nil
		}
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return handle, nil
}

func (s *GCSStore) Get(ctx context.Context, handle string) ([]byte, error) {
	r, err := s.Open(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", handle, err)
	}
	return data, nil
}

func (s *GCSStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	bucket, object, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", services.ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", handle, err)
	}
	return r, nil
}

// DeletePrefix lists and deletes work-bucket objects under prefix concurrently.
func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(16)
	for _, name := range names {
		eg.Go(func() error {
			err := bkt.Object(name).Delete(gctx)
			if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("failed to delete %s: %w", name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *GCSStore) SignedURL(_ context.Context, handle string, ttl time.Duration) (string, error) {
	bucket, object, err := ParseHandle(handle)
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", handle, err)
	}
	return url, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
