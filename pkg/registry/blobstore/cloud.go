package blobstore

import (
	"context"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CloudStore stores blobs as objects in a Google Cloud Storage bucket,
// below an optional key prefix. It is the multi-node counterpart of
// DiskStore: any number of registry processes can share one bucket.
type CloudStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewCloudStore dials a GCS client and returns a CloudStore writing to
// bucket, with every object key prefixed by prefix (prefix may be empty).
func NewCloudStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*CloudStore, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}
	return &CloudStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *CloudStore) objectName(key Key) string {
	return path.Join(s.prefix, key.String())
}

func (s *CloudStore) Put(ctx context.Context, key Key, data io.Reader) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key)).If(gcs.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return errors.Wrapf(err, "writing blob for %v", key)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return errors.Wrapf(ErrAlreadyExists, "%v", key)
		}
		return errors.Wrapf(err, "committing blob for %v", key)
	}
	return nil
}

func (s *CloudStore) Stream(ctx context.Context, key Key) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			return nil, errors.Wrapf(ErrNotFound, "%v", key)
		}
		return nil, errors.Wrapf(err, "opening blob for %v", key)
	}
	return r, nil
}

func (s *CloudStore) Size(ctx context.Context, key Key) (int64, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Attrs(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			return 0, errors.Wrapf(ErrNotFound, "%v", key)
		}
		return 0, errors.Wrapf(err, "statting blob for %v", key)
	}
	return attrs.Size, nil
}

func (s *CloudStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx); err != nil {
		if err == gcs.ErrObjectNotExist {
			return errors.Wrapf(ErrNotFound, "%v", key)
		}
		return errors.Wrapf(err, "deleting blob for %v", key)
	}
	return nil
}

// isPreconditionFailed reports whether err is the GCS API's response to a
// failed If(DoesNotExist) condition, i.e. the object was already there.
func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 412
}

var _ Store = &CloudStore{}
