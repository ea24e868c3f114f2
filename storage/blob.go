/*
	Object store driver built on the gocloud.dev blob API.  The "gs" and "s3"
	schemes open real buckets through the blob URL mux; the "mem" scheme
	serves an in-process bucket and is what the tests use.
*/

package storage

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	RegisterDriver(blobDriver{scheme: "gs"})
	RegisterDriver(blobDriver{scheme: "s3"})
	RegisterDriver(memDriver{})
}

type blobDriver struct {
	scheme string
}

func (d blobDriver) Scheme() string { return d.scheme }

func (d blobDriver) Open(root string) (Store, error) {
	bucket, err := blob.OpenBucket(context.Background(), d.scheme+"://"+root)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open bucket %q", root)
	}
	return &blobStore{bucket: bucket}, nil
}

// memDriver keeps one bucket per root for the life of the process so that
// separate endpoints over the same mem:// root observe each other's writes.
type memDriver struct{}

var (
	memMu      sync.Mutex
	memBuckets = map[string]*blob.Bucket{}
)

func (memDriver) Scheme() string { return "mem" }

func (memDriver) Open(root string) (Store, error) {
	memMu.Lock()
	defer memMu.Unlock()
	bucket, ok := memBuckets[root]
	if !ok {
		bucket = memblob.OpenBucket(nil)
		memBuckets[root] = bucket
	}
	return &blobStore{bucket: bucket}, nil
}

type blobStore struct {
	bucket *blob.Bucket
}

func (s *blobStore) Get(path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(context.Background(), path)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	return data, err
}

func (s *blobStore) Put(path string, data []byte) error {
	return s.bucket.WriteAll(context.Background(), path, data, nil)
}

func (s *blobStore) TryGetSize(path string) (uint64, bool, error) {
	attrs, err := s.bucket.Attributes(context.Background(), path)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(attrs.Size), true, nil
}

func (s *blobStore) List(prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var out []string
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !obj.IsDir {
			out = append(out, obj.Key)
		}
	}
	return out, nil
}
