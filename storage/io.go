/*
	Retrying wrappers for endpoint I/O.  Remote stores fail transiently, so
	writes and reads are retried with backoff before an error is surfaced as
	fatal.
*/

package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

// DefaultTries is the number of attempts made before a storage operation is
// surfaced as fatal.
const DefaultTries = 8

func backoff(try int) time.Duration {
	return time.Duration(try*try) * 100 * time.Millisecond
}

// PutWithRetry attempts a put up to tries times.
func PutWithRetry(ep Endpoint, path string, data []byte, tries int) error {
	var err error
	for try := 0; try < tries; try++ {
		if try > 0 {
			time.Sleep(backoff(try))
			entwine.Warningf("Retrying put of %s (%d)", path, try)
		}
		if err = ep.Put(path, data); err == nil {
			return nil
		}
	}
	return err
}

// EnsurePut writes the value or returns a fatal error after DefaultTries
// attempts.
func EnsurePut(ep Endpoint, path string, data []byte) error {
	if err := PutWithRetry(ep, path, data, DefaultTries); err != nil {
		return errors.Wrapf(err, "failed to put %q", path)
	}
	return nil
}

// GetWithRetry attempts a get up to tries times.  Missing paths are not
// retried.
func GetWithRetry(ep Endpoint, path string, tries int) ([]byte, error) {
	var err error
	for try := 0; try < tries; try++ {
		if try > 0 {
			time.Sleep(backoff(try))
			entwine.Warningf("Retrying get of %s (%d)", path, try)
		}
		var data []byte
		if data, err = ep.Get(path); err == nil {
			return data, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, err
}

// EnsureGet reads the value or returns a fatal error after DefaultTries
// attempts.
func EnsureGet(ep Endpoint, path string) ([]byte, error) {
	data, err := GetWithRetry(ep, path, DefaultTries)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %q", path)
	}
	return data, nil
}
