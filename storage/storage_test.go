package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewArbiter("")
	ep, err := a.Endpoint(dir)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	if err := ep.Put("sub/key.bin", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ep.Get("sub/key.bin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("get: got %q", got)
	}

	size, found, err := ep.TryGetSize("sub/key.bin")
	if err != nil || !found || size != 7 {
		t.Errorf("size: got %d found=%v err=%v", size, found, err)
	}
	if _, found, _ := ep.TryGetSize("absent"); found {
		t.Errorf("absent path reported found")
	}

	if _, err := ep.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get: got %v, want ErrNotFound", err)
	}
}

func TestMemStoreRoundTrip(t *testing.T) {
	a := NewArbiter(t.TempDir())
	ep, err := a.Endpoint("mem://bucket/prefix")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if err := ep.Put("key", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second endpoint over the same root observes the write.
	ep2, err := a.Endpoint("mem://bucket")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	got, err := ep2.Get("prefix/key")
	if err != nil || string(got) != "v" {
		t.Errorf("cross-endpoint get: got %q, %v", got, err)
	}
}

func TestEndpointsLayout(t *testing.T) {
	a := NewArbiter("")
	eps, err := NewEndpoints(a, t.TempDir())
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	if err := eps.Data.Put("0-0-0-0.bin", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	listed, err := eps.Output.List("ept-data")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0] != "0-0-0-0.bin" {
		t.Errorf("list: got %v", listed)
	}
}

func TestLocalize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(src, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	a := NewArbiter(filepath.Join(dir, "tmp"))

	// Local paths pass through without copying.
	h, err := a.Localize(src)
	if err != nil {
		t.Fatalf("localize: %v", err)
	}
	if h.LocalPath() != src {
		t.Errorf("local path: got %s", h.LocalPath())
	}
	h.Release()
	if _, err := os.Stat(src); err != nil {
		t.Errorf("release removed the original: %v", err)
	}

	// Remote objects are copied under tmp and removed on release.
	ep, err := a.Endpoint("mem://loc")
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Put("remote.bin", []byte("remote")); err != nil {
		t.Fatal(err)
	}
	h, err = a.Localize("mem://loc/remote.bin")
	if err != nil {
		t.Fatalf("localize remote: %v", err)
	}
	data, err := os.ReadFile(h.LocalPath())
	if err != nil || string(data) != "remote" {
		t.Errorf("localized copy: got %q, %v", data, err)
	}
	h.Release()
	if _, err := os.Stat(h.LocalPath()); !os.IsNotExist(err) {
		t.Errorf("release left the temp copy behind")
	}
}

// flakyStore fails the first n operations of each kind.
type flakyStore struct {
	inner    Store
	putFails int
	getFails int
}

func (s *flakyStore) Get(path string) ([]byte, error) {
	if s.getFails > 0 {
		s.getFails--
		return nil, fmt.Errorf("transient get failure")
	}
	return s.inner.Get(path)
}

func (s *flakyStore) Put(path string, data []byte) error {
	if s.putFails > 0 {
		s.putFails--
		return fmt.Errorf("transient put failure")
	}
	return s.inner.Put(path, data)
}

func (s *flakyStore) TryGetSize(path string) (uint64, bool, error) {
	return s.inner.TryGetSize(path)
}

func (s *flakyStore) List(prefix string) ([]string, error) {
	return s.inner.List(prefix)
}

func TestRetry(t *testing.T) {
	flaky := &flakyStore{
		inner:    &localStore{root: t.TempDir()},
		putFails: 2,
		getFails: 2,
	}
	ep := Endpoint{store: flaky}

	if err := PutWithRetry(ep, "key", []byte("v"), 4); err != nil {
		t.Fatalf("put with retry: %v", err)
	}
	got, err := GetWithRetry(ep, "key", 4)
	if err != nil || string(got) != "v" {
		t.Errorf("get with retry: got %q, %v", got, err)
	}

	// Exhausted tries surface the error.
	flaky.putFails = 10
	if err := PutWithRetry(ep, "key2", []byte("v"), 2); err == nil {
		t.Errorf("put should fail after exhausting tries")
	}

	// Missing paths are not retried.
	flaky.getFails = 0
	if _, err := GetWithRetry(ep, "absent", 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get: got %v, want ErrNotFound", err)
	}
}
