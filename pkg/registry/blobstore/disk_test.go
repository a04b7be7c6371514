package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
)

func TestDiskStorePutGetRoundTrip(t *testing.T) {
	store := NewDiskStoreFS(memfs.New())
	ctx := context.Background()
	key := Key{Name: "serde", Version: "1.0.0"}

	if err := store.Put(ctx, key, bytes.NewReader([]byte("tarball bytes"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := store.Stream(ctx, key)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "tarball bytes" {
		t.Errorf("Stream content = %q, want %q", got, "tarball bytes")
	}

	size, err := store.Size(ctx, key)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("tarball bytes")) {
		t.Errorf("Size = %d, want %d", size, len("tarball bytes"))
	}
}

func TestDiskStorePutAlreadyExists(t *testing.T) {
	store := NewDiskStoreFS(memfs.New())
	ctx := context.Background()
	key := Key{Name: "serde", Version: "1.0.0"}

	if err := store.Put(ctx, key, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := store.Put(ctx, key, bytes.NewReader([]byte("second")))
	if err == nil {
		t.Fatal("expected error on second Put")
	}
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// the first write must be untouched.
	r, err := store.Stream(ctx, key)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "first" {
		t.Errorf("content after failed overwrite = %q, want %q", got, "first")
	}
}

func TestDiskStoreNotFound(t *testing.T) {
	store := NewDiskStoreFS(memfs.New())
	ctx := context.Background()
	_, err := store.Stream(ctx, Key{Name: "nope", Version: "1.0.0"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiskStoreDelete(t *testing.T) {
	store := NewDiskStoreFS(memfs.New())
	ctx := context.Background()
	key := Key{Name: "serde", Version: "1.0.0"}

	if err := store.Put(ctx, key, bytes.NewReader([]byte("tarball bytes"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Stream(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stream after Delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}

	// a deleted key's Put must succeed again, since the blob no longer
	// exists.
	if err := store.Put(ctx, key, bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("Put after Delete: %v", err)
	}
}

