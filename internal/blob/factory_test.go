package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if mem.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %s", mem.Driver())
	}

	fsStore, err := Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected default fs driver, got %s", fsStore.Driver())
	}

	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected s3 config error without bucket")
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestStoresShareWriteOnceContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore} {
		if _, err := store.Put(ctx, "provenance/b-1/1.json", bytes.NewReader([]byte(`{}`)), PutOptions{ContentType: "application/json"}); err != nil {
			t.Fatalf("%s put: %v", store.Driver(), err)
		}
		if _, err := store.Put(ctx, "provenance/b-1/1.json", bytes.NewReader(nil), PutOptions{}); !errors.Is(err, ErrExists) {
			t.Fatalf("%s: expected ErrExists, got %v", store.Driver(), err)
		}
		if _, _, err := store.Get(ctx, "provenance/b-1/2.json"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", store.Driver(), err)
		}
		info, rc, err := store.Get(ctx, "provenance/b-1/1.json")
		if err != nil {
			t.Fatalf("%s get: %v", store.Driver(), err)
		}
		body, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(body) != "{}" || info.ContentType != "application/json" {
			t.Fatalf("%s: unexpected blob %q %+v", store.Driver(), body, info)
		}
		list, err := store.List(ctx, "provenance/b-1/")
		if err != nil || len(list) != 1 {
			t.Fatalf("%s list: %v %v", store.Driver(), list, err)
		}
	}
}
