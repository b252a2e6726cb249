package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"recordbridge/internal/blob/core"
)

func TestStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	info, err := store.Put(ctx, "snapshots/00000000000000000001.json", strings.NewReader(`{"seq":1}`), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 9 || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "snapshots/00000000000000000001.json", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if _, err := store.Put(ctx, "elsewhere.txt", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put elsewhere: %v", err)
	}

	got, rc, err := store.Get(ctx, "snapshots/00000000000000000001.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"seq":1}` || got.ContentType != "application/json" || got.ETag != info.ETag {
		t.Fatalf("unexpected get %q %+v", body, got)
	}

	list, err := store.List(ctx, "snapshots/")
	if err != nil || len(list) != 1 || list[0].Key != "snapshots/00000000000000000001.json" {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if ok, err := store.Delete(ctx, "snapshots/00000000000000000001.json"); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "snapshots/00000000000000000001.json"); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "snapshots/00000000000000000001.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSanitizeKeyRejectsEscapes(t *testing.T) {
	for _, key := range []string{"", "  ", "/abs", "../up", "a/../../b", "blob.meta"} {
		if _, err := sanitizeKey(key); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
	if got, err := sanitizeKey("a//b/./c"); err != nil || got != "a/b/c" {
		t.Fatalf("sanitize = %q, %v", got, err)
	}
}

func TestGetFailsOnCorruptSidecar(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("v"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "k"+metaSuffix), []byte("{bad"), 0o640); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected sidecar decode error")
	}
	if _, err := store.List(ctx, ""); err == nil {
		t.Fatalf("expected list to surface sidecar error")
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Root() != DefaultRoot {
		t.Fatalf("root = %q", store.Root())
	}
	if _, err := os.Stat(DefaultRoot); err != nil {
		t.Fatalf("default root not created: %v", err)
	}
}
