package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"recordbridge/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store %s %s", store.Driver(), store.Bucket())
	}

	info, err := store.Put(ctx, "snapshots/1.json", strings.NewReader(`{"seq":1}`), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 9 || info.ETag == "" {
		t.Fatalf("unexpected put info %+v", info)
	}
	if _, err := store.Put(ctx, "snapshots/1.json", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}

	got, rc, err := store.Get(ctx, "snapshots/1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"seq":1}` || got.ContentType != "application/json" || got.Size != 9 || got.ETag != info.ETag {
		t.Fatalf("unexpected get %q %+v", body, got)
	}
	if _, _, err := store.Get(ctx, "snapshots/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if ok, err := store.Delete(ctx, "snapshots/1.json"); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "snapshots/1.json"); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
}

func TestMockHeadersAreCanonical(t *testing.T) {
	h := objectHeaders(mockObject{body: []byte("abc"), contentType: "text/plain"})
	for _, name := range []string{"ETag", "Content-Length", "Content-Type", "Last-Modified"} {
		if h.Get(name) == "" {
			t.Fatalf("header %s not readable through Get: %v", name, h)
		}
	}
	if got, want := h.Get("ETag"), `"00000003"`; got != want {
		t.Fatalf("etag = %s, want %s", got, want)
	}
}

func TestListFollowsContinuationTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	for i := range 5 {
		key := fmt.Sprintf("snapshots/%d.json", i)
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.Put(ctx, "other/x", strings.NewReader("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := store.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 keys across pages, got %d", len(list))
	}
	for i, info := range list {
		if want := fmt.Sprintf("snapshots/%d.json", i); info.Key != want || info.Size != 2 {
			t.Fatalf("entry %d = %+v", i, info)
		}
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
	store, err := New(context.Background(), Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "secret", Endpoint: "http://localhost:9000", PathStyle: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Bucket() != "b" {
		t.Fatalf("bucket = %q", store.Bucket())
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("3;chunk-signature=abc\r\nabc\r\n2\r\nde\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	got, err := decodeChunked(raw)
	if err != nil || string(got) != "abcde" {
		t.Fatalf("decode = %q, %v", got, err)
	}
	if _, err := decodeChunked([]byte("zz\r\nabc\r\n")); err == nil {
		t.Fatalf("expected size error")
	}
	if _, err := decodeChunked([]byte("9\r\nabc")); err == nil {
		t.Fatalf("expected truncated body error")
	}
}
