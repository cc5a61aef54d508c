package s3

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/justapithecus/tether/tether"
)

var _ API = (*MockS3Client)(nil)

func newTestStore(t *testing.T, client *MockS3Client, cfg Config) *Store {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = "test-bucket"
	}
	store, err := New(client, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Config{Bucket: "b"}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(NewMockS3Client(), Config{}); err == nil {
		t.Error("expected error for empty bucket")
	}

	store, err := New(NewMockS3Client(), Config{Bucket: "b", Prefix: "team"})
	if err != nil {
		t.Fatal(err)
	}
	if store.prefix != "team/" {
		t.Errorf("prefix should gain a trailing slash, got %q", store.prefix)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	client.Seed("a.txt", []byte("hello"))
	store := newTestStore(t, client, Config{})

	meta, err := store.Stat(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Path != "/a.txt" || meta.Bytes != 5 || meta.IsDir {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.Rev == "" || meta.Modified == "" {
		t.Errorf("metadata missing rev or timestamp: %+v", meta)
	}
	if meta.Root != "test-bucket" {
		t.Errorf("root should carry the bucket, got %q", meta.Root)
	}
}

func TestStat_FolderByNestedKey(t *testing.T) {
	client := NewMockS3Client()
	client.Seed("docs/a.txt", []byte("a"))
	store := newTestStore(t, client, Config{})

	meta, err := store.Stat(context.Background(), "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.IsDir || meta.Path != "/docs" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestStat_NotFound(t *testing.T) {
	store := newTestStore(t, NewMockS3Client(), Config{})
	_, err := store.Stat(context.Background(), "/missing.txt")
	if !errors.Is(err, tether.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	client.Seed("a.txt", []byte("hello world"))
	store := newTestStore(t, client, Config{})

	data, err := store.ReadRange(ctx, "/a.txt", 6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "world" {
		t.Errorf("range read = %q", data)
	}

	// A range past the end is clamped to the available bytes.
	data, err = store.ReadRange(ctx, "/a.txt", 9, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ld" {
		t.Errorf("tail read = %q", data)
	}

	// An offset past the end returns an empty slice.
	data, err = store.ReadRange(ctx, "/a.txt", 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("past-EOF read = %q", data)
	}

	// Zero length never hits the API.
	before := client.GetCalls
	if _, err := store.ReadRange(ctx, "/a.txt", 0, 0); err != nil {
		t.Fatal(err)
	}
	if client.GetCalls != before {
		t.Error("zero-length read should not issue a request")
	}

	if _, err := store.ReadRange(ctx, "/missing.txt", 0, 4); !errors.Is(err, tether.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestChunkedUploadFlow(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := newTestStore(t, client, Config{})

	id, err := store.AppendChunk(ctx, "", 0, []byte("hello "))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("first append must allocate a session")
	}

	if _, err := store.AppendChunk(ctx, id, 6, []byte("world")); err != nil {
		t.Fatal(err)
	}

	meta, err := store.CommitUpload(ctx, id, "/greeting.txt", 11)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Path != "/greeting.txt" || meta.Bytes != 11 {
		t.Errorf("commit metadata: %+v", meta)
	}
	if got, _ := client.Object("greeting.txt"); string(got) != "hello world" {
		t.Errorf("assembled object = %q", got)
	}
	if client.OpenUploads() != 0 {
		t.Error("multipart upload left open after commit")
	}

	// The staging object must be cleaned up.
	for key := range client.objects {
		if strings.HasPrefix(key, stagingPrefix) {
			t.Errorf("staging object left behind: %q", key)
		}
	}
}

func TestAppendChunk_Validation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMockS3Client(), Config{})

	if _, err := store.AppendChunk(ctx, "nope", 0, []byte("x")); err == nil {
		t.Error("expected error for unknown session")
	}

	id, err := store.AppendChunk(ctx, "", 0, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendChunk(ctx, id, 7, []byte("xyz")); err == nil {
		t.Error("expected error for offset mismatch")
	}
}

func TestCommitUpload_LengthMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMockS3Client(), Config{})

	id, err := store.AppendChunk(ctx, "", 0, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CommitUpload(ctx, id, "/a.txt", 99); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestAppendChunk_FailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	client.UploadPartFailOnCall = 2
	store := newTestStore(t, client, Config{})

	id, err := store.AppendChunk(ctx, "", 0, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendChunk(ctx, id, 3, []byte("def")); err == nil {
		t.Fatal("expected injected failure")
	}

	// The session survives and accepts a retry at the same offset.
	if _, err := store.AppendChunk(ctx, id, 3, []byte("def")); err != nil {
		t.Fatal(err)
	}
	meta, err := store.CommitUpload(ctx, id, "/a.txt", 6)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Bytes != 6 {
		t.Errorf("commit metadata: %+v", meta)
	}
	if got, _ := client.Object("a.txt"); string(got) != "abcdef" {
		t.Errorf("assembled object = %q", got)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := newTestStore(t, client, Config{})

	id, err := store.AppendChunk(ctx, "", 0, []byte("abandoned"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Abort(ctx, id); err != nil {
		t.Fatal(err)
	}
	if client.OpenUploads() != 0 {
		t.Error("upload still open after abort")
	}
	if err := store.Abort(ctx, id); err == nil {
		t.Error("expected error for double abort")
	}
}

func TestUpload(t *testing.T) {
	client := NewMockS3Client()
	store := newTestStore(t, client, Config{})

	meta, err := store.Upload(context.Background(), "/direct.txt", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Bytes != 7 || meta.Path != "/direct.txt" {
		t.Errorf("upload metadata: %+v", meta)
	}
	if got, _ := client.Object("direct.txt"); string(got) != "payload" {
		t.Errorf("uploaded object = %q", got)
	}
}

func TestList(t *testing.T) {
	client := NewMockS3Client()
	client.Seed("docs/a.txt", []byte("a"))
	client.Seed("docs/b.txt", []byte("bb"))
	client.Seed("docs/sub/x.txt", []byte("x"))
	client.Seed("other.txt", []byte("o"))
	store := newTestStore(t, client, Config{})

	meta, err := store.List(context.Background(), "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.IsDir {
		t.Error("listing should describe a folder")
	}
	if len(meta.Contents) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(meta.Contents), meta.Contents)
	}

	var folders, files int
	for _, entry := range meta.Contents {
		if entry.IsDir {
			folders++
			if entry.Path != "/docs/sub" {
				t.Errorf("folder entry path = %q", entry.Path)
			}
		} else {
			files++
		}
	}
	if folders != 1 || files != 2 {
		t.Errorf("expected 1 folder and 2 files, got %d/%d", folders, files)
	}
}

func TestList_MissingFolder(t *testing.T) {
	store := newTestStore(t, NewMockS3Client(), Config{})
	_, err := store.List(context.Background(), "/nope")
	if !errors.Is(err, tether.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestCopyMoveDelete(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	client.Seed("a.txt", []byte("payload"))
	store := newTestStore(t, client, Config{})

	meta, err := store.Copy(ctx, "/a.txt", "/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Path != "/b.txt" || meta.Bytes != 7 {
		t.Errorf("copy metadata: %+v", meta)
	}

	if _, err := store.Move(ctx, "/b.txt", "/c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.Object("b.txt"); ok {
		t.Error("move should remove the source")
	}
	if got, _ := client.Object("c.txt"); string(got) != "payload" {
		t.Errorf("moved object = %q", got)
	}

	if _, err := store.Delete(ctx, "/c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Delete(ctx, "/c.txt"); !errors.Is(err, tether.ErrNotFound) {
		t.Errorf("double delete: expected ErrNotFound, got: %v", err)
	}
}

func TestCreateFolder(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := newTestStore(t, client, Config{})

	meta, err := store.CreateFolder(ctx, "/newdir")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.IsDir || meta.Path != "/newdir" {
		t.Errorf("folder metadata: %+v", meta)
	}

	// The empty folder is stat-able and listable through its marker.
	if _, err := store.Stat(ctx, "/newdir"); err != nil {
		t.Errorf("stat after create folder: %v", err)
	}
	listing, err := store.List(ctx, "/newdir")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Contents) != 0 {
		t.Errorf("empty folder listing: %+v", listing.Contents)
	}
}

func TestPrefixScoping(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	client.Seed("team/a.txt", []byte("scoped"))
	client.Seed("a.txt", []byte("unscoped"))
	store := newTestStore(t, client, Config{Prefix: "team"})

	meta, err := store.Stat(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Bytes != 6 {
		t.Errorf("stat resolved outside the prefix: %+v", meta)
	}

	if _, err := store.Upload(ctx, "/b.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.Object("team/b.txt"); !ok {
		t.Error("upload should land under the prefix")
	}
}

func TestKeyValidation(t *testing.T) {
	store := newTestStore(t, NewMockS3Client(), Config{})

	if _, err := store.key(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := store.key("../escape"); err == nil {
		t.Error("expected error for escaping path")
	}
	if key, err := store.key("/a//b/./c.txt"); err != nil || key != "a/b/c.txt" {
		t.Errorf("key normalization = %q, %v", key, err)
	}
}

// The handle engine drives the S3 store end to end: chunked write via a
// multipart session, commit on close, reopen for ranged reads.
func TestHandleOverStore(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	store := newTestStore(t, client, Config{})

	h, err := tether.New(store, tether.WithChunkSize(8))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Open(ctx, "/roundtrip.txt", tether.ModeWriting); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("abcdefghij"), 3)
	if _, err := h.Write(ctx, payload); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.Open(ctx, "/roundtrip.txt", tether.ModeReading); err != nil {
		t.Fatal(err)
	}
	got, err := h.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("roundtrip mismatch: got %d bytes, expected %d", len(got), len(payload))
	}
	if client.OpenUploads() != 0 {
		t.Error("multipart upload left open")
	}
}
