package tether

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// -----------------------------------------------------------------------------
// P1: chunk boundary accounting
// -----------------------------------------------------------------------------

// Writing 25 bytes with a 10-byte chunk flushes two full chunks during
// the writes, and close appends the 5-byte remainder before committing.
func TestWrite_ChunkBoundaries(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	h, _ := New(store, WithChunkSize(10))

	if err := h.Open(ctx, "/chunks.txt", ModeWriting); err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("A"), 25)
	n, err := h.Write(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Fatalf("expected 25 bytes accepted, got %d", n)
	}
	if store.AppendCalls != 2 {
		t.Fatalf("expected 2 appends during writes, got %d", store.AppendCalls)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}

	want := []int{10, 10, 5}
	if len(store.AppendSizes) != len(want) {
		t.Fatalf("expected appends %v, got %v", want, store.AppendSizes)
	}
	sum := 0
	for i, size := range store.AppendSizes {
		if size != want[i] {
			t.Errorf("append %d: expected %d bytes, got %d", i, want[i], size)
		}
		sum += size
	}
	if sum != 25 {
		t.Errorf("appended byte total %d, expected 25", sum)
	}
	if store.CommitCalls != 1 {
		t.Errorf("expected 1 commit, got %d", store.CommitCalls)
	}

	if got, _ := store.Object("/chunks.txt"); !bytes.Equal(got, payload) {
		t.Errorf("committed bytes differ from written bytes")
	}
	if meta := h.Metadata(); meta == nil || meta.Bytes != 25 {
		t.Errorf("expected metadata bytes=25, got %+v", meta)
	}
}

// floor(L/C) appends during writes plus one commit-time append of L mod C
// bytes, for several L/C combinations including exact multiples.
func TestWrite_AppendCountProperty(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		total int
		chunk int64
	}{
		{0, 10},
		{1, 10},
		{10, 10},
		{11, 10},
		{99, 10},
		{100, 7},
	}

	for _, tc := range cases {
		store := NewMockStore()
		h, _ := New(store, WithChunkSize(tc.chunk))
		if err := h.Open(ctx, "/p.txt", ModeWriting); err != nil {
			t.Fatal(err)
		}

		payload := bytes.Repeat([]byte("z"), tc.total)
		// Dribble the payload in to exercise buffer accumulation.
		for i := 0; i < len(payload); i += 3 {
			end := i + 3
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := h.Write(ctx, payload[i:end]); err != nil {
				t.Fatal(err)
			}
		}
		if err := h.Close(ctx); err != nil {
			t.Fatal(err)
		}

		full := tc.total / int(tc.chunk)
		rem := tc.total % int(tc.chunk)
		wantAppends := full
		if rem > 0 || full == 0 {
			wantAppends++
		}
		if store.AppendCalls != wantAppends {
			t.Errorf("L=%d C=%d: expected %d appends, got %d", tc.total, tc.chunk, wantAppends, store.AppendCalls)
		}
		sum := 0
		for _, size := range store.AppendSizes {
			sum += size
		}
		if sum != tc.total {
			t.Errorf("L=%d C=%d: appended %d bytes", tc.total, tc.chunk, sum)
		}
		if got, _ := store.Object("/p.txt"); !bytes.Equal(got, payload) {
			t.Errorf("L=%d C=%d: committed bytes differ", tc.total, tc.chunk)
		}
	}
}

// A single write larger than several chunks flushes repeatedly in one call.
func TestWrite_LargerThanChunk(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	h, _ := New(store, WithChunkSize(4))

	if err := h.Open(ctx, "/big.txt", ModeWriting); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write(ctx, []byte("0123456789abcde")); err != nil { // 15 bytes
		t.Fatal(err)
	}
	if store.AppendCalls != 3 {
		t.Errorf("expected 3 appends for 15 bytes over 4-byte chunks, got %d", store.AppendCalls)
	}
	if h.Tell() != 15 {
		t.Errorf("expected write position 15, got %d", h.Tell())
	}
}

func TestWrite_AppendFailurePreservesBytes(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	h, _ := New(store, WithChunkSize(5))

	if err := h.Open(ctx, "/retry.txt", ModeWriting); err != nil {
		t.Fatal(err)
	}

	store.AppendFailOnCall = 1
	var uploadErr *UploadError
	_, err := h.Write(ctx, []byte("abcdef"))
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadError, got: %v", err)
	}
	if uploadErr.Op != "append" || uploadErr.Offset != 0 {
		t.Errorf("unexpected error context: %+v", uploadErr)
	}

	// The failed flush left the bytes buffered; a later close delivers
	// all of them.
	store.AppendFailOnCall = 0
	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Object("/retry.txt"); string(got) != "abcdef" {
		t.Errorf("expected all 6 bytes committed after retry, got %q", got)
	}
}

func TestPutFile(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	h, _ := New(store)

	meta, err := h.PutFile(ctx, "/small.txt", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Bytes != 7 || meta.Path != "/small.txt" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if store.UploadCalls != 1 || store.AppendCalls != 0 || store.CommitCalls != 0 {
		t.Error("putfile must be a single direct upload")
	}
	if h.Metadata() != meta {
		t.Error("putfile result should populate the metadata cache")
	}
}

func TestPutFile_CommitsPendingUpload(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	h, _ := New(store, WithChunkSize(10))

	if err := h.Open(ctx, "/pending.txt", ModeWriting); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write(ctx, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.PutFile(ctx, "/other.txt", []byte("xy")); err != nil {
		t.Fatal(err)
	}

	if got, _ := store.Object("/pending.txt"); string(got) != "abc" {
		t.Errorf("pending upload not committed before putfile: %q", got)
	}
	if store.CommitCalls != 1 || store.UploadCalls != 1 {
		t.Errorf("expected 1 commit + 1 upload, got %d/%d", store.CommitCalls, store.UploadCalls)
	}
	if h.Mode() != ModeClosed {
		t.Errorf("handle should be closed after its upload was superseded, got %s", h.Mode())
	}
}
