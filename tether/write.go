package tether

import (
	"context"
	"fmt"
)

// -----------------------------------------------------------------------------
// Write Engine
// -----------------------------------------------------------------------------

// Write appends p to the handle's write buffer and flushes every full
// chunk to the store as a session append. The returned count equals
// len(p) on success.
//
// On append failure the buffered bytes are retained along with the
// session state; a later Write or Close reattempts the same flush, so no
// bytes are lost. The engine itself never retries.
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	if h.mode != ModeWriting {
		return 0, fmt.Errorf("tether: write in mode %s: %w", h.mode, ErrInvalidMode)
	}

	h.writeBuf = append(h.writeBuf, p...)
	h.position += int64(len(p))

	if err := h.flushFull(ctx); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flushFull flushes chunk-size prefixes of the write buffer until less
// than one full chunk remains. Writes larger than a chunk produce several
// appends in sequence.
func (h *Handle) flushFull(ctx context.Context) error {
	for int64(len(h.writeBuf)) >= h.chunkSize {
		if err := h.flushChunk(ctx, h.writeBuf[:h.chunkSize]); err != nil {
			return err
		}
	}
	return nil
}

// flushChunk issues one append carrying chunk. The store allocates the
// session on the first append of a write sequence. State advances only
// on success.
func (h *Handle) flushChunk(ctx context.Context, chunk []byte) error {
	sessionID, err := h.store.AppendChunk(ctx, h.sessionID, h.uploadOffset, chunk)
	if err != nil {
		return &UploadError{Op: "append", Path: h.path, Offset: h.uploadOffset, Err: err}
	}
	h.sessionID = sessionID
	h.uploadOffset += int64(len(chunk))
	h.writeBuf = h.writeBuf[len(chunk):]
	return nil
}

// commit finalizes the pending upload: flush any remaining bytes, then
// commit the session against the handle's path and cache the returned
// metadata. A write sequence that never flushed still appends once with
// an empty payload so that closing an untouched handle produces a valid
// zero-byte file.
func (h *Handle) commit(ctx context.Context) error {
	if err := h.flushFull(ctx); err != nil {
		return err
	}
	if len(h.writeBuf) > 0 || h.sessionID == "" {
		if err := h.flushChunk(ctx, h.writeBuf); err != nil {
			return err
		}
	}

	meta, err := h.store.CommitUpload(ctx, h.sessionID, h.path, h.uploadOffset)
	if err != nil {
		return &UploadError{Op: "commit", Path: h.path, Offset: h.uploadOffset, Err: err}
	}

	h.meta = meta
	h.resetWrite()
	return nil
}

// PutFile uploads data to path in a single request, bypassing the
// chunk/commit sequence. Any pending chunked upload on the handle is
// committed first. The returned metadata also populates the cache.
func (h *Handle) PutFile(ctx context.Context, path string, data []byte) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.Upload(ctx, path, data)
	if err != nil {
		return nil, &UploadError{Op: "put", Path: path, Offset: 0, Err: err}
	}

	h.meta = meta
	return meta, nil
}
