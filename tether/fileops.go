package tether

import (
	"context"
	"fmt"
)

// -----------------------------------------------------------------------------
// File Operations
// -----------------------------------------------------------------------------
//
// Directory and file operations are single-request calls layered on the
// store. Each one first commits any pending chunked upload — the remote
// protocol allows only one outstanding session per client context — and
// then overwrites the metadata cache with its result.

// Contents lists the folder at path. The returned metadata describes the
// folder itself with its entries in Contents.
func (h *Handle) Contents(ctx context.Context, path string) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tether: contents %q: %w", path, err)
	}

	h.meta = meta
	return meta, nil
}

// Copy copies fromPath to toPath and returns the new entry's metadata.
func (h *Handle) Copy(ctx context.Context, fromPath, toPath string) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.Copy(ctx, fromPath, toPath)
	if err != nil {
		return nil, fmt.Errorf("tether: copy %q to %q: %w", fromPath, toPath, err)
	}

	h.meta = meta
	return meta, nil
}

// Move moves fromPath to toPath and returns the new entry's metadata.
func (h *Handle) Move(ctx context.Context, fromPath, toPath string) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.Move(ctx, fromPath, toPath)
	if err != nil {
		return nil, fmt.Errorf("tether: move %q to %q: %w", fromPath, toPath, err)
	}

	h.meta = meta
	return meta, nil
}

// Delete removes path and returns the deleted entry's metadata.
func (h *Handle) Delete(ctx context.Context, path string) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.Delete(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tether: delete %q: %w", path, err)
	}

	h.meta = meta
	return meta, nil
}

// CreateFolder creates a folder at path and returns its metadata.
func (h *Handle) CreateFolder(ctx context.Context, path string) (*Metadata, error) {
	if err := h.commitPending(ctx); err != nil {
		return nil, err
	}

	meta, err := h.store.CreateFolder(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tether: create folder %q: %w", path, err)
	}

	h.meta = meta
	return meta, nil
}
