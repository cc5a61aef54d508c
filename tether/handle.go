package tether

import (
	"context"
	"errors"
	"fmt"
)

// DefaultChunkSize is the flush threshold for uploads and the prefetch
// window size for downloads.
const DefaultChunkSize = 4 << 20 // 4 MiB

// -----------------------------------------------------------------------------
// Modes
// -----------------------------------------------------------------------------

// Mode is the handle's current capability: a handle is always in exactly
// one mode, never partially both. Read operations are valid only in
// ModeReading, write operations only in ModeWriting.
type Mode int

const (
	// ModeClosed is the initial and final state; no path is bound.
	ModeClosed Mode = iota

	// ModeReading serves ranged reads over a prefetch window.
	ModeReading

	// ModeWriting accumulates bytes into a chunked upload session.
	ModeWriting
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeReading:
		return "reading"
	case ModeWriting:
		return "writing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// -----------------------------------------------------------------------------
// Handle Configuration
// -----------------------------------------------------------------------------

// handleConfig holds the resolved configuration for a handle.
type handleConfig struct {
	chunkSize int64
}

// Option configures handle construction.
type Option interface {
	applyHandle(*handleConfig) error
}

// chunkSizeOption implements Option for WithChunkSize.
type chunkSizeOption struct {
	n int64
}

// WithChunkSize sets the chunk size in bytes used for both upload flushes
// and download prefetch windows.
// Default: DefaultChunkSize (4 MiB).
func WithChunkSize(n int64) Option {
	return &chunkSizeOption{n: n}
}

func (o *chunkSizeOption) applyHandle(cfg *handleConfig) error {
	if o.n <= 0 {
		return fmt.Errorf("WithChunkSize: %w", ErrInvalidChunkSize)
	}
	cfg.chunkSize = o.n
	return nil
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Handle is a seekable byte-stream view of one remote path at a time.
//
// A handle is single-threaded: every remote call blocks until the store
// answers, and all state is mutated in place. It is not safe for
// concurrent use; give each logical stream its own handle.
type Handle struct {
	store     RemoteStore
	chunkSize int64

	mode Mode
	path string

	// Caller-visible byte offset. The authoritative cursor in reading
	// mode; informational (total bytes written) in writing mode.
	position int64

	// Write engine state.
	writeBuf     []byte
	sessionID    string
	uploadOffset int64

	// Read engine state. The window holds bytes [readStart, readEnd)
	// of the remote file; eofReached records whether the window's
	// fetch hit end of stream.
	readBuf    []byte
	readStart  int64
	readEnd    int64
	eofReached bool

	// Last metadata returned by any request on this handle.
	meta *Metadata
}

// New creates a handle over the given store.
//
// Default behavior:
//   - Chunk size: DefaultChunkSize (4 MiB)
//
// Use option functions to override defaults:
//   - WithChunkSize(n) to change flush and prefetch granularity
func New(store RemoteStore, opts ...Option) (*Handle, error) {
	if store == nil {
		return nil, errors.New("tether: store is required")
	}

	cfg := &handleConfig{
		chunkSize: DefaultChunkSize,
	}

	for _, opt := range opts {
		if err := opt.applyHandle(cfg); err != nil {
			return nil, fmt.Errorf("tether: %w", err)
		}
	}

	return &Handle{
		store:     store,
		chunkSize: cfg.chunkSize,
		mode:      ModeClosed,
	}, nil
}

// Open binds the handle to path in the given mode.
//
// If a chunked upload is pending from a previous write sequence it is
// committed first; only one upload session may be outstanding per handle.
// Opening for reading probes the path and seeds the metadata cache,
// failing with ErrNotFound if the path does not exist. Opening for
// writing performs no remote call: the first flush starts the session.
func (h *Handle) Open(ctx context.Context, path string, mode Mode) error {
	if mode != ModeReading && mode != ModeWriting {
		return fmt.Errorf("tether: open %q in mode %s: %w", path, mode, ErrInvalidMode)
	}

	if err := h.commitPending(ctx); err != nil {
		return err
	}

	h.resetRead()
	h.resetWrite()
	h.position = 0
	h.mode = ModeClosed

	if mode == ModeReading {
		meta, err := h.store.Stat(ctx, path)
		if err != nil {
			return fmt.Errorf("tether: open %q: %w", path, err)
		}
		h.meta = meta
	}

	h.path = path
	h.mode = mode
	return nil
}

// Close releases the handle's binding to its path.
//
// In writing mode this commits the pending upload; commit failures leave
// the handle in writing mode with its buffer intact so Close can be
// retried. In reading mode buffers are discarded with no remote call.
func (h *Handle) Close(ctx context.Context) error {
	switch h.mode {
	case ModeReading:
		h.resetRead()
	case ModeWriting:
		if err := h.commit(ctx); err != nil {
			return err
		}
	}
	h.mode = ModeClosed
	h.path = ""
	h.position = 0
	return nil
}

// Tell returns the caller-visible byte offset: the read cursor in reading
// mode, the total bytes written in writing mode.
func (h *Handle) Tell() int64 {
	return h.position
}

// Mode returns the handle's current mode.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Path returns the remote path the handle is bound to, or "" when closed.
func (h *Handle) Path() string {
	return h.path
}

// Metadata returns the most recent metadata received on this handle, or
// nil if none yet. The slot is overwritten whole by every metadata-bearing
// response; values are never merged.
func (h *Handle) Metadata() *Metadata {
	return h.meta
}

// commitPending commits an outstanding upload before the handle is
// repurposed. Reopens, mode switches, and file operations all route
// through here, matching the remote protocol's one-session-per-client
// limit.
func (h *Handle) commitPending(ctx context.Context) error {
	if h.mode != ModeWriting {
		return nil
	}
	if err := h.commit(ctx); err != nil {
		return err
	}
	h.mode = ModeClosed
	return nil
}

func (h *Handle) resetRead() {
	h.readBuf = nil
	h.readStart = 0
	h.readEnd = 0
	h.eofReached = false
}

func (h *Handle) resetWrite() {
	h.writeBuf = nil
	h.sessionID = ""
	h.uploadOffset = 0
}
