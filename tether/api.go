// Package tether exposes a remote content store through a single stateful
// handle with POSIX file-descriptor semantics: open, read, write, seek,
// tell, close, eof.
//
// The remote protocol is inherently asymmetric: uploads are append-only
// chunk sequences finalized by a commit, downloads are ranged fetches.
// The Handle reconciles both with the synchronous, seekable byte-stream
// behavior callers expect from a file descriptor. Store adapters (HTTP,
// S3-compatible) live in subpackages; the core never performs I/O except
// through the RemoteStore interface.
package tether

import (
	"context"
	"fmt"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Metadata describes a remote file or folder. The handle stores it
// verbatim as returned by the store; fields are never merged across
// responses.
type Metadata struct {
	// Path is the remote path of the entry.
	Path string `json:"path"`

	// Bytes is the entry size in bytes (zero for folders).
	Bytes int64 `json:"bytes"`

	// IsDir reports whether the entry is a folder.
	IsDir bool `json:"is_dir"`

	// Rev is the store-assigned revision identifier.
	Rev string `json:"rev,omitempty"`

	// Modified is the last-modified timestamp as returned by the store.
	Modified string `json:"modified,omitempty"`

	// MimeType is the store-detected content type, when provided.
	MimeType string `json:"mime_type,omitempty"`

	// Root identifies the namespace the path is relative to.
	Root string `json:"root,omitempty"`

	// Contents holds the folder entries for listing responses.
	Contents []Metadata `json:"contents,omitempty"`
}

// -----------------------------------------------------------------------------
// RemoteStore interface
// -----------------------------------------------------------------------------

// RemoteStore abstracts the remote content store the handle drives.
//
// Implementations perform one authenticated request per call and return
// the response verbatim; they carry no buffering and no retry policy.
// Missing paths map to ErrNotFound.
type RemoteStore interface {
	// Stat returns metadata for the given path.
	Stat(ctx context.Context, path string) (*Metadata, error)

	// ReadRange returns up to length bytes starting at offset.
	// Fewer bytes than requested indicates end of stream; an offset at
	// or past the end returns an empty slice.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// AppendChunk appends chunk at offset to the upload session.
	// An empty sessionID allocates a new session; the (possibly new)
	// session identifier is returned.
	AppendChunk(ctx context.Context, sessionID string, offset int64, chunk []byte) (string, error)

	// CommitUpload finalizes the session into a file at path, where
	// length is the total number of bytes appended.
	CommitUpload(ctx context.Context, sessionID, path string, length int64) (*Metadata, error)

	// Upload writes data to path in a single request.
	Upload(ctx context.Context, path string, data []byte) (*Metadata, error)

	// List returns folder metadata with Contents populated.
	List(ctx context.Context, path string) (*Metadata, error)

	// Copy copies fromPath to toPath and returns the new entry.
	Copy(ctx context.Context, fromPath, toPath string) (*Metadata, error)

	// Move moves fromPath to toPath and returns the new entry.
	Move(ctx context.Context, fromPath, toPath string) (*Metadata, error)

	// Delete removes the path and returns the deleted entry.
	Delete(ctx context.Context, path string) (*Metadata, error)

	// CreateFolder creates a folder at path and returns its entry.
	CreateFolder(ctx context.Context, path string) (*Metadata, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a remote path that does not exist.
	ErrNotFound = errNotFound{}

	// ErrInvalidMode indicates an operation attempted in the wrong
	// handle mode, or before any open.
	ErrInvalidMode = errInvalidMode{}

	// ErrInvalidSeek indicates a seek to a negative offset, or a seek
	// relative to the end when the size is unknown.
	ErrInvalidSeek = errInvalidSeek{}

	// ErrInvalidChunkSize indicates a non-positive chunk size option.
	ErrInvalidChunkSize = errInvalidChunkSize{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errInvalidMode struct{}

func (errInvalidMode) Error() string { return "invalid handle mode" }

type errInvalidSeek struct{}

func (errInvalidSeek) Error() string { return "invalid seek" }

type errInvalidChunkSize struct{}

func (errInvalidChunkSize) Error() string { return "chunk size must be positive" }

// UploadError reports a failed chunk append or commit. The handle leaves
// its write buffer and session untouched, so the same flush can be
// reattempted without data loss.
type UploadError struct {
	// Op is the failing upload phase: "append" or "commit".
	Op string

	// Path is the target remote path.
	Path string

	// Offset is the upload offset the request carried.
	Offset int64

	// Err is the underlying store or transport error.
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("tether: upload %s %q at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a failed ranged fetch. The handle keeps its last
// good read window, so already-buffered bytes remain readable.
type DownloadError struct {
	// Path is the remote path being read.
	Path string

	// Offset and Length identify the requested byte range.
	Offset int64
	Length int64

	// Err is the underlying store or transport error.
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("tether: download %q range [%d,%d): %v", e.Path, e.Offset, e.Offset+e.Length, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
