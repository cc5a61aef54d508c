package tether

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// -----------------------------------------------------------------------------
// Read Engine
// -----------------------------------------------------------------------------

// Read fills p with bytes starting at the handle's position, advancing
// the position by the count returned. Bytes are served from the prefetch
// window; crossing the window boundary triggers one chunk-sized ranged
// fetch per window. Read returns fewer than len(p) bytes only at end of
// stream, and io.EOF once the position is at the end.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	if h.mode != ModeReading {
		return 0, fmt.Errorf("tether: read in mode %s: %w", h.mode, ErrInvalidMode)
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if err := h.ensureBuffered(ctx, h.position, 1); err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if h.position >= h.readEnd {
			break // end of stream
		}
		n := copy(p[total:], h.readBuf[h.position-h.readStart:])
		total += n
		h.position += int64(n)
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// ensureBuffered guarantees that either min bytes are available at pos in
// the window, or the window's fetch has hit end of stream. Positions
// inside the window cost nothing; anything else replaces the window with
// one chunk-sized ranged fetch starting at pos.
func (h *Handle) ensureBuffered(ctx context.Context, pos, min int64) error {
	if pos >= h.readStart && pos < h.readEnd {
		if h.readEnd-pos >= min || h.eofReached {
			return nil
		}
	}
	if pos == h.readEnd && h.eofReached {
		return nil
	}

	data, err := h.store.ReadRange(ctx, h.path, pos, h.chunkSize)
	if err != nil {
		return &DownloadError{Path: h.path, Offset: pos, Length: h.chunkSize, Err: err}
	}

	h.readBuf = data
	h.readStart = pos
	h.readEnd = pos + int64(len(data))
	h.eofReached = int64(len(data)) < h.chunkSize
	return nil
}

// ReadLine returns the next line including its terminator, advancing the
// position past it. When the terminator is not yet buffered the window is
// grown in place rather than replaced, so the partial line is never lost.
// At end of stream the final unterminated fragment is returned; a
// position already at the end returns io.EOF.
func (h *Handle) ReadLine(ctx context.Context) ([]byte, error) {
	if h.mode != ModeReading {
		return nil, fmt.Errorf("tether: readline in mode %s: %w", h.mode, ErrInvalidMode)
	}

	// A position outside the window invalidates it entirely.
	if h.position < h.readStart || h.position > h.readEnd {
		if err := h.ensureBuffered(ctx, h.position, 1); err != nil {
			return nil, err
		}
	}

	for {
		rel := int(h.position - h.readStart)
		if idx := bytes.IndexByte(h.readBuf[rel:], '\n'); idx >= 0 {
			line := make([]byte, idx+1)
			copy(line, h.readBuf[rel:rel+idx+1])
			h.position += int64(idx) + 1
			return line, nil
		}

		if h.eofReached {
			rest := h.readBuf[rel:]
			if len(rest) == 0 {
				return nil, io.EOF
			}
			line := make([]byte, len(rest))
			copy(line, rest)
			h.position = h.readEnd
			return line, nil
		}

		data, err := h.store.ReadRange(ctx, h.path, h.readEnd, h.chunkSize)
		if err != nil {
			return nil, &DownloadError{Path: h.path, Offset: h.readEnd, Length: h.chunkSize, Err: err}
		}
		h.readBuf = append(h.readBuf, data...)
		h.readEnd += int64(len(data))
		h.eofReached = int64(len(data)) < h.chunkSize
	}
}

// Getc reads a single byte. Worst case this costs one ranged fetch when
// the window is exhausted, but each fetch is a full chunk, so amortized
// cost is one request per chunk of sequential single-byte reads.
func (h *Handle) Getc(ctx context.Context) (byte, error) {
	var b [1]byte
	if _, err := h.Read(ctx, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadAll reads from the current position through end of stream.
func (h *Handle) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	buf := make([]byte, h.chunkSize)
	for {
		n, err := h.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

// Seek moves the read position. Whence is io.SeekStart, io.SeekCurrent,
// or io.SeekEnd; seeking from the end requires the size to be known from
// the cached metadata. Seek never touches the store: the next read lazily
// refetches if the new position left the window, and seeking backward
// within the window is free.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if h.mode != ModeReading {
		return 0, fmt.Errorf("tether: seek in mode %s: %w", h.mode, ErrInvalidMode)
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = h.position + offset
	case io.SeekEnd:
		if h.meta == nil {
			return 0, fmt.Errorf("tether: seek from end: size unknown: %w", ErrInvalidSeek)
		}
		abs = h.meta.Bytes + offset
	default:
		return 0, fmt.Errorf("tether: seek: invalid whence %d: %w", whence, ErrInvalidSeek)
	}

	if abs < 0 {
		return 0, fmt.Errorf("tether: seek to %d: %w", abs, ErrInvalidSeek)
	}

	h.position = abs
	return abs, nil
}

// EOF reports whether the position is at the end of the stream as
// established by the current window's fetch.
func (h *Handle) EOF() bool {
	return h.mode == ModeReading && h.eofReached && h.position >= h.readEnd
}
