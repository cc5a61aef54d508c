package tether

import (
	"context"
	"fmt"
	"path"
	"sync"
)

// -----------------------------------------------------------------------------
// Mock Remote Store for Testing
// -----------------------------------------------------------------------------

const mockModified = "Mon, 02 Jan 2006 15:04:05 +0000"

// MockStore is a test double for RemoteStore backed by in-memory maps.
// It records request counts and shapes so tests can assert on the exact
// remote traffic the handle generates.
type MockStore struct {
	mu         sync.RWMutex
	objects    map[string][]byte
	folders    map[string]bool
	sessions   map[string][]byte
	sessionSeq int
	revSeq     int

	// Call counters for test assertions.
	StatCalls         int
	RangeCalls        int
	AppendCalls       int
	CommitCalls       int
	UploadCalls       int
	ListCalls         int
	CopyCalls         int
	MoveCalls         int
	DeleteCalls       int
	CreateFolderCalls int

	// Ranges records the [offset, length] of every ranged fetch.
	Ranges [][2]int64

	// AppendSizes records the byte count carried by every append.
	AppendSizes []int

	// AppendFailOnCall causes AppendChunk to fail on the Nth call.
	// Set to 0 to disable (default).
	AppendFailOnCall int

	// RangeFailOnCall causes ReadRange to fail on the Nth call.
	RangeFailOnCall int

	// CommitFailOnCall causes CommitUpload to fail on the Nth call.
	CommitFailOnCall int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		objects:  make(map[string][]byte),
		folders:  make(map[string]bool),
		sessions: make(map[string][]byte),
	}
}

// Seed places an object in the store without going through the upload
// protocol.
func (m *MockStore) Seed(p string, data []byte) {
	m.mu.Lock()
	m.objects[p] = data
	m.mu.Unlock()
}

// Object returns the stored bytes for p and whether it exists.
func (m *MockStore) Object(p string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[p]
	return data, ok
}

// OpenSessions returns the number of upload sessions not yet committed.
func (m *MockStore) OpenSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ResetCounts resets call counters and recorded traffic for test isolation.
func (m *MockStore) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatCalls = 0
	m.RangeCalls = 0
	m.AppendCalls = 0
	m.CommitCalls = 0
	m.UploadCalls = 0
	m.ListCalls = 0
	m.CopyCalls = 0
	m.MoveCalls = 0
	m.DeleteCalls = 0
	m.CreateFolderCalls = 0
	m.Ranges = nil
	m.AppendSizes = nil
}

func (m *MockStore) fileMeta(p string, size int64) *Metadata {
	m.revSeq++
	return &Metadata{
		Path:     p,
		Bytes:    size,
		Rev:      fmt.Sprintf("rev-%d", m.revSeq),
		Modified: mockModified,
		Root:     "mock",
	}
}

func (m *MockStore) folderMeta(p string) *Metadata {
	return &Metadata{
		Path:     p,
		IsDir:    true,
		Modified: mockModified,
		Root:     "mock",
	}
}

// Stat implements RemoteStore.Stat.
func (m *MockStore) Stat(_ context.Context, p string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatCalls++

	if data, ok := m.objects[p]; ok {
		return m.fileMeta(p, int64(len(data))), nil
	}
	if m.folders[p] || p == "/" || p == "" {
		return m.folderMeta(p), nil
	}
	return nil, ErrNotFound
}

// ReadRange implements RemoteStore.ReadRange.
func (m *MockStore) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RangeCalls++
	m.Ranges = append(m.Ranges, [2]int64{offset, length})

	if m.RangeFailOnCall > 0 && m.RangeCalls >= m.RangeFailOnCall {
		return nil, fmt.Errorf("mock: simulated range failure")
	}

	data, ok := m.objects[p]
	if !ok {
		return nil, ErrNotFound
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

// AppendChunk implements RemoteStore.AppendChunk.
func (m *MockStore) AppendChunk(_ context.Context, sessionID string, offset int64, chunk []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendCalls++
	m.AppendSizes = append(m.AppendSizes, len(chunk))

	if m.AppendFailOnCall > 0 && m.AppendCalls >= m.AppendFailOnCall {
		return "", fmt.Errorf("mock: simulated append failure")
	}

	if sessionID == "" {
		m.sessionSeq++
		sessionID = fmt.Sprintf("session-%d", m.sessionSeq)
		m.sessions[sessionID] = nil
	}

	buf, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("mock: unknown session %q", sessionID)
	}
	if offset != int64(len(buf)) {
		return "", fmt.Errorf("mock: append offset %d, session has %d bytes", offset, len(buf))
	}

	m.sessions[sessionID] = append(buf, chunk...)
	return sessionID, nil
}

// CommitUpload implements RemoteStore.CommitUpload.
func (m *MockStore) CommitUpload(_ context.Context, sessionID, p string, length int64) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CommitCalls++

	if m.CommitFailOnCall > 0 && m.CommitCalls >= m.CommitFailOnCall {
		return nil, fmt.Errorf("mock: simulated commit failure")
	}

	buf, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown session %q", sessionID)
	}
	if length != int64(len(buf)) {
		return nil, fmt.Errorf("mock: commit length %d, session has %d bytes", length, len(buf))
	}

	m.objects[p] = buf
	delete(m.sessions, sessionID)
	return m.fileMeta(p, int64(len(buf))), nil
}

// Upload implements RemoteStore.Upload.
func (m *MockStore) Upload(_ context.Context, p string, data []byte) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UploadCalls++
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[p] = stored
	return m.fileMeta(p, int64(len(stored))), nil
}

// List implements RemoteStore.List.
func (m *MockStore) List(_ context.Context, p string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListCalls++

	meta := m.folderMeta(p)
	for name, data := range m.objects {
		if path.Dir(name) == p {
			meta.Contents = append(meta.Contents, Metadata{
				Path:     name,
				Bytes:    int64(len(data)),
				Modified: mockModified,
				Root:     "mock",
			})
		}
	}
	for name := range m.folders {
		if path.Dir(name) == p {
			meta.Contents = append(meta.Contents, *m.folderMeta(name))
		}
	}

	if len(meta.Contents) == 0 && !m.folders[p] && p != "/" && p != "" {
		return nil, ErrNotFound
	}
	return meta, nil
}

// Copy implements RemoteStore.Copy.
func (m *MockStore) Copy(_ context.Context, fromPath, toPath string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CopyCalls++

	data, ok := m.objects[fromPath]
	if !ok {
		return nil, ErrNotFound
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	m.objects[toPath] = dup
	return m.fileMeta(toPath, int64(len(dup))), nil
}

// Move implements RemoteStore.Move.
func (m *MockStore) Move(_ context.Context, fromPath, toPath string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MoveCalls++

	data, ok := m.objects[fromPath]
	if !ok {
		return nil, ErrNotFound
	}
	m.objects[toPath] = data
	delete(m.objects, fromPath)
	return m.fileMeta(toPath, int64(len(data))), nil
}

// Delete implements RemoteStore.Delete.
func (m *MockStore) Delete(_ context.Context, p string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls++

	if data, ok := m.objects[p]; ok {
		delete(m.objects, p)
		return m.fileMeta(p, int64(len(data))), nil
	}
	if m.folders[p] {
		delete(m.folders, p)
		return m.folderMeta(p), nil
	}
	return nil, ErrNotFound
}

// CreateFolder implements RemoteStore.CreateFolder.
func (m *MockStore) CreateFolder(_ context.Context, p string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateFolderCalls++
	m.folders[p] = true
	return m.folderMeta(p), nil
}
