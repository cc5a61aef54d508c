package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockS3Client is an in-memory test double for API, including multipart
// upload bookkeeping.
type MockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*mockUpload
	seq     int

	// Call counters.
	PutCalls        int
	GetCalls        int
	HeadCalls       int
	CopyCalls       int
	DeleteCalls     int
	ListCalls       int
	CreateMPUCalls  int
	UploadPartCalls int
	CompleteCalls   int
	AbortCalls      int

	// UploadPartFailOnCall makes the Nth UploadPart call fail (1-based).
	// Zero disables the fault.
	UploadPartFailOnCall int
}

type mockUpload struct {
	key   string
	parts map[int32][]byte
}

// NewMockS3Client creates a mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
		uploads: make(map[string]*mockUpload),
	}
}

// Seed stores an object directly, bypassing the API surface.
func (m *MockS3Client) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Object returns the stored bytes for a key.
func (m *MockS3Client) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// OpenUploads reports the number of multipart uploads not yet completed
// or aborted.
func (m *MockS3Client) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *MockS3Client) etag(data []byte) string {
	return fmt.Sprintf(`"etag-%d"`, len(data))
}

// PutObject implements API.PutObject.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(m.etag(data))}, nil
}

// GetObject implements API.GetObject, including Range handling.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++

	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		var start, end int64
		_, _ = fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end)
		if start >= int64(len(data)) {
			return nil, &mockAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// HeadObject implements API.HeadObject.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadCalls++

	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound"}
	}

	now := time.Unix(1300000000, 0)
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(m.etag(data)),
		LastModified:  &now,
		ContentType:   aws.String("application/octet-stream"),
	}, nil
}

// CopyObject implements API.CopyObject. CopySource is "bucket/key".
func (m *MockS3Client) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopyCalls++

	source := aws.ToString(params.CopySource)
	if i := strings.IndexByte(source, '/'); i >= 0 {
		source = source[i+1:]
	}
	data, ok := m.objects[source]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	m.objects[aws.ToString(params.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

// DeleteObject implements API.DeleteObject. Idempotent, like S3.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.ListObjectsV2, including Delimiter
// grouping into CommonPrefixes.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var contents []types.Object
	seen := make(map[string]bool)
	var commonPrefixes []types.CommonPrefix
	now := time.Unix(1300000000, 0)

	for _, key := range keys {
		rest := key[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		k := key
		data := m.objects[key]
		contents = append(contents, types.Object{
			Key:          &k,
			Size:         aws.Int64(int64(len(data))),
			ETag:         aws.String(m.etag(data)),
			LastModified: &now,
		})
		if params.MaxKeys != nil && int32(len(contents)) >= aws.ToInt32(params.MaxKeys) {
			break
		}
	}

	return &s3.ListObjectsV2Output{
		Contents:       contents,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    aws.Bool(false),
	}, nil
}

// CreateMultipartUpload implements API.CreateMultipartUpload.
func (m *MockS3Client) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateMPUCalls++
	m.seq++

	id := "mpu-" + strconv.Itoa(m.seq)
	m.uploads[id] = &mockUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

// UploadPart implements API.UploadPart.
func (m *MockS3Client) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadPartCalls++
	if m.UploadPartFailOnCall > 0 && m.UploadPartCalls == m.UploadPartFailOnCall {
		return nil, &mockAPIError{code: "InternalError", message: "injected upload part failure"}
	}

	up, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload"}
	}
	part := aws.ToInt32(params.PartNumber)
	up.parts[part] = data
	return &s3.UploadPartOutput{
		ETag: aws.String(fmt.Sprintf(`"part-%d"`, part)),
	}, nil
}

// CompleteMultipartUpload implements API.CompleteMultipartUpload,
// assembling parts in part-number order.
func (m *MockS3Client) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls++

	id := aws.ToString(params.UploadId)
	up, ok := m.uploads[id]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload"}
	}

	var nums []int
	for n := range up.parts {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)

	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(up.parts[int32(n)])
	}

	m.objects[up.key] = buf.Bytes()
	delete(m.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(up.key)}, nil
}

// AbortMultipartUpload implements API.AbortMultipartUpload.
func (m *MockS3Client) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortCalls++

	id := aws.ToString(params.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, &mockAPIError{code: "NoSuchUpload"}
	}
	delete(m.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

// mockAPIError implements smithy.APIError for testing.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string {
	if e.message == "" {
		return e.code
	}
	return e.message
}

func (e *mockAPIError) ErrorCode() string { return e.code }

func (e *mockAPIError) ErrorMessage() string { return e.message }

func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
