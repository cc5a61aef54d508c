// Package s3 provides an S3-compatible RemoteStore for tether.
//
// It supports AWS S3, MinIO, LocalStack, and other S3-compatible object
// stores. Chunked upload sessions map onto S3 multipart uploads against a
// staging key: the final path is only known at commit time, so the parts
// are assembled under the staging key and copied into place.
//
// Note: real S3 rejects multipart parts under 5 MiB except the last one,
// so handles backed by this store should use a chunk size of at least
// MinChunkSize. The default handle chunk size of 4 MiB is too small.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/tether/tether"
)

// MinChunkSize is the smallest chunk size real S3 accepts for a
// non-final multipart part.
const MinChunkSize = 5 << 20

// maxReadRangeLength caps ReadRange lengths to prevent overflow when
// converting int64 to int on 32-bit platforms.
const maxReadRangeLength = int64(math.MaxInt)

// stagingPrefix is where in-flight upload sessions live inside the
// bucket, relative to the store prefix.
const stagingPrefix = ".tether/uploads/"

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing
	// slash added if missing).
	Prefix string
}

// Store implements tether.RemoteStore using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string

	mu       sync.Mutex
	sessions map[string]*uploadSession
	seq      int64
}

var _ tether.RemoteStore = (*Store)(nil)

// uploadSession tracks one in-flight multipart upload.
type uploadSession struct {
	uploadID   string
	stagingKey string
	parts      []types.CompletedPart
	size       int64
	nextPart   int32
}

// New creates an S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and
// endpoint. Use NewClient or github.com/aws/aws-sdk-go-v2/config.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		sessions: make(map[string]*uploadSession),
	}, nil
}

// Stat describes the object or folder at the given path.
// Folders are detected by a directory marker or by any key nested
// beneath the path. Returns tether.ErrNotFound for missing paths.
func (s *Store) Stat(ctx context.Context, p string) (*tether.Metadata, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return s.metaFromHead(key, head), nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("s3: head object: %w", err)
	}

	// Not an object; probe for keys nested under the path.
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: list objects: %w", err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, tether.ErrNotFound
	}

	return &tether.Metadata{Path: s.metaPath(key), IsDir: true, Root: s.bucket}, nil
}

// ReadRange reads a byte range from the object at the given path.
// An offset at or past the end returns an empty slice; a range that
// extends past the end returns the available bytes.
func (s *Store) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || length > maxReadRangeLength {
		return nil, fmt.Errorf("s3: invalid range %d+%d", offset, length)
	}
	if length == 0 {
		return []byte{}, nil
	}

	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	// S3 Range header is inclusive: "bytes=start-end".
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, tether.ErrNotFound
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading range body: %w", err)
	}
	return data, nil
}

// AppendChunk appends one chunk to an upload session, allocating the
// session on the first call (empty sessionID). The session ID is the
// S3 multipart upload ID; parts accumulate under a staging key until
// CommitUpload.
func (s *Store) AppendChunk(ctx context.Context, sessionID string, offset int64, chunk []byte) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if sessionID == "" {
		created, err := s.createSession(ctx)
		if err != nil {
			return "", err
		}
		sessionID, sess = created.uploadID, created
	} else if !ok {
		return "", fmt.Errorf("s3: unknown upload session %q", sessionID)
	}

	if offset != sess.size {
		return "", fmt.Errorf("s3: session %q offset mismatch: have %d, got %d", sessionID, sess.size, offset)
	}

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(sess.stagingKey),
		UploadId:   aws.String(sess.uploadID),
		PartNumber: aws.Int32(sess.nextPart),
		Body:       bytes.NewReader(chunk),
	})
	if err != nil {
		return "", fmt.Errorf("s3: upload part %d: %w", sess.nextPart, err)
	}

	s.mu.Lock()
	sess.parts = append(sess.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(sess.nextPart),
	})
	sess.nextPart++
	sess.size += int64(len(chunk))
	s.mu.Unlock()

	return sessionID, nil
}

// CommitUpload completes the multipart upload under the staging key,
// copies the assembled object to its final path, and removes the
// staging object.
func (s *Store) CommitUpload(ctx context.Context, sessionID, p string, length int64) (*tether.Metadata, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("s3: unknown upload session %q", sessionID)
	}
	if length != sess.size {
		return nil, fmt.Errorf("s3: session %q holds %d bytes, commit declared %d", sessionID, sess.size, length)
	}

	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(sess.stagingKey),
		UploadId:        aws.String(sess.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: sess.parts},
	})
	if err != nil {
		return nil, fmt.Errorf("s3: complete multipart upload: %w", err)
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		CopySource: aws.String(s.bucket + "/" + sess.stagingKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: copy staged upload: %w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sess.stagingKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: delete staged upload: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	return s.Stat(ctx, p)
}

// Upload writes the whole object in one request, overwriting any
// existing object at the path.
func (s *Store) Upload(ctx context.Context, p string, data []byte) (*tether.Metadata, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: put object: %w", err)
	}

	return &tether.Metadata{
		Path:  s.metaPath(key),
		Bytes: int64(len(data)),
		Rev:   strings.Trim(aws.ToString(out.ETag), `"`),
		Root:  s.bucket,
	}, nil
}

// List describes the folder at the given path, with one metadata entry
// per immediate child. Nested keys appear as folder entries via the
// delimiter. Returns tether.ErrNotFound if nothing lives under the path.
func (s *Store) List(ctx context.Context, p string) (*tether.Metadata, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	prefix := key + "/"
	if p == "/" {
		prefix = s.prefix
	}

	meta := &tether.Metadata{Path: s.metaPath(key), IsDir: true, Root: s.bucket}

	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}

		for _, obj := range out.Contents {
			name := aws.ToString(obj.Key)
			if name == prefix {
				continue // the folder's own directory marker
			}
			meta.Contents = append(meta.Contents, tether.Metadata{
				Path:     s.metaPath(name),
				Bytes:    aws.ToInt64(obj.Size),
				Rev:      strings.Trim(aws.ToString(obj.ETag), `"`),
				Modified: formatModified(obj.LastModified),
				Root:     s.bucket,
			})
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			meta.Contents = append(meta.Contents, tether.Metadata{
				Path:  s.metaPath(name),
				IsDir: true,
				Root:  s.bucket,
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	if len(meta.Contents) == 0 && p != "/" {
		// Distinguish an empty marked folder from a missing one.
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(prefix),
		}); err != nil {
			if isNotFound(err) {
				return nil, tether.ErrNotFound
			}
			return nil, fmt.Errorf("s3: head folder marker: %w", err)
		}
	}

	return meta, nil
}

// Copy duplicates the object at from to to.
func (s *Store) Copy(ctx context.Context, from, to string) (*tether.Metadata, error) {
	fromKey, err := s.key(from)
	if err != nil {
		return nil, err
	}
	toKey, err := s.key(to)
	if err != nil {
		return nil, err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(s.bucket + "/" + fromKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, tether.ErrNotFound
		}
		return nil, fmt.Errorf("s3: copy object: %w", err)
	}

	return s.Stat(ctx, to)
}

// Move copies the object to its new path and deletes the original.
func (s *Store) Move(ctx context.Context, from, to string) (*tether.Metadata, error) {
	meta, err := s.Copy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if _, err := s.Delete(ctx, from); err != nil {
		return nil, err
	}
	return meta, nil
}

// Delete removes the object at the given path.
// Returns tether.ErrNotFound if nothing exists there; S3's DeleteObject
// alone would succeed silently.
func (s *Store) Delete(ctx context.Context, p string) (*tether.Metadata, error) {
	meta, err := s.Stat(ctx, p)
	if err != nil {
		return nil, err
	}

	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	if meta.IsDir {
		key += "/"
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: delete object: %w", err)
	}
	return meta, nil
}

// CreateFolder writes a zero-byte directory marker at the given path.
func (s *Store) CreateFolder(ctx context.Context, p string) (*tether.Metadata, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + "/"),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create folder marker: %w", err)
	}

	return &tether.Metadata{Path: s.metaPath(key), IsDir: true, Root: s.bucket}, nil
}

// Abort discards an in-flight upload session and its staged parts.
// Sessions the handle never commits (a crashed process, for example)
// can also be reaped with a bucket lifecycle rule on stagingPrefix.
func (s *Store) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("s3: unknown upload session %q", sessionID)
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(sess.stagingKey),
		UploadId: aws.String(sess.uploadID),
	})
	if err != nil {
		return fmt.Errorf("s3: abort multipart upload: %w", err)
	}
	return nil
}

func (s *Store) createSession(ctx context.Context) (*uploadSession, error) {
	s.mu.Lock()
	s.seq++
	stagingKey := fmt.Sprintf("%s%supload-%d-%d", s.prefix, stagingPrefix, time.Now().UnixNano(), s.seq)
	s.mu.Unlock()

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagingKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create multipart upload: %w", err)
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return nil, errors.New("s3: create multipart upload returned no upload id")
	}

	sess := &uploadSession{
		uploadID:   uploadID,
		stagingKey: stagingKey,
		nextPart:   1,
	}
	s.mu.Lock()
	s.sessions[uploadID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Store) metaFromHead(key string, head *s3.HeadObjectOutput) *tether.Metadata {
	return &tether.Metadata{
		Path:     s.metaPath(key),
		Bytes:    aws.ToInt64(head.ContentLength),
		Rev:      strings.Trim(aws.ToString(head.ETag), `"`),
		Modified: formatModified(head.LastModified),
		MimeType: aws.ToString(head.ContentType),
		Root:     s.bucket,
	}
}

// key validates a store path and returns the full bucket key.
func (s *Store) key(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("s3: empty path")
	}

	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("s3: path escapes root: %q", p)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return s.prefix, nil
	}
	return s.prefix + cleaned, nil
}

// metaPath converts a bucket key back to the store's path form.
func (s *Store) metaPath(key string) string {
	return "/" + strings.TrimPrefix(key, s.prefix)
}

func formatModified(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC1123Z)
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
