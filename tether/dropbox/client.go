// Package dropbox implements tether.RemoteStore against a Dropbox-v1
// style REST API: chunked uploads, ranged file downloads, metadata, and
// fileops endpoints.
//
// The client performs one signed request per call and carries no retry
// policy; the injected HTTP client's timeout is the only timeout in the
// system. Requests are signed with OAuth 1.0a or an OAuth 2 bearer token
// depending on configuration.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzhttp"

	"github.com/justapithecus/tether/internal/oauth"
	"github.com/justapithecus/tether/tether"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultAPIBase     = "https://api.dropbox.com/1"
	defaultContentBase = "https://api-content.dropbox.com/1"
)

// Root namespaces for API paths.
const (
	// RootDropbox covers the full account namespace.
	RootDropbox = "dropbox"

	// RootSandbox restricts paths to the app's folder.
	RootSandbox = "sandbox"
)

// Config holds client configuration.
type Config struct {
	// AccessToken authenticates requests. Required.
	AccessToken string

	// AccessSecret is the OAuth 1.0a token secret. Ignored with OAuth2.
	AccessSecret string

	// AppKey and AppSecret identify the application (OAuth 1.0a only).
	AppKey    string
	AppSecret string

	// OAuth2 selects bearer-token authorization instead of request
	// signing.
	OAuth2 bool

	// Root is the path namespace: RootDropbox (default) or RootSandbox.
	Root string

	// APIBase and ContentBase override the endpoint hosts, primarily
	// for tests against local servers.
	APIBase     string
	ContentBase string

	// HTTPClient is an optional transport pass-through. When nil a
	// client with transparent response decompression is used.
	HTTPClient *http.Client
}

// Client implements tether.RemoteStore over the REST API.
type Client struct {
	signer      *oauth.Signer
	root        string
	apiBase     string
	contentBase string
	httpClient  *http.Client
}

var _ tether.RemoteStore = (*Client)(nil)

// New creates a client with the given configuration.
func New(cfg Config) (*Client, error) {
	signer, err := oauth.NewSigner(oauth.Credentials{
		AppKey:       cfg.AppKey,
		AppSecret:    cfg.AppSecret,
		AccessToken:  cfg.AccessToken,
		AccessSecret: cfg.AccessSecret,
		OAuth2:       cfg.OAuth2,
	})
	if err != nil {
		return nil, fmt.Errorf("dropbox: %w", err)
	}

	root := cfg.Root
	if root == "" {
		root = RootDropbox
	}
	if root != RootDropbox && root != RootSandbox {
		return nil, fmt.Errorf("dropbox: invalid root %q", cfg.Root)
	}

	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	contentBase := cfg.ContentBase
	if contentBase == "" {
		contentBase = defaultContentBase
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)}
	}

	return &Client{
		signer:      signer,
		root:        root,
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		contentBase: strings.TrimSuffix(contentBase, "/"),
		httpClient:  httpClient,
	}, nil
}

// RemoteError reports a non-success API response.
type RemoteError struct {
	// Status is the HTTP status code.
	Status int

	// Op and Path identify the failing call.
	Op   string
	Path string

	// Message is the API's error field, when present.
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dropbox: %s %q: status %d: %s", e.Op, e.Path, e.Status, e.Message)
}

// -----------------------------------------------------------------------------
// RemoteStore implementation
// -----------------------------------------------------------------------------

// Stat implements tether.RemoteStore.Stat via the metadata endpoint.
func (c *Client) Stat(ctx context.Context, path string) (*tether.Metadata, error) {
	u := c.apiBase + "/metadata/" + c.root + escapePath(path) + "?list=false"
	resp, err := c.send(ctx, http.MethodGet, u, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dropbox: stat %q: %w", path, err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, "stat", path); err != nil {
		return nil, err
	}
	return decodeMetadata(resp.Body)
}

// ReadRange implements tether.RemoteStore.ReadRange via the files
// endpoint with a Range header. A range past the end of the file (416)
// returns an empty slice.
func (c *Client) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	u := c.contentBase + "/files/" + c.root + escapePath(path)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dropbox: read %q: %w", path, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dropbox: read %q: %w", path, err)
	}
	defer discard(resp)

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return []byte{}, nil
	}
	if err := c.checkStatus(resp, "read", path); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dropbox: read %q body: %w", path, err)
	}

	// A server that ignores the Range header answers 200 with the whole
	// file; slice out the requested window.
	if resp.StatusCode == http.StatusOK && int64(len(data)) > length {
		if offset >= int64(len(data)) {
			return []byte{}, nil
		}
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		data = data[offset:end]
	}
	return data, nil
}

// sessionResponse is the chunked_upload response body.
type sessionResponse struct {
	UploadID string `json:"upload_id"`
	Offset   int64  `json:"offset"`
	Expires  string `json:"expires"`
}

// AppendChunk implements tether.RemoteStore.AppendChunk via the
// chunked_upload endpoint. The server allocates the session when no
// upload_id is supplied.
func (c *Client) AppendChunk(ctx context.Context, sessionID string, offset int64, chunk []byte) (string, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	if sessionID != "" {
		params.Set("upload_id", sessionID)
	}
	u := c.contentBase + "/chunked_upload?" + params.Encode()

	resp, err := c.send(ctx, http.MethodPut, u, nil, bytes.NewReader(chunk), "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("dropbox: append: %w", err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, "append", ""); err != nil {
		return "", err
	}

	var session sessionResponse
	if err := jsonCodec.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("dropbox: append: decoding response: %w", err)
	}
	if session.UploadID == "" {
		return "", errors.New("dropbox: append: response carried no upload_id")
	}
	return session.UploadID, nil
}

// CommitUpload implements tether.RemoteStore.CommitUpload via the
// commit_chunked_upload endpoint.
func (c *Client) CommitUpload(ctx context.Context, sessionID, path string, _ int64) (*tether.Metadata, error) {
	form := url.Values{}
	form.Set("upload_id", sessionID)
	form.Set("overwrite", "true")
	u := c.contentBase + "/commit_chunked_upload/" + c.root + escapePath(path)

	resp, err := c.send(ctx, http.MethodPost, u, form, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dropbox: commit %q: %w", path, err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, "commit", path); err != nil {
		return nil, err
	}
	return decodeMetadata(resp.Body)
}

// Upload implements tether.RemoteStore.Upload via the files_put
// endpoint, bypassing the chunked session protocol.
func (c *Client) Upload(ctx context.Context, path string, data []byte) (*tether.Metadata, error) {
	u := c.contentBase + "/files_put/" + c.root + escapePath(path) + "?overwrite=true"
	resp, err := c.send(ctx, http.MethodPut, u, nil, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("dropbox: put %q: %w", path, err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, "put", path); err != nil {
		return nil, err
	}
	return decodeMetadata(resp.Body)
}

// List implements tether.RemoteStore.List: folder metadata with entries.
func (c *Client) List(ctx context.Context, path string) (*tether.Metadata, error) {
	u := c.apiBase + "/metadata/" + c.root + escapePath(path) + "?list=true"
	resp, err := c.send(ctx, http.MethodGet, u, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dropbox: list %q: %w", path, err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, "list", path); err != nil {
		return nil, err
	}
	return decodeMetadata(resp.Body)
}

// Copy implements tether.RemoteStore.Copy.
func (c *Client) Copy(ctx context.Context, fromPath, toPath string) (*tether.Metadata, error) {
	return c.fileop(ctx, "copy", url.Values{
		"root":      {c.root},
		"from_path": {fromPath},
		"to_path":   {toPath},
	}, fromPath)
}

// Move implements tether.RemoteStore.Move.
func (c *Client) Move(ctx context.Context, fromPath, toPath string) (*tether.Metadata, error) {
	return c.fileop(ctx, "move", url.Values{
		"root":      {c.root},
		"from_path": {fromPath},
		"to_path":   {toPath},
	}, fromPath)
}

// Delete implements tether.RemoteStore.Delete.
func (c *Client) Delete(ctx context.Context, path string) (*tether.Metadata, error) {
	return c.fileop(ctx, "delete", url.Values{
		"root": {c.root},
		"path": {path},
	}, path)
}

// CreateFolder implements tether.RemoteStore.CreateFolder.
func (c *Client) CreateFolder(ctx context.Context, path string) (*tether.Metadata, error) {
	return c.fileop(ctx, "create_folder", url.Values{
		"root": {c.root},
		"path": {path},
	}, path)
}

// fileop issues one form-encoded fileops request and decodes the
// resulting metadata.
func (c *Client) fileop(ctx context.Context, op string, form url.Values, path string) (*tether.Metadata, error) {
	u := c.apiBase + "/fileops/" + op
	resp, err := c.send(ctx, http.MethodPost, u, form, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dropbox: %s %q: %w", op, path, err)
	}
	defer discard(resp)

	if err := c.checkStatus(resp, op, path); err != nil {
		return nil, err
	}
	return decodeMetadata(resp.Body)
}

// -----------------------------------------------------------------------------
// Request plumbing
// -----------------------------------------------------------------------------

// newRequest builds a signed request. Form parameters are both signed and
// sent as the body; opaque bodies are signed without parameters per the
// OAuth 1.0a rules for non-form payloads.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, form url.Values, body io.Reader, contentType string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	auth, err := c.signer.Authorization(method, u, form)
	if err != nil {
		return nil, err
	}

	if form != nil {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, method, rawURL string, form url.Values, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, rawURL, form, body, contentType)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// checkStatus maps non-success responses to errors: 404 becomes
// tether.ErrNotFound, everything else a RemoteError carrying the API's
// error message.
func (c *Client) checkStatus(resp *http.Response, op, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("dropbox: %s %q: %w", op, path, tether.ErrNotFound)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = jsonCodec.NewDecoder(resp.Body).Decode(&apiErr)
	return &RemoteError{
		Status:  resp.StatusCode,
		Op:      op,
		Path:    path,
		Message: apiErr.Error,
	}
}

func decodeMetadata(r io.Reader) (*tether.Metadata, error) {
	var meta tether.Metadata
	if err := jsonCodec.NewDecoder(r).Decode(&meta); err != nil {
		return nil, fmt.Errorf("dropbox: decoding metadata: %w", err)
	}
	return &meta, nil
}

// discard drains and closes the response body so the transport can reuse
// the connection.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// escapePath escapes each path segment while preserving separators. The
// leading separator is added when missing so paths join cleanly onto the
// root namespace.
func escapePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
