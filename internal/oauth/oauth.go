// Package oauth builds Authorization headers for the two schemes the
// remote API accepts: OAuth 1.0a request signing (HMAC-SHA1, RFC 5849)
// and OAuth 2 bearer tokens.
package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials holds the application and access credentials.
// AppKey/AppSecret and AccessSecret are only used by OAuth 1.0a.
type Credentials struct {
	AppKey       string
	AppSecret    string
	AccessToken  string
	AccessSecret string

	// OAuth2 selects bearer-token authorization instead of request
	// signing.
	OAuth2 bool
}

// Signer produces Authorization header values for signed requests.
type Signer struct {
	creds Credentials
	nonce func() string
	now   func() time.Time
}

// NewSigner creates a signer for the given credentials.
func NewSigner(creds Credentials) (*Signer, error) {
	if creds.AccessToken == "" {
		return nil, errors.New("oauth: access token is required")
	}
	if !creds.OAuth2 && (creds.AppKey == "" || creds.AppSecret == "") {
		return nil, errors.New("oauth: app key and secret are required for OAuth 1.0a")
	}
	return &Signer{
		creds: creds,
		nonce: randomNonce,
		now:   time.Now,
	}, nil
}

// Authorization returns the Authorization header value for one request.
// form holds body parameters for form-encoded requests and must be nil
// for requests with opaque bodies (RFC 5849 section 3.4.1.3).
func (s *Signer) Authorization(method string, reqURL *url.URL, form url.Values) (string, error) {
	if s.creds.OAuth2 {
		return "Bearer " + s.creds.AccessToken, nil
	}
	return s.signOAuth1(method, reqURL, form)
}

func (s *Signer) signOAuth1(method string, reqURL *url.URL, form url.Values) (string, error) {
	if reqURL == nil {
		return "", errors.New("oauth: request URL is required")
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.creds.AppKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.creds.AccessToken,
		"oauth_version":          "1.0",
	}

	base := signatureBase(method, reqURL, form, oauthParams)
	key := percentEncode(s.creds.AppSecret) + "&" + percentEncode(s.creds.AccessSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%q", k, percentEncode(oauthParams[k]))
	}
	return b.String(), nil
}

// signatureBase builds the RFC 5849 section 3.4.1 signature base string:
// the request method, the base URI, and the normalized union of query,
// form, and protocol parameters.
func signatureBase(method string, reqURL *url.URL, form url.Values, oauthParams map[string]string) string {
	type pair struct{ k, v string }
	var pairs []pair

	for k, vs := range reqURL.Query() {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, vs := range form {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, v := range oauthParams {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var params strings.Builder
	for i, p := range pairs {
		if i > 0 {
			params.WriteByte('&')
		}
		params.WriteString(p.k)
		params.WriteByte('=')
		params.WriteString(p.v)
	}

	return strings.ToUpper(method) + "&" +
		percentEncode(baseURI(reqURL)) + "&" +
		percentEncode(params.String())
}

// baseURI returns the request URL without query or fragment, with the
// scheme and host lowercased and default ports omitted.
func baseURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host + u.EscapedPath()
}

// percentEncode implements RFC 3986 section 2.1 encoding as required by
// RFC 5849: unreserved characters pass through, everything else becomes
// an uppercase %XX triplet. Notably stricter than url.QueryEscape, which
// leaves characters like '+' ambiguous.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '.' || c == '_' || c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
