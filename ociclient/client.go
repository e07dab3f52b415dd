// Package ociclient issues authenticated GET requests against an OCI
// distribution v2 registry, transparently performing the bearer-token
// challenge/response dance the way the teacher's app/image.go
// (pullImage, requestAuthenticationToken) does at toy scale.
package ociclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/oriser/regroup"

	"github.com/labtable/oci-unpack-go/digestverify"
	"github.com/labtable/oci-unpack-go/reference"
)

const userAgent = "oci-unpack-go/1"

// EventSink receives best-effort notifications about outgoing requests.
// All methods are optional; embed NoopEventSink to satisfy the interface
// with no-ops.
type EventSink interface {
	RegistryRequest(url string)
	RegistryAuth(url string)
}

// NoopEventSink implements EventSink with no-op methods.
type NoopEventSink struct{}

func (NoopEventSink) RegistryRequest(string) {}
func (NoopEventSink) RegistryAuth(string)    {}

// Client is a read-mostly HTTP client for one registry+repository pair.
// It is safe for concurrent use: everything is immutable after
// construction except the cached bearer token, which is guarded by a
// sync.RWMutex.
type Client struct {
	httpClient *http.Client
	events     EventSink
	host       string // "<scheme>://<registry>/v2/<repository>"

	tokenMu sync.RWMutex
	token   string // "" if no token cached yet
}

// New builds a Client for reference's registry+repository.
func New(ref reference.Reference, events EventSink, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if events == nil {
		events = NoopEventSink{}
	}

	host := fmt.Sprintf("%s%s/v2/%s", guessScheme(ref.Registry), ref.Registry, ref.Repository)

	return &Client{
		httpClient: httpClient,
		events:     events,
		host:       host,
	}
}

// guessScheme picks http:// for loopback addresses or an explicit :80
// port, https:// otherwise.
func guessScheme(registry string) string {
	const httpScheme = "http://"
	const httpsScheme = "https://"

	if strings.HasSuffix(registry, ":80") {
		return httpScheme
	}

	host := registry
	if h, _, err := net.SplitHostPort(registry); err == nil {
		host = h
	}

	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return httpScheme
	}

	return httpsScheme
}

// Get sends an authenticated GET to path (relative to /v2/<repository>/),
// setting the Accept header if accept is non-empty.
func (c *Client) Get(path string, accept string) (*http.Response, error) {
	reqURL := fmt.Sprintf("%s/%s", c.host, path)

	build := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		req.Header.Set("User-Agent", userAgent)
		return req, nil
	}

	return c.send(build)
}

// DownloadBlob issues a GET for the blob identified by digest and wraps
// the response body in a digestverify.Reader.
func (c *Client) DownloadBlob(digest digestverify.Digest) (io.ReadCloser, error) {
	resp, err := c.Get("blobs/"+digest.Source(), "")
	if err != nil {
		return nil, err
	}

	return verifiedBody{
		Reader: digestverify.WrapReader(digest, resp.Body),
		closer: resp.Body,
	}, nil
}

type verifiedBody struct {
	*digestverify.Reader
	closer io.Closer
}

func (v verifiedBody) Close() error { return v.closer.Close() }

// send performs the request, transparently retrying once after a 401
// bearer-token challenge.
func (c *Client) send(build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}

	c.events.RegistryRequest(req.URL.String())

	c.tokenMu.RLock()
	token := c.token
	c.tokenMu.RUnlock()

	if token != "" {
		req.Header.Set("Authorization", token)
		return c.do(req)
	}

	// No token cached yet: try once unauthenticated.
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	defer resp.Body.Close()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Another goroutine may have raced us to populate the token; check
	// again under the write lock before challenging again.
	if c.token != "" {
		req2, err := build()
		if err != nil {
			return nil, err
		}
		req2.Header.Set("Authorization", c.token)
		return c.do(req2)
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if challenge == "" {
		return nil, &ErrAuth{Reason: "missing WWW-Authenticate header"}
	}

	authReqURL, err := buildAuthRequestURL(challenge)
	if err != nil {
		return nil, &ErrAuth{Reason: err.Error()}
	}

	c.events.RegistryAuth(authReqURL)

	token, err = c.fetchToken(authReqURL)
	if err != nil {
		return nil, err
	}

	c.token = "Bearer " + token

	req2, err := build()
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", c.token)
	return c.do(req2)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ociclient: %s: %w", req.URL, err)
	}
	return resp, nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (c *Client) fetchToken(authURL string) (string, error) {
	resp, err := c.httpClient.Get(authURL)
	if err != nil {
		return "", fmt.Errorf("ociclient: token request: %w", err)
	}
	defer resp.Body.Close()

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return "", fmt.Errorf("ociclient: token response: %w", err)
	}

	switch {
	case tokens.Token != "":
		return tokens.Token, nil
	case tokens.AccessToken != "":
		return tokens.AccessToken, nil
	default:
		return "", ErrMissingToken
	}
}

// ErrMissingToken is returned when the token endpoint's JSON body has
// neither "token" nor "access_token" set.
var ErrMissingToken = &ErrAuth{Reason: "token endpoint response has neither token nor access_token"}

// ErrAuth is a fatal authentication error: a 401 whose challenge is
// missing or malformed, or a token endpoint that returns no usable
// credential.
type ErrAuth struct {
	Reason string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("ociclient: authentication failed: %s", e.Reason)
}

// bearerChallenge captures the realm parameter of a
// `WWW-Authenticate: Bearer realm="...",service="...",scope="..."` header;
// the other parameters are read by splitParams/parseParam. The realm is
// parsed with a named-group regular expression, the same technique
// the teacher's app/image.go uses for its own bearerRegex, built on the
// same github.com/oriser/regroup package.
type bearerChallenge struct {
	Realm string `regroup:"realm"`
}

var bearerRealmRegexp = regroup.MustCompile(`realm="(?P<realm>[^"]*)"`)

// buildAuthRequestURL parses the WWW-Authenticate header per
// https://distribution.github.io/distribution/spec/auth/token/ and
// builds the realm URL with every other parameter attached as a query
// parameter, in header order.
func buildAuthRequestURL(header string) (string, error) {
	tail, ok := cutPrefixTrim(header, "Bearer")
	if !ok {
		return "", fmt.Errorf("WWW-Authenticate scheme is not Bearer")
	}

	var challenge bearerChallenge
	if err := bearerRealmRegexp.MatchToTarget(header, &challenge); err != nil || challenge.Realm == "" {
		return "", fmt.Errorf("missing realm parameter")
	}

	parsed, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid realm URL: %w", err)
	}

	// Appended in header-encounter order, not url.Values.Encode's
	// alphabetical order: some token servers are sensitive to
	// service/scope ordering, matching build_auth_request in
	// original_source/src/http/mod.rs's sequential .query(k, v) calls.
	var query strings.Builder
	query.WriteString(parsed.RawQuery)

	for _, param := range splitParams(tail) {
		key, value, ok := parseParam(param)
		if !ok || key == "realm" {
			continue
		}
		if query.Len() > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(key))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(value))
	}

	parsed.RawQuery = query.String()
	return parsed.String(), nil
}

func cutPrefixTrim(s, prefix string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// splitParams splits "key=\"value\", key2=\"value2\"" into its
// comma-separated parameter tokens, tolerating commas embedded in quoted
// values.
func splitParams(s string) []string {
	var params []string
	var cur strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			params = append(params, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		params = append(params, cur.String())
	}
	return params
}

func parseParam(param string) (key, value string, ok bool) {
	k, v, found := strings.Cut(strings.TrimSpace(param), "=")
	if !found {
		return "", "", false
	}
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, `"`)
	v = strings.TrimSuffix(v, `"`)
	return strings.TrimSpace(k), v, true
}
