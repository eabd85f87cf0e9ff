// Package companion implements the HTTP client contract for talking to a
// companion/proxy server that fetches remote-provider files (Dropbox,
// Instagram, ...) on the caller's behalf. It wraps net/http.Client with
// three guarantees the wire protocol requires: preflight memoization,
// header filtering against the server's declared allow-list, and sticky
// host pinning across a pool of companion instances.
//
// Grounded on the layered options/header extraction idiom
// (uploaders.ExtractDictionary, uploaders/common.go) generalized into a
// standing client, and on the credential-handling shape of
// client/edge.go's BrokerConfig for the pluggable TokenStore.
package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// VersionHeader is sent on every request, analogous to the
// provider-identifying headers a companion protocol client sends;
// renamed from the product-specific header name used by the system this
// client's wire protocol was modeled on.
const VersionHeader = "Upload-Engine-Versions"

// AuthTokenHeader carries the bearer token issued by the companion for an
// authenticated provider.
const AuthTokenHeader = "upload-auth-token"

// ClientVersion is sent as the value of VersionHeader.
var ClientVersion = "uploadkit-companion-client/1"

var defaultAllowedHeaders = map[string]bool{
	"accept":        true,
	"content-type":  true,
	AuthTokenHeader: true,
}

// Client is a companion HTTP client scoped to one plugin (one remote
// provider) and one configured companion URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pluginID   string
	tokens     TokenStore

	mu             sync.Mutex
	preflightCache map[string]map[string]bool
	pinnedHost     string
}

// NewClient constructs a Client. httpClient defaults to http.DefaultClient
// when nil.
func NewClient(baseURL, pluginID string, tokens TokenStore, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		pluginID:       pluginID,
		tokens:         tokens,
		preflightCache: map[string]map[string]bool{},
	}
}

func (c *Client) effectiveBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinnedHost != "" {
		return c.pinnedHost
	}
	return c.baseURL
}

// preflight issues (and memoizes) an OPTIONS request for path, returning the
// lower-cased set of header names the companion declares acceptable. On any
// preflight failure it falls back to defaultAllowedHeaders, per the documented
// "assume the default set and proceed" behavior.
func (c *Client) preflight(ctx context.Context, path string) map[string]bool {
	c.mu.Lock()
	if cached, ok := c.preflightCache[path]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	allowed := c.runPreflight(ctx, path)

	c.mu.Lock()
	c.preflightCache[path] = allowed
	c.mu.Unlock()
	return allowed
}

func (c *Client) runPreflight(ctx context.Context, path string) map[string]bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.effectiveBase()+path, nil)
	if err != nil {
		return defaultAllowedHeaders
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return defaultAllowedHeaders
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	raw := resp.Header.Get("Access-Control-Allow-Headers")
	if raw == "" {
		return defaultAllowedHeaders
	}
	allowed := map[string]bool{}
	for _, h := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(h))
		if name != "" {
			allowed[name] = true
		}
	}
	return allowed
}

func filterHeaders(allowed map[string]bool, headers map[string]string) map[string]string {
	out := map[string]string{}
	for name, value := range headers {
		if allowed[strings.ToLower(name)] {
			out[name] = value
		}
	}
	return out
}

// Get issues a GET request. headers is filtered against the path's preflight
// allow-list before being sent.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) ([]byte, error) {
	resp, body, err := c.do(ctx, http.MethodGet, path, headers, nil)
	if err != nil {
		return nil, err
	}
	_ = resp
	return body, nil
}

// Post issues a POST request with a JSON-encoded payload.
func (c *Client) Post(ctx context.Context, path string, headers map[string]string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"

	_, respBody, err := c.do(ctx, http.MethodPost, path, headers, body)
	return respBody, err
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, headers map[string]string) ([]byte, error) {
	_, respBody, err := c.do(ctx, http.MethodDelete, path, headers, nil)
	return respBody, err
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*http.Response, []byte, error) {
	allowed := c.preflight(ctx, path)
	filtered := filterHeaders(allowed, headers)

	if token, ok, err := c.authToken(ctx); err == nil && ok {
		if allowed[strings.ToLower(AuthTokenHeader)] {
			filtered[AuthTokenHeader] = token
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.effectiveBase()+path, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set(VersionHeader, ClientVersion)
	for name, value := range filtered {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if iAm := resp.Header.Get("i-am"); iAm != "" {
		c.mu.Lock()
		c.pinnedHost = iAm
		c.mu.Unlock()
	}

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		msg, reqID := parseErrorBody(respBody)
		if msg == "" {
			msg = "unauthorized"
		}
		return resp, respBody, &AuthError{Status: resp.StatusCode, Message: msg, RequestID: reqID}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, reqID := parseErrorBody(respBody)
		if msg == "" {
			msg = resp.Status
		}
		return resp, respBody, &ResponseError{Status: resp.StatusCode, Message: msg, RequestID: reqID}
	}

	return resp, respBody, nil
}

func parseErrorBody(body []byte) (message, requestID string) {
	var parsed struct {
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	return parsed.Message, parsed.RequestID
}

func (c *Client) authToken(ctx context.Context) (string, bool, error) {
	if c.tokens == nil {
		return "", false, nil
	}
	return c.tokens.GetItem(ctx, TokenKey(c.pluginID))
}

// Logout calls the companion's logout endpoint, then clears the stored
// token regardless of whether the HTTP call succeeded.
func (c *Client) Logout(ctx context.Context, redirect string) error {
	path := fmt.Sprintf("/%s/logout", c.pluginID)
	if redirect != "" {
		path += "?redirect=" + redirect
	}
	_, err := c.Get(ctx, path, nil)
	if c.tokens != nil {
		_ = c.tokens.RemoveItem(ctx, TokenKey(c.pluginID))
	}
	return err
}
