// Package remote implements the companion-delegated uploader: instead of
// the browser holding file bytes, a remote-provider file descriptor is
// handed to a companion proxy which fetches the resource and streams
// progress/completion back over a WebSocket.
//
// Grounded on AutoUploadable.messageHandler's envelope dispatch
// (client/uploadable.go): there, Ditto protocol.Envelope messages are
// JSON-decoded and switched on an operation name; here, companion WebSocket
// frames are JSON-decoded and switched on an "action" field. Both are "thin
// envelope, payload type keyed by a discriminator string" designs.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanto-io/uploadkit/companion"
	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/progress"
	"github.com/kanto-io/uploadkit/store"
)

// TokenStores resolves the companion.TokenStore to use for a given remote
// provider name (e.g. "dropbox"). A nil return means use an unauthenticated
// plain client.
type TokenStores func(provider string) companion.TokenStore

// Options configures an Uploader.
type Options struct {
	FieldName       string // multipart field name passed to the companion, default "file"
	Endpoint        string // final storage endpoint the companion should deliver bytes to
	DefaultProvider string // plugin ID used when a file's ProviderOptions carries none
	Headers         map[string]string
	Metadata        map[string]any
	Tokens          TokenStores
	Dialer          *websocket.Dialer // default websocket.DefaultDialer
	ProgressWindow  time.Duration     // per-file progress throttle, default 300ms
	ConnectTimeout  time.Duration     // default 10s
	ResponseDecoder func(responseText string) (map[string]any, error)
}

func (o *Options) withDefaults() {
	if o.FieldName == "" {
		o.FieldName = "file"
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ProgressWindow <= 0 {
		o.ProgressWindow = 300 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ResponseDecoder == nil {
		o.ResponseDecoder = defaultResponseDecoder
	}
}

func defaultResponseDecoder(text string) (map[string]any, error) {
	if text == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return map[string]any{}, nil
	}
	return out, nil
}

// Uploader is a kernel.StageFunc-compatible uploader for files whose
// store.FileRecord.IsRemote is true.
type Uploader struct {
	opts Options
}

// New constructs an Uploader.
func New(opts Options) *Uploader {
	opts.withDefaults()
	return &Uploader{opts: opts}
}

// wireFrame is the companion WebSocket envelope: {action, payload}.
type wireFrame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type progressPayload struct {
	Progress      int   `json:"progress"`
	BytesUploaded int64 `json:"bytesUploaded"`
	BytesTotal    int64 `json:"bytesTotal"`
}

type successPayload struct {
	Response struct {
		Status       int    `json:"status"`
		ResponseText string `json:"responseText"`
	} `json:"response"`
}

type errorPayload struct {
	Response *struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stage runs every remote file in fileIDs concurrently, one companion
// handshake + socket per file.
func (u *Uploader) Stage(ctx context.Context, k *kernel.Kernel, batchID string, fileIDs []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fileIDs))

	for i, id := range fileIDs {
		i := i
		f, ok := k.GetFile(id)
		if !ok || !f.IsRemote || f.Remote == nil {
			continue
		}
		k.Emit("upload-started", f)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = u.uploadOne(ctx, k, f)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadOne(ctx context.Context, k *kernel.Kernel, f store.FileRecord) error {
	remote := f.Remote

	base, path, err := splitURL(remote.URL)
	if err != nil {
		return u.fail(k, f, err)
	}

	provider, _ := remote.ProviderOptions["provider"].(string)
	if provider == "" {
		provider = u.opts.DefaultProvider
	}
	var tokens companion.TokenStore
	if provider != "" && u.opts.Tokens != nil {
		tokens = u.opts.Tokens(provider)
	}
	client := companion.NewClient(base, provider, tokens, nil)

	var size int64
	if f.Size != nil {
		size = *f.Size
	}
	payload := map[string]any{
		"endpoint":  u.opts.Endpoint,
		"size":      size,
		"fieldname": u.opts.FieldName,
		"metadata":  mergeMaps(u.opts.Metadata, f.Meta),
		"headers":   u.opts.Headers,
	}
	for key, v := range remote.Body {
		payload[key] = v
	}

	respBody, err := client.Post(ctx, path, nil, payload)
	if err != nil {
		return u.fail(k, f, err)
	}

	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil || decoded.Token == "" {
		return u.fail(k, f, fmt.Errorf("remote: companion response missing token: %s", string(respBody)))
	}

	wsURL, err := deriveSocketURL(base, decoded.Token)
	if err != nil {
		return u.fail(k, f, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, u.opts.ConnectTimeout)
	defer cancel()
	conn, _, err := u.opts.Dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return u.fail(k, f, fmt.Errorf("remote: dial companion socket: %w", err))
	}
	defer conn.Close()

	return u.pump(ctx, k, f, conn)
}

func (u *Uploader) pump(ctx context.Context, k *kernel.Kernel, f store.FileRecord, conn *websocket.Conn) error {
	var mu sync.Mutex
	var latest progressPayload
	throttle := progress.NewThrottle(u.opts.ProgressWindow, func() {
		mu.Lock()
		p := latest
		mu.Unlock()
		u.reportProgress(k, f.ID, p)
	})
	defer throttle.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return u.fail(k, f, ctx.Err())
			}
			return u.fail(k, f, fmt.Errorf("remote: socket closed before success/error: %w", err))
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Action {
		case "progress":
			var p progressPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				continue
			}
			mu.Lock()
			latest = p
			mu.Unlock()
			throttle.Trigger()
		case "success":
			var s successPayload
			if err := json.Unmarshal(frame.Payload, &s); err != nil {
				return u.fail(k, f, err)
			}
			return u.succeed(k, f, s)
		case "error":
			var e errorPayload
			if err := json.Unmarshal(frame.Payload, &e); err != nil {
				return u.fail(k, f, err)
			}
			return u.fail(k, f, remoteError(e))
		}
	}
}

func remoteError(e errorPayload) error {
	if e.Response != nil && e.Response.Body != "" {
		return fmt.Errorf("remote: upload error (status=%d): %s", e.Response.Status, e.Response.Body)
	}
	if e.Error.Message != "" {
		return fmt.Errorf("remote: upload error: %s", e.Error.Message)
	}
	return fmt.Errorf("remote: upload error")
}

func (u *Uploader) reportProgress(k *kernel.Kernel, id string, p progressPayload) {
	f, ok := k.GetFile(id)
	if !ok {
		return
	}
	if f.Progress.UploadStarted == nil {
		now := time.Now()
		f.Progress.UploadStarted = &now
	}
	f.Progress.BytesUploaded = p.BytesUploaded
	f.Progress.BytesTotal = p.BytesTotal
	f.Progress.Percentage = p.Progress
	_ = k.SetFileState(f)
	k.Emit("upload-progress", f)
}

func (u *Uploader) succeed(k *kernel.Kernel, f store.FileRecord, s successPayload) error {
	body, err := u.opts.ResponseDecoder(s.Response.ResponseText)
	if err != nil {
		return u.fail(k, f, err)
	}
	f.Response = &store.UploadResponse{Status: s.Response.Status, Body: body}
	if url, ok := body["url"].(string); ok {
		f.UploadURL = url
	}
	f.Progress.UploadComplete = true
	f.Progress.Percentage = 100
	_ = k.SetFileState(f)
	k.Emit("upload-success", f)
	return nil
}

func (u *Uploader) fail(k *kernel.Kernel, f store.FileRecord, err error) error {
	f.Err = err
	_ = k.SetFileState(f)
	k.Emit("upload-error", f, err)
	return err
}

func splitURL(raw string) (base, path string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	base = parsed.Scheme + "://" + parsed.Host
	path = parsed.Path
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return base, path, nil
}

// deriveSocketURL swaps the HTTP scheme for its WebSocket equivalent and
// appends /api/<token>, per the documented token-to-socket-URL derivation.
func deriveSocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/" + token
	return parsed.String(), nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
