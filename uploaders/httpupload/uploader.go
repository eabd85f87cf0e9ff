package httpupload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/limiter"
	"github.com/kanto-io/uploadkit/store"
)

// pluginID is this uploader's kernel.Plugin identity when registered via
// Kernel.Use(Constructor, opts).
const pluginID = "httpupload"

// ContentMD5 is the header name used when ComputeChecksum is enabled,
// carried over verbatim from uploaders/common.go's constant of the same
// name.
const ContentMD5 = "Content-MD5"

// ResponseHandler lets a caller inspect a successful response and attach
// structured data to the file's store.UploadResponse.
type ResponseHandler func(resp *http.Response, body []byte) (map[string]any, error)

// ValidateStatusFunc decides whether an HTTP status code counts as success.
// Defaults to the 2xx range, same as HTTPUploader.UploadFile.
type ValidateStatusFunc func(status int) bool

func defaultValidateStatus(status int) bool { return status >= 200 && status <= 299 }

// Options configures an Uploader.
type Options struct {
	Method          string // default "POST"
	FieldName       string // multipart form field name, default "file"
	Headers         map[string]string
	Bundle          bool // one multipart request for the whole batch instead of one request per file
	ComputeChecksum bool // set Content-MD5 on non-bundle requests, per HTTPUploader's useChecksum flag
	Client          *http.Client
	Limiter         *limiter.Limiter // bounds concurrent in-flight requests in non-bundle mode
	StallTimeout    time.Duration    // 0 disables stall detection
	GetResponseData ResponseHandler
	ValidateStatus  ValidateStatusFunc
}

func (o *Options) withDefaults() {
	if o.Method == "" {
		o.Method = "POST"
	}
	if o.FieldName == "" {
		o.FieldName = "file"
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.ValidateStatus == nil {
		o.ValidateStatus = defaultValidateStatus
	}
}

// Uploader POSTs (or PUTs) file bytes directly to the URL recorded on each
// file's store.FileRecord.UploadURL (set by an acquirer/preprocessor plugin
// before the upload stage runs, e.g. from restriction/remote metadata).
type Uploader struct {
	opts Options

	k                          *kernel.Kernel
	prevIndividualCancellation bool
}

// New constructs an Uploader. Register its Stage method with
// Kernel.AddUploader directly, or register the Uploader itself as a plugin
// via Kernel.Use(Constructor, opts) to additionally get the bundle-mode
// capabilities.individualCancellation toggle that Install/Uninstall
// implement.
func New(opts Options) *Uploader {
	opts.withDefaults()
	return &Uploader{opts: opts}
}

// Constructor adapts New to kernel.PluginConstructor for Kernel.Use.
func Constructor(k *kernel.Kernel, opts any) (kernel.Plugin, error) {
	o, ok := opts.(Options)
	if !ok {
		return nil, fmt.Errorf("httpupload: Constructor requires httpupload.Options, got %T", opts)
	}
	return New(o), nil
}

// ID satisfies kernel.Plugin.
func (u *Uploader) ID() string { return pluginID }

// Type satisfies kernel.Plugin.
func (u *Uploader) Type() kernel.PluginType { return kernel.PluginUploader }

// Install registers Stage as an uploader pipeline stage and, in bundle
// mode, forces capabilities.individualCancellation false for as long as
// this uploader stays installed: a single bundled request succeeds or
// fails as a whole, so no one file in it can be cancelled independently.
func (u *Uploader) Install(k *kernel.Kernel) error {
	u.k = k
	k.AddUploader(u.Stage)

	if u.opts.Bundle {
		state := k.GetState()
		u.prevIndividualCancellation = state.Capabilities.IndividualCancellation
		caps := state.Capabilities
		caps.IndividualCancellation = false
		k.SetState(store.Patch{Capabilities: &caps})
	}
	return nil
}

// Uninstall removes Stage from the uploader pipeline and, in bundle mode,
// restores capabilities.individualCancellation to whatever it was before
// Install forced it false.
func (u *Uploader) Uninstall() error {
	u.k.RemoveUploader(u.Stage)

	if u.opts.Bundle {
		state := u.k.GetState()
		caps := state.Capabilities
		caps.IndividualCancellation = u.prevIndividualCancellation
		u.k.SetState(store.Patch{Capabilities: &caps})
	}
	return nil
}

// Stage is a kernel.StageFunc performing the actual transfer for a batch.
// Remote files (IsRemote) are skipped and left to the remote uploader.
func (u *Uploader) Stage(ctx context.Context, k *kernel.Kernel, batchID string, fileIDs []string) error {
	var local []string
	for _, id := range fileIDs {
		if f, ok := k.GetFile(id); ok && !f.IsRemote {
			local = append(local, id)
		}
	}
	if len(local) == 0 {
		return nil
	}
	if u.opts.Bundle {
		return u.uploadBundle(ctx, k, local)
	}
	return u.uploadIndividually(ctx, k, local)
}

func (u *Uploader) uploadIndividually(ctx context.Context, k *kernel.Kernel, fileIDs []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fileIDs))

	for i, id := range fileIDs {
		i, id := i, id
		if f, ok := k.GetFile(id); ok {
			k.Emit("upload-started", f)
		}
		wg.Add(1)
		run := func() error {
			defer wg.Done()
			errs[i] = u.uploadOne(ctx, k, id)
			return errs[i]
		}
		if u.opts.Limiter != nil {
			go func() {
				_ = u.opts.Limiter.Do(ctx, run)
			}()
		} else {
			go func() { _ = run() }()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadOne(ctx context.Context, k *kernel.Kernel, id string) error {
	f, ok := k.GetFile(id)
	if !ok {
		return nil
	}

	rc, err := f.Data.Open()
	if err != nil {
		return u.fail(k, f, err)
	}
	defer rc.Close()

	var body io.Reader = rc
	var md5Header string
	if u.opts.ComputeChecksum {
		buf, err := io.ReadAll(rc)
		if err != nil {
			return u.fail(k, f, err)
		}
		sum := md5.Sum(buf)
		md5Header = base64.StdEncoding.EncodeToString(sum[:])
		body = bytes.NewReader(buf)
	}

	total := int64(0)
	if f.Size != nil {
		total = *f.Size
	}

	stall := u.armStallTimer(k, f)
	counting := &countingReader{r: body, onRead: func(n int64) {
		if stall != nil {
			stall.Progress()
		}
		u.reportProgress(k, id, n, total)
	}}

	req, err := http.NewRequestWithContext(ctx, u.opts.Method, f.UploadURL, counting)
	if err != nil {
		return u.fail(k, f, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", f.Type)
	for name, value := range u.opts.Headers {
		req.Header.Set(name, value)
	}
	if md5Header != "" {
		req.Header.Set(ContentMD5, md5Header)
	}

	resp, err := u.opts.Client.Do(req)
	if stall != nil {
		stall.Done()
	}
	if err != nil {
		return u.fail(k, f, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if !u.opts.ValidateStatus(resp.StatusCode) {
		return u.fail(k, f, fmt.Errorf("httpupload: upload failed - code: %d, status: %s", resp.StatusCode, resp.Status))
	}

	return u.succeed(k, f, resp, respBody)
}

func (u *Uploader) uploadBundle(ctx context.Context, k *kernel.Kernel, fileIDs []string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	var files []store.FileRecord
	for _, id := range fileIDs {
		f, ok := k.GetFile(id)
		if !ok {
			continue
		}
		k.Emit("upload-started", f)
		rc, err := f.Data.Open()
		if err != nil {
			return u.fail(k, f, err)
		}
		part, err := writer.CreateFormFile(u.opts.FieldName, f.Name)
		if err != nil {
			rc.Close()
			return u.fail(k, f, err)
		}
		if _, err := io.Copy(part, rc); err != nil {
			rc.Close()
			return u.fail(k, f, err)
		}
		rc.Close()
		files = append(files, f)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("httpupload: close multipart writer: %w", err)
	}

	var endpoint string
	if len(files) > 0 {
		endpoint = files[0].UploadURL
	}

	req, err := http.NewRequestWithContext(ctx, u.opts.Method, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for name, value := range u.opts.Headers {
		req.Header.Set(name, value)
	}

	resp, err := u.opts.Client.Do(req)
	if err != nil {
		for _, f := range files {
			_ = u.fail(k, f, err)
		}
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if !u.opts.ValidateStatus(resp.StatusCode) {
		failErr := fmt.Errorf("httpupload: bundle upload failed - code: %d, status: %s", resp.StatusCode, resp.Status)
		for _, f := range files {
			_ = u.fail(k, f, failErr)
		}
		return failErr
	}

	for _, f := range files {
		if err := u.succeed(k, f, resp, respBody); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) armStallTimer(k *kernel.Kernel, f store.FileRecord) *StallTimer {
	if u.opts.StallTimeout <= 0 {
		return nil
	}
	return NewStallTimer(u.opts.StallTimeout, func() {
		_ = u.fail(k, f, fmt.Errorf("httpupload: upload stalled for %q after %s of inactivity", f.Name, u.opts.StallTimeout))
	})
}

func (u *Uploader) reportProgress(k *kernel.Kernel, id string, delta, total int64) {
	f, ok := k.GetFile(id)
	if !ok {
		return
	}
	if f.Progress.UploadStarted == nil {
		now := nowFunc()
		f.Progress.UploadStarted = &now
	}
	f.Progress.BytesUploaded += delta
	f.Progress.BytesTotal = total
	_ = k.SetFileState(f)
	k.Emit("upload-progress", f)
}

func (u *Uploader) fail(k *kernel.Kernel, f store.FileRecord, err error) error {
	f.Err = err
	_ = k.SetFileState(f)
	k.Emit("upload-error", f, err)
	return err
}

func (u *Uploader) succeed(k *kernel.Kernel, f store.FileRecord, resp *http.Response, body []byte) error {
	var parsed map[string]any
	if u.opts.GetResponseData != nil {
		data, err := u.opts.GetResponseData(resp, body)
		if err != nil {
			return u.fail(k, f, err)
		}
		parsed = data
	}
	f.Response = &store.UploadResponse{Status: resp.StatusCode, Body: parsed}
	f.Progress.UploadComplete = true
	f.Progress.Percentage = 100
	_ = k.SetFileState(f)
	k.Emit("upload-success", f)
	return nil
}

// countingReader wraps an io.Reader, invoking onRead with the number of
// bytes returned by each Read call (used to drive progress reporting and
// the stall timer without buffering the whole body).
type countingReader struct {
	r      io.Reader
	onRead func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(int64(n))
	}
	return n, err
}

var nowFunc = time.Now

// HeaderDictionary extracts, from a flat option map, every key beginning
// with prefix, stripping the prefix — the same extraction idiom as
// ExtractDictionary (uploaders/common.go), used here to pull
// "https.header.X" style per-file override headers out of a
// store.RemoteDescriptor.ProviderOptions map.
func HeaderDictionary(options map[string]any, prefix string) map[string]string {
	out := map[string]string{}
	for key, v := range options {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		switch s := v.(type) {
		case string:
			out[name] = s
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}
