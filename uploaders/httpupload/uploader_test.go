package httpupload

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

type recordingHandler struct {
	method  string
	body    []byte
	headers http.Header
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.headers = r.Header
	h.body, _ = io.ReadAll(r.Body)
	w.WriteHeader(http.StatusCreated)
}

type memFile struct{ data []byte }

type memReadCloser struct {
	*bytes.Reader
}

func (memReadCloser) Close() error { return nil }

func (m memFile) Open() (store.ReadCloser, error) {
	return memReadCloser{bytes.NewReader(m.data)}, nil
}

func newTestKernelWithFile(t *testing.T, data []byte, uploadURL string) (*kernel.Kernel, string) {
	t.Helper()
	k := kernel.New(kernel.Options{})
	size := int64(len(data))
	id, err := k.AddFile(kernel.NewFile{Source: "local", Name: "a.txt", Size: &size, Data: memFile{data: data}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	f, _ := k.GetFile(id)
	f.UploadURL = uploadURL
	if err := k.SetFileState(f); err != nil {
		t.Fatalf("SetFileState: %v", err)
	}
	return k, id
}

func TestUploadIndividuallyDefaultMethodAndHeaders(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	k, id := newTestKernelWithFile(t, []byte("hello world"), srv.URL)
	defer k.Close()

	u := New(Options{Headers: map[string]string{"X-Test": "yes"}})
	k.AddUploader(u.Stage)

	result, err := k.Upload([]string{id})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(result.Successful) != 1 {
		t.Fatalf("result = %+v, want 1 successful", result)
	}
	if h.method != "POST" {
		t.Fatalf("method = %s, want POST", h.method)
	}
	if string(h.body) != "hello world" {
		t.Fatalf("body = %q", h.body)
	}
	if h.headers.Get("X-Test") != "yes" {
		t.Fatalf("missing custom header")
	}

	f, _ := k.GetFile(id)
	if !f.Progress.UploadComplete || f.Progress.Percentage != 100 {
		t.Fatalf("file not marked complete: %+v", f.Progress)
	}
}

func TestUploadFailureSetsFileError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	k, id := newTestKernelWithFile(t, []byte("x"), srv.URL)
	defer k.Close()

	u := New(Options{})
	k.AddUploader(u.Stage)

	_, err := k.Upload([]string{id})
	if err == nil {
		t.Fatalf("expected upload error")
	}

	f, _ := k.GetFile(id)
	if f.Err == nil {
		t.Fatalf("file.Err not set on failure")
	}
}

func TestBundleModeSendsOneRequestForAllFiles(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	k := kernel.New(kernel.Options{})
	defer k.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		size := int64(4)
		id, err := k.AddFile(kernel.NewFile{Source: "local", Name: "f.bin", Size: &size, Data: memFile{data: []byte("abcd")}})
		if err != nil {
			t.Fatalf("AddFile: %v", err)
		}
		f, _ := k.GetFile(id)
		f.UploadURL = srv.URL
		if err := k.SetFileState(f); err != nil {
			t.Fatalf("SetFileState: %v", err)
		}
		ids = append(ids, id)
	}

	u := New(Options{Bundle: true})
	k.AddUploader(u.Stage)

	result, err := k.Upload(ids)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(result.Successful) != 3 {
		t.Fatalf("successful = %v, want 3", result.Successful)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1 (bundle)", requests)
	}
}

func TestUploadEmitsLifecycleEvents(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	k, id := newTestKernelWithFile(t, []byte("hello"), srv.URL)
	defer k.Close()

	var events []string
	k.On("upload-started", func(args ...any) { events = append(events, "upload-started") })
	k.On("upload-progress", func(args ...any) { events = append(events, "upload-progress") })
	k.On("upload-success", func(args ...any) { events = append(events, "upload-success") })

	u := New(Options{})
	k.AddUploader(u.Stage)

	if _, err := k.Upload([]string{id}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if len(events) == 0 || events[0] != "upload-started" {
		t.Fatalf("events = %v, want upload-started first", events)
	}
	if events[len(events)-1] != "upload-success" {
		t.Fatalf("events = %v, want upload-success last", events)
	}
}

func TestUploadFailureEmitsUploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	k, id := newTestKernelWithFile(t, []byte("x"), srv.URL)
	defer k.Close()

	var gotErr bool
	k.On("upload-error", func(args ...any) { gotErr = true })

	u := New(Options{})
	k.AddUploader(u.Stage)

	if _, err := k.Upload([]string{id}); err == nil {
		t.Fatalf("expected upload error")
	}
	if !gotErr {
		t.Fatalf("upload-error was never emitted")
	}
}

func TestInstallForcesIndividualCancellationFalseInBundleModeAndUninstallRestoresIt(t *testing.T) {
	k := kernel.New(kernel.Options{})
	defer k.Close()

	caps := k.GetState().Capabilities
	caps.IndividualCancellation = true
	k.SetState(store.Patch{Capabilities: &caps})

	p, err := k.Use(Constructor, Options{Bundle: true})
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if k.GetState().Capabilities.IndividualCancellation {
		t.Fatalf("expected individualCancellation forced false while a bundle uploader is installed")
	}

	if err := k.RemovePlugin(p.ID()); err != nil {
		t.Fatalf("RemovePlugin: %v", err)
	}
	if !k.GetState().Capabilities.IndividualCancellation {
		t.Fatalf("expected individualCancellation restored after uninstall")
	}
}

func TestInstallLeavesIndividualCancellationAloneOutsideBundleMode(t *testing.T) {
	k := kernel.New(kernel.Options{})
	defer k.Close()

	p, err := k.Use(Constructor, Options{})
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if k.GetState().Capabilities.IndividualCancellation {
		t.Fatalf("expected individualCancellation untouched (still false) outside bundle mode")
	}
	if err := k.RemovePlugin(p.ID()); err != nil {
		t.Fatalf("RemovePlugin: %v", err)
	}
}

func TestStallTimerFiresWhenProgressNeverArrives(t *testing.T) {
	fired := make(chan struct{})
	st := NewStallTimer(10*time.Millisecond, func() { close(fired) })
	defer st.Done()

	st.Progress()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("stall timer never fired")
	}
}

func TestStallTimerDoneCancelsPendingFire(t *testing.T) {
	fired := make(chan struct{})
	st := NewStallTimer(15*time.Millisecond, func() { close(fired) })
	st.Progress()
	st.Done()

	select {
	case <-fired:
		t.Fatalf("stall timer fired after Done")
	case <-time.After(40 * time.Millisecond):
	}
}
