package azureblob

import (
	"os"
	"testing"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{SAS: "sig", Container: "c"}})
	if err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}

func TestNewRequiresSAS(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Endpoint: "https://a.blob.core.windows.net/", Container: "c"}})
	if err == nil {
		t.Fatalf("expected error for missing SAS")
	}
}

func TestNewRequiresContainer(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Endpoint: "https://a.blob.core.windows.net/", SAS: "sig"}})
	if err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestStageRejectsFileWithoutLocalPath(t *testing.T) {
	u, err := New(Options{Credentials: Credentials{Endpoint: "https://a.blob.core.windows.net/", SAS: "sig", Container: "c"}})
	assertNoError(t, err)

	k := kernel.New(kernel.Options{})
	defer k.Close()

	size := int64(4)
	id, err := k.AddFile(kernel.NewFile{Source: "local", Name: "f.bin", Size: &size, Data: memFile{}})
	assertNoError(t, err)

	k.AddUploader(u.Stage)

	_, err = k.Upload([]string{id})
	if err == nil {
		t.Fatalf("expected error for a file without a local path")
	}

	f, _ := k.GetFile(id)
	if f.Err == nil {
		t.Fatalf("file.Err not set")
	}
}

// memFile implements store.FileData but not Pather, exercising the
// "no local path" rejection above.
type memFile struct{}

func (memFile) Open() (store.ReadCloser, error) { return memReadCloser{}, nil }

type memReadCloser struct{}

func (memReadCloser) Read(p []byte) (int, error) { return 0, os.ErrClosed }
func (memReadCloser) Close() error               { return nil }

// TestUploadAgainstRealContainer exercises a full upload against a live
// Azure Blob Storage container, mirroring uploaders/azure_test.go's own
// env-var-gated integration style. Skipped unless the three AZURE_*
// variables are set.
func TestUploadAgainstRealContainer(t *testing.T) {
	creds := credentialsFromEnv(t)

	u, err := New(Options{Credentials: creds})
	assertNoError(t, err)

	dir := t.TempDir()
	path := dir + "/uploadkit-azureblob-test.txt"
	assertNoError(t, os.WriteFile(path, []byte("uploadkit azureblob integration test content"), 0644))

	k := kernel.New(kernel.Options{})
	defer k.Close()

	size := int64(45)
	id, err := k.AddFile(kernel.NewFile{Source: "local", Name: "uploadkit-azureblob-test.txt", Size: &size, Data: pathFile{path: path}})
	assertNoError(t, err)

	k.AddUploader(u.Stage)

	result, err := k.Upload([]string{id})
	assertNoError(t, err)
	if len(result.Successful) != 1 {
		t.Fatalf("result = %+v, want 1 successful", result)
	}
}

type pathFile struct{ path string }

func (p pathFile) Path() string { return p.path }
func (p pathFile) Open() (store.ReadCloser, error) {
	return os.Open(p.path)
}

func credentialsFromEnv(t *testing.T) Credentials {
	t.Helper()
	endpoint := os.Getenv("AZURE_STORAGE_ENDPOINT")
	sas := os.Getenv("AZURE_SAS")
	container := os.Getenv("AZURE_CONTAINER")
	if endpoint == "" || sas == "" || container == "" {
		t.Skip("AZURE_STORAGE_ENDPOINT/AZURE_SAS/AZURE_CONTAINER not set")
	}
	return Credentials{Endpoint: endpoint, SAS: sas, Container: container}
}
