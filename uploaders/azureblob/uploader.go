// Package azureblob adapts uploaders/azure.go's direct-to-Azure-Blob-Storage
// upload path into a kernel.StageFunc. Azure's
// high-level block-blob upload helper (UploadFileToBlockBlob) needs a
// seekable *os.File, so this stage only accepts files whose store.FileData
// also exposes a local Path — i.e. files acquired from disk, not remote or
// in-memory sources.
package azureblob

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

// computeMD5 hashes the whole file and reseeks to the start, the same
// shape as uploaders.ComputeMD5 (uploaders/common.go).
func computeMD5(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := h.Sum(nil)
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	return string(sum), nil
}

// Pather is implemented by a store.FileData whose payload lives at a known
// local filesystem path, required because the Azure SDK's high-level upload
// helper needs to seek the source.
type Pather interface {
	Path() string
}

// Credentials mirrors the options AzureUploader expected from a 'start'
// operation payload.
type Credentials struct {
	Endpoint  string
	SAS       string
	Container string
}

// Options configures an Uploader.
type Options struct {
	Credentials     Credentials
	ComputeChecksum bool
}

// Uploader uploads batch files to a single Azure Blob Storage container.
type Uploader struct {
	opts Options
}

// New constructs an Uploader after validating the required credential
// fields, the same checks as NewAzureUploader.
func New(opts Options) (*Uploader, error) {
	c := opts.Credentials
	if c.Endpoint == "" {
		return nil, fmt.Errorf("azureblob: missing endpoint")
	}
	if c.SAS == "" {
		return nil, fmt.Errorf("azureblob: missing shared access signature")
	}
	if c.Container == "" {
		return nil, fmt.Errorf("azureblob: missing container")
	}
	return &Uploader{opts: opts}, nil
}

// Stage is a kernel.StageFunc uploading every file in the batch to Azure
// Blob Storage concurrently.
func (u *Uploader) Stage(ctx context.Context, k *kernel.Kernel, batchID string, fileIDs []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fileIDs))

	for i, id := range fileIDs {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = u.uploadOne(ctx, k, id)
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

func (u *Uploader) uploadOne(ctx context.Context, k *kernel.Kernel, id string) error {
	f, ok := k.GetFile(id)
	if !ok {
		return nil
	}

	pather, ok := f.Data.(Pather)
	if !ok {
		return u.fail(k, f, fmt.Errorf("azureblob: file %q has no local path, cannot be uploaded via the Azure block-blob helper", f.Name))
	}

	file, err := os.Open(pather.Path())
	if err != nil {
		return u.fail(k, f, err)
	}
	defer file.Close()

	c := u.opts.Credentials
	url := fmt.Sprint(c.Endpoint, c.Container, "/", f.Name, "?", c.SAS)
	blockBlobClient, err := azblob.NewBlockBlobClientWithNoCredential(url, &azblob.ClientOptions{})
	if err != nil {
		return u.fail(k, f, err)
	}

	blobHTTPHeaders := &azblob.BlobHTTPHeaders{}
	if u.opts.ComputeChecksum {
		md5, err := computeMD5(file)
		if err != nil {
			return u.fail(k, f, err)
		}
		blobHTTPHeaders.BlobContentMD5 = []byte(md5)
	}

	response, err := blockBlobClient.UploadFileToBlockBlob(ctx, file, azblob.HighLevelUploadToBlockBlobOption{
		HTTPHeaders: blobHTTPHeaders,
	})
	if err != nil {
		return u.fail(k, f, err)
	}
	if response.StatusCode/100 != 2 {
		return u.fail(k, f, fmt.Errorf("azureblob: unsuccessful response status code - %v", response.StatusCode))
	}

	return u.succeed(k, f)
}

func (u *Uploader) fail(k *kernel.Kernel, f store.FileRecord, err error) error {
	f.Err = err
	_ = k.SetFileState(f)
	return err
}

func (u *Uploader) succeed(k *kernel.Kernel, f store.FileRecord) error {
	f.Progress.UploadComplete = true
	f.Progress.Percentage = 100
	_ = k.SetFileState(f)
	return nil
}
