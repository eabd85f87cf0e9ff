package kernel

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/kanto-io/uploadkit/restriction"
	"github.com/kanto-io/uploadkit/store"
)

type memFile struct{ data []byte }

type memReadCloser struct{ io.Reader }

func (memReadCloser) Close() error { return nil }

func (m memFile) Open() (store.ReadCloser, error) {
	return memReadCloser{bytes.NewReader(m.data)}, nil
}

func sizeOf(n int) *int64 {
	v := int64(n)
	return &v
}

// restrictionPolicyMaxOneFile caps a session at a single file, for testing
// the restriction-rejection path.
func restrictionPolicyMaxOneFile() restriction.Policy {
	return restriction.Policy{MaxNumberOfFiles: 1}
}

// fixedTime returns a deterministic timestamp for tests that need to stamp
// UploadStarted without depending on wall-clock time.
func fixedTime() time.Time {
	return time.Unix(0, 0)
}

// succeedingUploader marks every file in the batch complete at 100%.
func succeedingUploader(_ context.Context, k *Kernel, _ string, fileIDs []string) error {
	for _, id := range fileIDs {
		f, ok := k.GetFile(id)
		if !ok {
			continue
		}
		total := int64(0)
		if f.Size != nil {
			total = *f.Size
		}
		f.Progress = store.FileProgress{
			BytesUploaded: total, BytesTotal: total, Percentage: 100, UploadComplete: true,
		}
		_ = k.SetFileState(f)
	}
	return nil
}

// failNTimesUploader fails the first n invocations, then behaves like
// succeedingUploader. Shared across retries via the pointer receiver.
type failNTimesUploader struct {
	remaining int32
}

func (u *failNTimesUploader) stage(ctx context.Context, k *Kernel, batchID string, fileIDs []string) error {
	if atomic.AddInt32(&u.remaining, -1) >= 0 {
		for _, id := range fileIDs {
			f, ok := k.GetFile(id)
			if !ok {
				continue
			}
			f.Err = context.DeadlineExceeded
			_ = k.SetFileState(f)
		}
		return context.DeadlineExceeded
	}
	return succeedingUploader(ctx, k, batchID, fileIDs)
}

// blockingUploader never completes on its own; it returns only when ctx is
// cancelled, simulating a stalled transfer that relies on an external
// cancellation (e.g. CancelAll) to unblock.
func blockingUploader(ctx context.Context, _ *Kernel, _ string, _ []string) error {
	<-ctx.Done()
	return ctx.Err()
}
