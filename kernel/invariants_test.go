package kernel

import (
	"context"
	"testing"
)

// These tests assert properties that must hold regardless of which
// uploader stages are installed: store/bus wiring, restriction admission,
// and batch bookkeeping invariants that every scenario in
// scenarios_test.go implicitly relies on.

func TestAllowNewUploadFalseWhileBatchRuns(t *testing.T) {
	k := New(Options{})
	defer k.Close()

	gate := make(chan struct{})
	k.AddUploader(func(ctx context.Context, kern *Kernel, batchID string, fileIDs []string) error {
		state := kern.GetState()
		if state.AllowNewUpload {
			t.Errorf("AllowNewUpload should be false while a batch is running")
		}
		close(gate)
		return succeedingUploader(ctx, kern, batchID, fileIDs)
	})

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := k.Upload([]string{id}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	<-gate
}

func TestFileAddedAndUploadEventsFire(t *testing.T) {
	k := New(Options{})
	defer k.Close()
	k.AddUploader(succeedingUploader)

	var fileAdded, uploadStarted, completed bool
	k.On("file-added", func(args ...any) { fileAdded = true })
	k.On("upload", func(args ...any) { uploadStarted = true })
	k.On("complete", func(args ...any) { completed = true })

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := k.Upload([]string{id}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !fileAdded || !uploadStarted || !completed {
		t.Fatalf("fileAdded=%v uploadStarted=%v completed=%v", fileAdded, uploadStarted, completed)
	}
}

func TestCancelAllClearsCurrentUploads(t *testing.T) {
	k := New(Options{})
	defer k.Close()

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := k.createUpload([]string{id}); err != nil {
		t.Fatalf("createUpload: %v", err)
	}

	k.CancelAll()

	state := k.GetState()
	if len(state.CurrentUploads) != 0 {
		t.Fatalf("CurrentUploads = %v, want empty after CancelAll", state.CurrentUploads)
	}
	if !state.AllowNewUpload {
		t.Fatalf("AllowNewUpload should be true after CancelAll")
	}
}

func TestRemovePluginUninstalls(t *testing.T) {
	k := New(Options{})
	defer k.Close()

	uninstalled := false
	ctor := func(kern *Kernel, opts any) (Plugin, error) {
		return &fakePlugin{id: "x", typ: PluginModifier, onUninstall: func() error {
			uninstalled = true
			return nil
		}}, nil
	}

	p, err := k.Use(ctor, nil)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if _, ok := k.GetPlugin(p.ID()); !ok {
		t.Fatalf("plugin not registered")
	}

	if err := k.RemovePlugin(p.ID()); err != nil {
		t.Fatalf("RemovePlugin: %v", err)
	}
	if !uninstalled {
		t.Fatalf("Uninstall was not called")
	}
	if _, ok := k.GetPlugin(p.ID()); ok {
		t.Fatalf("plugin still registered after removal")
	}
}

func TestRestrictionFailureShowsTranslatedInfoMessage(t *testing.T) {
	k := New(Options{Restrictions: restrictionPolicyMaxOneFile()})
	defer k.Close()

	var infoVisible bool
	k.On("info-visible", func(args ...any) { infoVisible = true })
	var restrictionFailed bool
	k.On("restriction-failed", func(args ...any) { restrictionFailed = true })

	if _, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(1), Data: memFile{data: []byte("a")}}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := k.AddFile(NewFile{Source: "local", Name: "b.bin", Size: sizeOf(1), Data: memFile{data: []byte("b")}}); err == nil {
		t.Fatalf("expected second file to be rejected")
	}

	if !infoVisible || !restrictionFailed {
		t.Fatalf("infoVisible=%v restrictionFailed=%v", infoVisible, restrictionFailed)
	}
	info := k.GetState().Info
	if info.IsHidden || info.Message != "You can only upload 1 file(s)" {
		t.Fatalf("info = %+v, want the translated maxNumberOfFiles message", info)
	}
}

func TestProgressEventUsesDocumentedName(t *testing.T) {
	k := New(Options{})
	defer k.Close()
	k.AddUploader(succeedingUploader)

	var gotProgress bool
	k.On("progress", func(args ...any) { gotProgress = true })

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := k.Upload([]string{id}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	k.progressThrottle.Trigger()

	if !gotProgress {
		t.Fatalf(`expected a "progress" event, not "progress-update"`)
	}
}

func TestRetryUploadGetsAFreshBatchID(t *testing.T) {
	k := New(Options{})
	defer k.Close()
	uploader := &failNTimesUploader{remaining: 1}
	k.AddUploader(uploader.stage)

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	var retried bool
	k.On("upload-retry", func(args ...any) { retried = true })

	firstResult, err := k.Upload([]string{id})
	if err == nil {
		t.Fatalf("expected first upload to fail")
	}
	firstBatchID := firstResult.UploadID

	result, err := k.RetryUpload(id)
	if err != nil {
		t.Fatalf("RetryUpload: %v", err)
	}
	if !retried {
		t.Fatalf("upload-retry was never emitted")
	}
	if result.UploadID == firstBatchID {
		t.Fatalf("RetryUpload reused batch id %q, want a fresh one", firstBatchID)
	}
	if len(result.Successful) != 1 || result.Successful[0] != id {
		t.Fatalf("result = %+v, want %q successful", result, id)
	}
}

func TestRetryAllCollectsEveryErroredFileIntoOneBatch(t *testing.T) {
	k := New(Options{AllowMultipleUploads: true})
	defer k.Close()
	// Fails the first two batches (one per file below), then succeeds — so
	// the two per-file uploads both fail independently, and only the single
	// consolidated RetryAll batch succeeds.
	uploader := &failNTimesUploader{remaining: 2}
	k.AddUploader(uploader.stage)

	id1, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	id2, err := k.AddFile(NewFile{Source: "local", Name: "b.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if _, err := k.Upload([]string{id1}); err == nil {
		t.Fatalf("expected first batch to fail")
	}
	if _, err := k.Upload([]string{id2}); err == nil {
		t.Fatalf("expected second batch to fail")
	}

	var retryAllIDs []string
	k.On("retry-all", func(args ...any) {
		if len(args) > 0 {
			retryAllIDs, _ = args[0].([]string)
		}
	})

	result, err := k.RetryAll()
	if err != nil {
		t.Fatalf("RetryAll: %v", err)
	}
	if len(retryAllIDs) != 2 {
		t.Fatalf("retry-all ids = %v, want both files in one batch", retryAllIDs)
	}
	if len(result.Successful) != 2 {
		t.Fatalf("result = %+v, want both files successful in one batch", result)
	}
}

func TestPauseAllResumeAllTogglePerFileIsPaused(t *testing.T) {
	k := New(Options{})
	defer k.Close()

	gate := make(chan struct{})
	release := make(chan struct{})
	k.AddUploader(func(ctx context.Context, kern *Kernel, batchID string, fileIDs []string) error {
		close(gate)
		<-release
		return succeedingUploader(ctx, kern, batchID, fileIDs)
	})

	id, err := k.AddFile(NewFile{Source: "local", Name: "a.bin", Size: sizeOf(4), Data: memFile{data: []byte("abcd")}})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	// Mark it in-flight directly: the fake uploader above blocks before
	// touching Progress, so simulate "started" the way a real uploader would.
	f, _ := k.GetFile(id)
	now := fixedTime()
	f.Progress.UploadStarted = &now
	if err := k.SetFileState(f); err != nil {
		t.Fatalf("SetFileState: %v", err)
	}

	var pauseEvents []bool
	k.On("upload-pause", func(args ...any) {
		if len(args) > 1 {
			if v, ok := args[1].(bool); ok {
				pauseEvents = append(pauseEvents, v)
			}
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = k.Upload([]string{id})
	}()
	<-gate

	k.PauseAll()
	f, _ = k.GetFile(id)
	if !f.IsPaused {
		t.Fatalf("expected file isPaused=true after PauseAll")
	}

	k.ResumeAll()
	f, _ = k.GetFile(id)
	if f.IsPaused {
		t.Fatalf("expected file isPaused=false after ResumeAll")
	}

	close(release)
	<-done

	if len(pauseEvents) != 2 || pauseEvents[0] != true || pauseEvents[1] != false {
		t.Fatalf("pauseEvents = %v, want [true false]", pauseEvents)
	}
}

type fakePlugin struct {
	id          string
	typ         PluginType
	onUninstall func() error
}

func (p *fakePlugin) ID() string     { return p.id }
func (p *fakePlugin) Type() PluginType { return p.typ }
func (p *fakePlugin) Uninstall() error {
	if p.onUninstall != nil {
		return p.onUninstall()
	}
	return nil
}
