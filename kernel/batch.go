package kernel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kanto-io/uploadkit/store"
)

// stageKind names the three pipeline phases, used only for log/error
// messages and the per-file StageProgress slot a stage touches.
type stageKind int

const (
	stagePreprocess stageKind = iota
	stageUpload
	stagePostprocess
)

func (s stageKind) String() string {
	switch s {
	case stagePreprocess:
		return "preprocess"
	case stageUpload:
		return "upload"
	case stagePostprocess:
		return "postprocess"
	default:
		return "unknown"
	}
}

type runningBatch struct {
	cancel context.CancelFunc
}

// Upload validates and runs a batch of already-admitted files through the
// preprocessor -> uploader -> postprocessor pipeline, blocking until the
// batch finishes, fails, or is cancelled.
//
// Grounded on MultiUpload/SingleUpload's parent/child bookkeeping
// (client/uploads.go): where that hardcodes two stages (the HTTP POST and
// its completion bookkeeping), runUpload here walks an arbitrary number of
// registered stage slots, persisting which stage index a batch has reached
// so a caller can later Restore() a batch that was interrupted mid-flight.
func (k *Kernel) Upload(fileIDs []string) (store.BatchResult, error) {
	batchID, err := k.createUpload(fileIDs)
	if err != nil {
		return store.BatchResult{}, err
	}
	return k.runUpload(batchID)
}

func (k *Kernel) createUpload(fileIDs []string) (string, error) {
	k.mu.Lock()

	state := k.store.GetState()

	if !state.AllowNewUpload && !k.opts.AllowMultipleUploads {
		k.mu.Unlock()
		return "", fmt.Errorf("kernel: an upload is already in progress")
	}

	if err := k.restrictions.CheckMinCount(len(fileIDs)); err != nil {
		k.mu.Unlock()
		k.showInfo("error", k.restrictionMessage(err), "", k.opts.InfoDuration)
		k.bus.Emit("restriction-failed", nil, err)
		return "", err
	}

	files := state.Files
	if k.opts.OnBeforeUpload != nil {
		rewritten, err := k.opts.OnBeforeUpload(state.Files)
		if err != nil {
			k.mu.Unlock()
			return "", err
		}
		files = rewritten
	}

	effective := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if _, ok := files[id]; ok {
			effective = append(effective, id)
		}
	}

	batchID := uuid.NewString()

	currentUploads := make(map[string]store.BatchState, len(state.CurrentUploads)+1)
	for id, b := range state.CurrentUploads {
		currentUploads[id] = b
	}
	currentUploads[batchID] = store.BatchState{FileIDs: effective, Step: 0}

	allowNew := k.opts.AllowMultipleUploads
	k.store.SetState(store.Patch{
		CurrentUploadsSet: true, CurrentUploads: currentUploads,
		AllowNewUpload: boolPtr(allowNew),
	})
	k.mu.Unlock()

	k.bus.Emit("upload", batchID, effective)
	return batchID, nil
}

// runUpload advances batchID through every registered stage in order,
// persisting Step after each stage completes, until all stages are done or
// one fails/is cancelled.
func (k *Kernel) runUpload(batchID string) (store.BatchResult, error) {
	ctx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	if k.batches == nil {
		k.batches = map[string]*runningBatch{}
	}
	k.batches[batchID] = &runningBatch{cancel: cancel}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.batches, batchID)
		k.mu.Unlock()
		cancel()
	}()

	stages := []struct {
		kind  stageKind
		funcs []StageFunc
	}{
		{stagePreprocess, k.snapshotStages(stagePreprocess)},
		{stageUpload, k.snapshotStages(stageUpload)},
		{stagePostprocess, k.snapshotStages(stagePostprocess)},
	}

	for stepIdx, stage := range stages {
		state, ok := k.batchState(batchID)
		if !ok {
			// batch was cancelled/removed concurrently; drop the late stage
			// silently rather than reporting a spurious failure.
			return store.BatchResult{}, context.Canceled
		}
		if state.Step > stepIdx {
			continue // already completed this stage (Restore resuming mid-pipeline)
		}

		for _, fn := range stage.funcs {
			if err := k.waitIfPaused(ctx); err != nil {
				return k.failBatch(batchID, state.FileIDs, err)
			}
			if err := fn(ctx, k, batchID, state.FileIDs); err != nil {
				return k.failBatch(batchID, state.FileIDs, fmt.Errorf("kernel: %s stage: %w", stage.kind, err))
			}
		}

		if _, ok := k.batchState(batchID); !ok {
			return store.BatchResult{}, context.Canceled
		}
		k.advanceStep(batchID, stepIdx+1)
	}

	return k.completeBatch(batchID)
}

func (k *Kernel) snapshotStages(kind stageKind) []StageFunc {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch kind {
	case stagePreprocess:
		out := make([]StageFunc, len(k.preProcessors))
		copy(out, k.preProcessors)
		return out
	case stageUpload:
		out := make([]StageFunc, len(k.uploaders))
		copy(out, k.uploaders)
		return out
	default:
		out := make([]StageFunc, len(k.postProcessors))
		copy(out, k.postProcessors)
		return out
	}
}

func (k *Kernel) batchState(batchID string) (store.BatchState, bool) {
	state := k.store.GetState()
	b, ok := state.CurrentUploads[batchID]
	return b, ok
}

func (k *Kernel) advanceStep(batchID string, step int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	state := k.store.GetState()
	b, ok := state.CurrentUploads[batchID]
	if !ok {
		return
	}
	b.Step = step
	uploads := cloneBatches(state.CurrentUploads)
	uploads[batchID] = b
	k.store.SetState(store.Patch{CurrentUploadsSet: true, CurrentUploads: uploads})
}

func (k *Kernel) failBatch(batchID string, fileIDs []string, cause error) (store.BatchResult, error) {
	k.mu.Lock()
	state := k.store.GetState()
	b, ok := state.CurrentUploads[batchID]
	if ok {
		b.Result = store.BatchResult{Failed: fileIDs, UploadID: batchID}
		uploads := cloneBatches(state.CurrentUploads)
		uploads[batchID] = b
		k.store.SetState(store.Patch{CurrentUploadsSet: true, CurrentUploads: uploads, AllowNewUpload: boolPtr(true)})
	}
	k.mu.Unlock()

	k.bus.Emit("error", batchID, cause)
	return store.BatchResult{Failed: fileIDs, UploadID: batchID}, cause
}

func (k *Kernel) completeBatch(batchID string) (store.BatchResult, error) {
	k.mu.Lock()
	state := k.store.GetState()
	b, ok := state.CurrentUploads[batchID]
	if !ok {
		k.mu.Unlock()
		return store.BatchResult{}, context.Canceled
	}

	var successful []string
	for _, id := range b.FileIDs {
		if f, ok := state.Files[id]; ok && f.Err == nil {
			successful = append(successful, id)
		}
	}
	result := store.BatchResult{Successful: successful, UploadID: batchID}
	b.Result = result

	uploads := cloneBatches(state.CurrentUploads)
	uploads[batchID] = b
	k.store.SetState(store.Patch{CurrentUploadsSet: true, CurrentUploads: uploads, AllowNewUpload: boolPtr(true)})
	k.mu.Unlock()

	k.bus.Emit("complete", batchID, result)
	return result, nil
}

func cloneBatches(m map[string]store.BatchState) map[string]store.BatchState {
	out := make(map[string]store.BatchState, len(m))
	for id, b := range m {
		out[id] = b
	}
	return out
}

// Restore resumes a batch whose Step was persisted by a prior runUpload
// call that did not reach completion (e.g. the process restarted). It does
// not attempt to restore per-file bytesUploaded progress; affected files
// restart their current stage from zero, per the upload-retry semantics
// documented for RetryUpload.
func (k *Kernel) Restore(batchID string) (store.BatchResult, error) {
	if _, ok := k.batchState(batchID); !ok {
		return store.BatchResult{}, fmt.Errorf("kernel: no such batch %q", batchID)
	}
	return k.runUpload(batchID)
}

// RetryUpload clears fileID's error and pause state and runs it as a fresh
// single-file batch, getting its own new batch id rather than resuming
// whichever batch it originally failed in. It does not restore previous
// bytesUploaded.
func (k *Kernel) RetryUpload(fileID string) (store.BatchResult, error) {
	k.mu.Lock()
	state := k.store.GetState()
	f, ok := state.Files[fileID]
	if !ok {
		k.mu.Unlock()
		return store.BatchResult{}, fmt.Errorf("kernel: no such file %q", fileID)
	}
	f.Err = nil
	f.IsPaused = false
	f.Progress = store.FileProgress{}
	k.replaceFile(f)
	k.mu.Unlock()

	batchID, err := k.createUpload([]string{fileID})
	if err != nil {
		return store.BatchResult{}, err
	}
	k.bus.Emit("upload-retry", fileID)
	return k.runUpload(batchID)
}

// RetryAll collects every file with a pending error across the whole
// session into one new batch, clears their errors, and runs that single
// batch. It is a no-op returning a zero BatchResult if nothing has failed.
func (k *Kernel) RetryAll() (store.BatchResult, error) {
	k.mu.Lock()
	state := k.store.GetState()
	var ids []string
	files := make(map[string]store.FileRecord, len(state.Files))
	for id, f := range state.Files {
		if f.Err != nil {
			f.Err = nil
			f.IsPaused = false
			f.Progress = store.FileProgress{}
			ids = append(ids, id)
		}
		files[id] = f
	}
	if len(ids) == 0 {
		k.mu.Unlock()
		return store.BatchResult{}, nil
	}
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	k.mu.Unlock()

	batchID, err := k.createUpload(ids)
	if err != nil {
		return store.BatchResult{}, err
	}
	k.bus.Emit("retry-all", ids)
	return k.runUpload(batchID)
}

// CancelAll cancels every batch currently running and clears CurrentUploads.
func (k *Kernel) CancelAll() {
	k.mu.Lock()
	for _, b := range k.batches {
		b.cancel()
	}
	k.store.SetState(store.Patch{
		CurrentUploadsSet: true, CurrentUploads: map[string]store.BatchState{},
		AllowNewUpload: boolPtr(true),
	})
	k.mu.Unlock()

	k.bus.Emit("cancel-all")
}

// PauseAll marks the kernel paused; running batches observe this before
// their next stage function via waitIfPaused and block until ResumeAll or
// the batch context is cancelled. A stage function already running is not
// interrupted. Every file still in flight (uploadStarted, not yet complete)
// has isPaused set and gets its own upload-pause event.
func (k *Kernel) PauseAll() {
	k.mu.Lock()
	if k.paused {
		k.mu.Unlock()
		return
	}
	k.paused = true
	k.pauseGate = make(chan struct{})

	state := k.store.GetState()
	files := make(map[string]store.FileRecord, len(state.Files))
	var paused []string
	for id, f := range state.Files {
		if f.InProgress() {
			f.IsPaused = true
			paused = append(paused, id)
		}
		files[id] = f
	}
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	k.mu.Unlock()

	k.bus.Emit("pause-all")
	for _, id := range paused {
		k.bus.Emit("upload-pause", id, true)
	}
}

// ResumeAll releases any stage blocked in waitIfPaused and clears isPaused
// on every file PauseAll had paused, each with its own upload-pause event.
func (k *Kernel) ResumeAll() {
	k.mu.Lock()
	if !k.paused {
		k.mu.Unlock()
		return
	}
	k.paused = false
	close(k.pauseGate)

	state := k.store.GetState()
	files := make(map[string]store.FileRecord, len(state.Files))
	var resumed []string
	for id, f := range state.Files {
		if f.IsPaused {
			f.IsPaused = false
			resumed = append(resumed, id)
		}
		files[id] = f
	}
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	k.mu.Unlock()

	k.bus.Emit("resume-all")
	for _, id := range resumed {
		k.bus.Emit("upload-pause", id, false)
	}
}

// PauseResume toggles between PauseAll and ResumeAll.
func (k *Kernel) PauseResume() {
	k.mu.Lock()
	paused := k.paused
	k.mu.Unlock()
	if paused {
		k.ResumeAll()
	} else {
		k.PauseAll()
	}
}

func (k *Kernel) waitIfPaused(ctx context.Context) error {
	k.mu.Lock()
	gate := k.pauseGate
	paused := k.paused
	k.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
