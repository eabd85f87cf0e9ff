package kernel

import (
	"fmt"
	"time"

	"github.com/kanto-io/uploadkit/fileid"
	"github.com/kanto-io/uploadkit/progress"
	"github.com/kanto-io/uploadkit/restriction"
	"github.com/kanto-io/uploadkit/store"
)

// NewFile is the caller-supplied descriptor for a file being added,
// mirroring the fields an acquirer plugin knows about a file at discovery
// time.
type NewFile struct {
	Source       string
	Name         string
	Type         string // declared MIME type, may be empty
	Size         *int64
	LastModified *time.Time
	Data         store.FileData
	Meta         map[string]any
	IsRemote     bool
	Remote       *store.RemoteDescriptor
}

// AddFile admits one file into the session after running it through
// OnBeforeFileAdded (if configured) and the restriction evaluator. It
// returns the assigned file id.
func (k *Kernel) AddFile(nf NewFile) (string, error) {
	k.mu.Lock()

	state := k.store.GetState()

	name, extension, mimeType := fileid.Resolve(fileid.Descriptor{
		Source: nf.Source, Name: nf.Name, DeclaredType: nf.Type,
		Size: nf.Size, LastModified: nf.LastModified, IsRemote: nf.IsRemote,
	})
	id := fileIDFor(fileid.Descriptor{
		Source: nf.Source, Name: nf.Name, DeclaredType: nf.Type,
		Size: nf.Size, LastModified: nf.LastModified, IsRemote: nf.IsRemote,
	})

	meta := cloneMeta(state.Meta)
	for key, v := range nf.Meta {
		meta[key] = v
	}

	rec := store.FileRecord{
		ID: id, Source: nf.Source,
		Name: name, Extension: extension, Type: mimeType,
		Data: nf.Data, Size: nf.Size, Meta: meta,
		IsRemote: nf.IsRemote, Remote: nf.Remote,
	}

	if k.opts.OnBeforeFileAdded != nil {
		rewritten, err := k.opts.OnBeforeFileAdded(rec, state.Files)
		if err != nil {
			k.mu.Unlock()
			return "", err
		}
		rewritten.ID = id
		rec = rewritten
	}

	if err := k.restrictions.CheckFile(restriction.CandidateFile{
		Name: rec.Name, Type: rec.Type, Size: rec.Size,
	}, len(state.Files)); err != nil {
		k.mu.Unlock()
		k.showInfo("error", k.restrictionMessage(err), "", k.opts.InfoDuration)
		k.bus.Emit("restriction-failed", rec, err)
		return "", err
	}

	files := make(map[string]store.FileRecord, len(state.Files)+1)
	for k2, v := range state.Files {
		files[k2] = v
	}
	files[id] = rec
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	if k.opts.AutoProceed {
		k.scheduleAutoProceed()
	}
	k.mu.Unlock()

	k.bus.Emit("file-added", rec)
	return id, nil
}

// scheduleAutoProceed debounces automatic upload start: every AddFile call
// while AutoProceed is enabled (re)arms a short timer, so a burst of adds
// (e.g. a drag-and-drop of many files, or a watchdir acquirer noticing
// several files at once) starts one batch instead of one per file. Must be
// called with k.mu held.
func (k *Kernel) scheduleAutoProceed() {
	if k.autoProceedTimer != nil {
		k.autoProceedTimer.Stop()
	}
	k.autoProceedTimer = time.AfterFunc(200*time.Millisecond, k.runAutoProceed)
}

func (k *Kernel) runAutoProceed() {
	state := k.GetState()
	if !state.AllowNewUpload {
		return
	}
	var pending []string
	for id, f := range state.Files {
		if f.Progress.UploadStarted == nil && f.Err == nil {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return
	}
	_, _ = k.Upload(pending)
}

// RemoveFile drops one file from the session. It is a no-op if id is
// already absent. Removing a file that belongs to an in-flight batch does
// not retroactively shrink that batch's FileIDs; the batch simply completes
// without ever seeing a record for it.
func (k *Kernel) RemoveFile(id string) {
	k.mu.Lock()

	state := k.store.GetState()
	if _, ok := state.Files[id]; !ok {
		k.mu.Unlock()
		return
	}
	files := make(map[string]store.FileRecord, len(state.Files))
	for k2, v := range state.Files {
		if k2 != id {
			files[k2] = v
		}
	}
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	k.mu.Unlock()

	k.bus.Emit("file-removed", id)
}

// GetFile returns one file record by id.
func (k *Kernel) GetFile(id string) (store.FileRecord, bool) {
	state := k.store.GetState()
	f, ok := state.Files[id]
	return f, ok
}

// GetFiles returns every admitted file record.
func (k *Kernel) GetFiles() map[string]store.FileRecord {
	return k.store.GetState().Files
}

// SetFileState shallow-merges a FileRecord mutation for id. The caller must
// read the current record via GetFile first and mutate a copy; this
// enforces "the id must already exist" as an explicit error, asymmetric
// with SetFileMeta's silent no-op (mutating a vanished file's progress is a
// pipeline bug worth surfacing; adding late meta to a vanished file is
// harmless and common when a postprocessor races a user-initiated remove).
func (k *Kernel) SetFileState(updated store.FileRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	state := k.store.GetState()
	if _, ok := state.Files[updated.ID]; !ok {
		return fmt.Errorf("kernel: no such file %q", updated.ID)
	}
	k.replaceFile(updated)
	return nil
}

// replaceFile must be called with k.mu held.
func (k *Kernel) replaceFile(updated store.FileRecord) {
	state := k.store.GetState()
	files := make(map[string]store.FileRecord, len(state.Files))
	for id, f := range state.Files {
		files[id] = f
	}
	files[updated.ID] = updated
	k.store.SetState(store.Patch{FilesSet: true, Files: files})
	k.progressThrottle.Trigger()
}

// recomputeProgress recalculates TotalProgress from every in-progress file
// and publishes it, throttled by k.progressThrottle.
func (k *Kernel) recomputeProgress() {
	state := k.store.GetState()
	states := make([]progress.FileState, 0, len(state.Files))
	for _, f := range state.Files {
		hasSize := f.Size != nil
		var total int64
		if hasSize {
			total = *f.Size
		}
		states = append(states, progress.FileState{
			ID:            f.ID,
			BytesUploaded: f.Progress.BytesUploaded,
			BytesTotal:    total,
			HasSize:       hasSize,
			InProgress:    f.InProgress(),
		})
	}
	total := progress.Aggregate(states)
	k.store.SetState(store.Patch{TotalProgress: &total})
	k.bus.Emit("progress", total)
}
