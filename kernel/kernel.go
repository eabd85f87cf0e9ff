// Package kernel implements the upload coordinator: a plugin-host kernel
// wrapping a reactive state store and an event bus, and a pipeline
// coordinator that advances upload batches through preprocessor, uploader,
// and postprocessor stages.
//
// It is the Go-native restatement of AutoUploadable (client/uploadable.go)
// and Uploads/MultiUpload/SingleUpload (client/uploads.go): where those
// wire one fixed customizer and one fixed two-level upload tree to an
// MQTT/Ditto twin, Kernel wires an arbitrary number of typed plugins to an
// arbitrary number of concurrent, N-stage batches.
package kernel

import (
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/kanto-io/uploadkit/bus"
	"github.com/kanto-io/uploadkit/fileid"
	"github.com/kanto-io/uploadkit/i18n"
	"github.com/kanto-io/uploadkit/progress"
	"github.com/kanto-io/uploadkit/restriction"
	"github.com/kanto-io/uploadkit/store"
)

// Logger is the minimal logging contract the kernel depends on, matching
// the logger package's method set (Debugf/Infof/Warnf/Errorf) so a
// *logger.Logger can be wired in as-is.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// BeforeFileAddedFunc may rewrite or reject a file before it is admitted.
// Returning a non-nil error rejects the add.
type BeforeFileAddedFunc func(candidate store.FileRecord, existing map[string]store.FileRecord) (store.FileRecord, error)

// BeforeUploadFunc may rewrite the effective file set for an upload() call,
// or reject the call outright by returning a non-nil error.
type BeforeUploadFunc func(files map[string]store.FileRecord) (map[string]store.FileRecord, error)

// Options configures a Kernel.
type Options struct {
	ID                    string
	AutoProceed           bool
	AllowMultipleUploads  bool
	Debug                 bool
	Logger                Logger
	Restrictions          restriction.Policy
	Meta                  map[string]any
	OnBeforeFileAdded     BeforeFileAddedFunc
	OnBeforeUpload        BeforeUploadFunc
	Translator            *i18n.Translator
	InfoDuration          time.Duration // default hide delay for info messages
}

func (o *Options) withDefaults() {
	if o.ID == "" {
		o.ID = "uploadkit"
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.InfoDuration == 0 {
		o.InfoDuration = 3 * time.Second
	}
	if o.Translator == nil {
		o.Translator = defaultTranslator()
	}
}

// defaultTranslator supplies the English restriction-message templates the
// kernel's restriction.Evaluator used to hardcode, as the base layer of a
// caller's translator stack. A caller passing its own Translator in Options
// replaces this one wholesale; it is not layered underneath a supplied one.
func defaultTranslator() *i18n.Translator {
	return i18n.New(i18n.Dictionary{
		Locale: language.English,
		Strings: map[string]any{
			"restriction.maxNumberOfFiles": "You can only upload %{maxNumberOfFiles} file(s)",
			"restriction.maxFileSize":      "This file exceeds maximum allowed size of %{maxFileSize} bytes",
			"restriction.allowedFileTypes": "You can only upload: %{types}",
			"restriction.minNumberOfFiles": "You have to select at least %{minNumberOfFiles} file(s)",
		},
	})
}

// Kernel is the upload coordinator: state store + event bus + plugin
// registry + pipeline coordinator.
type Kernel struct {
	opts Options

	store *store.Store
	bus   *bus.Bus

	restrictions *restriction.Evaluator

	mu sync.Mutex // serializes multi-step operations spanning several store reads/writes

	pluginsMu     sync.Mutex // separate from mu: notifyUpdaters runs from inside a SetState call that may already hold mu
	plugins       map[string]Plugin
	pluginsByType map[PluginType][]Plugin

	preProcessors  []StageFunc
	uploaders      []StageFunc
	postProcessors []StageFunc

	progressThrottle *progress.Throttle

	autoProceedTimer *time.Timer

	infoTimer *time.Timer

	batches map[string]*runningBatch

	paused    bool
	pauseGate chan struct{}

	closed bool
}

// New constructs a Kernel with the given options.
func New(opts Options) *Kernel {
	opts.withDefaults()

	k := &Kernel{
		opts:          opts,
		store:         store.New(),
		bus:           bus.New(),
		restrictions:  restriction.New(opts.Restrictions),
		plugins:       map[string]Plugin{},
		pluginsByType: map[PluginType][]Plugin{},
	}

	k.store.SetState(store.Patch{
		MetaSet: true,
		Meta:    cloneMeta(opts.Meta),
		AllowNewUpload: boolPtr(true),
	})

	k.progressThrottle = progress.NewThrottle(500*time.Millisecond, k.recomputeProgress)

	k.store.Subscribe(func(prev, next store.Session, patch store.Patch) {
		k.notifyUpdaters(prev, next)
		k.bus.Emit("state-update", prev, next, patch)
	})

	return k
}

func boolPtr(b bool) *bool { return &b }

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetState returns a snapshot of the session state.
func (k *Kernel) GetState() store.Session { return k.store.GetState() }

// SetState shallow-merges patch into the session state.
func (k *Kernel) SetState(patch store.Patch) { k.store.SetState(patch) }

// Subscribe registers a raw state-change listener (used by plugin mounting;
// most callers should use On("state-update", ...) instead).
func (k *Kernel) Subscribe(l store.Listener) (unsubscribe func()) {
	return k.store.Subscribe(l)
}

// On, Off, Once, Emit delegate to the kernel's event bus.
func (k *Kernel) On(event string, fn bus.Handler) (off func())  { return k.bus.On(event, fn) }
func (k *Kernel) Once(event string, fn bus.Handler) (off func()) { return k.bus.Once(event, fn) }
func (k *Kernel) Off(event string, fn bus.Handler)               { k.bus.Off(event, fn) }
func (k *Kernel) Emit(event string, args ...any)                 { k.bus.Emit(event, args...) }

// ID returns the kernel's configured id, used to namespace storage keys by
// collaborators such as the companion client's token store.
func (k *Kernel) ID() string { return k.opts.ID }

// Logger returns the configured logger.
func (k *Kernel) Logger() Logger { return k.opts.Logger }

// Translator returns the configured translator; when Options.Translator was
// nil, this is the default translator installed by withDefaults.
func (k *Kernel) Translator() *i18n.Translator { return k.opts.Translator }

// SetMeta merges obj into session-wide meta, which is copied into every
// subsequently-added file.
func (k *Kernel) SetMeta(obj map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	state := k.store.GetState()
	merged := cloneMeta(state.Meta)
	for key, v := range obj {
		merged[key] = v
	}
	k.store.SetState(store.Patch{MetaSet: true, Meta: merged})
}

// SetFileMeta merges obj into one file's meta. Panics-free on an unknown
// id; it is a no-op if the file does not exist (removeFile()∘removeFile()
// style idempotence for meta mutation on a file that is already gone is
// intentionally not an error case the caller must special-case, unlike
// setFileState — see SetFileState's doc comment for the asymmetry).
func (k *Kernel) SetFileMeta(id string, obj map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	state := k.store.GetState()
	f, ok := state.Files[id]
	if !ok {
		return
	}
	merged := cloneMeta(f.Meta)
	for key, v := range obj {
		merged[key] = v
	}
	f.Meta = merged
	k.replaceFile(f)
}

// ResetProgress clears per-file and aggregate progress without touching
// file identity, errors, or pause state.
func (k *Kernel) ResetProgress() {
	k.mu.Lock()
	defer k.mu.Unlock()

	state := k.store.GetState()
	files := make(map[string]store.FileRecord, len(state.Files))
	for id, f := range state.Files {
		f.Progress = store.FileProgress{}
		files[id] = f
	}
	zero := 0
	k.store.SetState(store.Patch{FilesSet: true, Files: files, TotalProgress: &zero})
}

// Close tears down timers. It does not cancel in-flight uploads; call
// CancelAll first if that is desired.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	if k.autoProceedTimer != nil {
		k.autoProceedTimer.Stop()
	}
	if k.infoTimer != nil {
		k.infoTimer.Stop()
	}
	k.progressThrottle.Stop()
}

// showInfo publishes a user-visible message and schedules it to auto-hide
// after duration (0 disables auto-hide).
func (k *Kernel) showInfo(msgType, message, details string, duration time.Duration) {
	info := store.InfoMessage{IsHidden: false, Type: msgType, Message: message, Details: details}
	k.store.SetState(store.Patch{Info: &info})
	k.bus.Emit("info-visible")

	if k.infoTimer != nil {
		k.infoTimer.Stop()
	}
	if duration > 0 {
		k.infoTimer = time.AfterFunc(duration, k.hideInfo)
	}
}

// restrictionMessage renders a restriction failure through the configured
// Translator, falling back to err's own English Message when err isn't a
// *restriction.Error, the translator is unset, or the key resolves to
// nothing in every dictionary layer.
func (k *Kernel) restrictionMessage(err error) string {
	rerr, ok := err.(*restriction.Error)
	if !ok {
		return err.Error()
	}
	if k.opts.Translator == nil || rerr.Key == "" {
		return rerr.Message
	}
	opts := make(i18n.Options, len(rerr.Params))
	for key, v := range rerr.Params {
		opts[key] = v
	}
	if msg := k.opts.Translator.Translate(rerr.Key, opts); msg != "" {
		return msg
	}
	return rerr.Message
}

func (k *Kernel) hideInfo() {
	state := k.store.GetState()
	hidden := state.Info
	hidden.IsHidden = true
	k.store.SetState(store.Patch{Info: &hidden})
	k.bus.Emit("info-hidden")
}

// fileIDFor resolves a candidate descriptor's deterministic id.
func fileIDFor(d fileid.Descriptor) string {
	return fileid.Generate(d)
}
