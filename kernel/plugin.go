package kernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/kanto-io/uploadkit/store"
)

// PluginType classifies what role a plugin plays. UploadCustomizer
// (client/uploadable.go) conflates all of these into one
// DoTrigger/HandleOperation/OnTick god-interface; here each role gets its
// own narrow interface so a plugin only implements what it needs.
type PluginType string

const (
	PluginAcquirer     PluginType = "acquirer"
	PluginPreprocessor PluginType = "preprocessor"
	PluginUploader     PluginType = "uploader"
	PluginPostprocessor PluginType = "postprocessor"
	PluginUI           PluginType = "ui"
	PluginModifier     PluginType = "modifier"
)

// Plugin is the minimal contract every installed plugin satisfies.
type Plugin interface {
	ID() string
	Type() PluginType
}

// Installer is invoked once when a plugin is registered via Kernel.Use.
// Plugins that contribute pipeline stages call AddPreProcessor/AddUploader/
// AddPostProcessor from within Install.
type Installer interface {
	Install(k *Kernel) error
}

// Uninstaller is invoked when a plugin is removed via RemovePlugin.
type Uninstaller interface {
	Uninstall() error
}

// Mounter is notified once, after Install, that the kernel is ready
// (mirrors PeriodicExecutor's gated "don't tick before the connection
// handshake completed" mount ordering).
type Mounter interface {
	OnMount()
}

// Updater receives every state transition after mounting. UI-shaped
// plugins use this to re-render; non-UI plugins usually don't implement it.
type Updater interface {
	Update(prev, next store.Session)
}

// StageFunc is one pipeline stage's unit of work for a batch: process the
// named files (already admitted to the session) and report completion via
// the returned error. A nil error marks every file in fileIDs as having
// passed this stage; a non-nil error fails the whole stage for this batch.
type StageFunc func(ctx context.Context, k *Kernel, batchID string, fileIDs []string) error

// PluginConstructor builds a Plugin bound to k, given caller-supplied
// options whose concrete type the constructor knows how to assert.
type PluginConstructor func(k *Kernel, opts any) (Plugin, error)

// Use constructs and registers a plugin, calling Install (if implemented)
// and OnMount (if implemented) in that order. Registration fails and no
// side effect is left behind if Install returns an error.
func (k *Kernel) Use(ctor PluginConstructor, opts any) (Plugin, error) {
	p, err := ctor(k, opts)
	if err != nil {
		return nil, err
	}

	k.pluginsMu.Lock()
	if _, exists := k.plugins[p.ID()]; exists {
		k.pluginsMu.Unlock()
		return nil, fmt.Errorf("kernel: plugin %q already installed", p.ID())
	}
	k.pluginsMu.Unlock()

	if installer, ok := p.(Installer); ok {
		if err := installer.Install(k); err != nil {
			return nil, fmt.Errorf("kernel: install plugin %q: %w", p.ID(), err)
		}
	}

	k.pluginsMu.Lock()
	k.plugins[p.ID()] = p
	k.pluginsByType[p.Type()] = append(k.pluginsByType[p.Type()], p)
	k.pluginsMu.Unlock()

	if mounter, ok := p.(Mounter); ok {
		mounter.OnMount()
	}

	k.bus.Emit("plugin-added", p)
	return p, nil
}

// GetPlugin looks up an installed plugin by id.
func (k *Kernel) GetPlugin(id string) (Plugin, bool) {
	k.pluginsMu.Lock()
	defer k.pluginsMu.Unlock()
	p, ok := k.plugins[id]
	return p, ok
}

// RemovePlugin uninstalls and deregisters a plugin. It is a no-op if the
// id is not currently installed.
func (k *Kernel) RemovePlugin(id string) error {
	k.pluginsMu.Lock()
	p, ok := k.plugins[id]
	if !ok {
		k.pluginsMu.Unlock()
		return nil
	}
	delete(k.plugins, id)
	byType := k.pluginsByType[p.Type()]
	for i, other := range byType {
		if other.ID() == id {
			k.pluginsByType[p.Type()] = append(byType[:i], byType[i+1:]...)
			break
		}
	}
	k.pluginsMu.Unlock()

	if uninstaller, ok := p.(Uninstaller); ok {
		if err := uninstaller.Uninstall(); err != nil {
			return fmt.Errorf("kernel: uninstall plugin %q: %w", id, err)
		}
	}
	k.bus.Emit("plugin-removed", p)
	return nil
}

// IteratePlugins calls fn for every installed plugin of the given type, in
// registration order. Passing "" iterates every plugin regardless of type.
func (k *Kernel) IteratePlugins(t PluginType, fn func(Plugin)) {
	k.pluginsMu.Lock()
	var list []Plugin
	if t == "" {
		list = make([]Plugin, 0, len(k.plugins))
		for _, p := range k.plugins {
			list = append(list, p)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	} else {
		list = append(list, k.pluginsByType[t]...)
	}
	k.pluginsMu.Unlock()

	for _, p := range list {
		fn(p)
	}
}

// notifyUpdaters fans a state transition out to every plugin implementing
// Updater. Called by the store subscription installed in New (kernel.go).
func (k *Kernel) notifyUpdaters(prev, next store.Session) {
	k.IteratePlugins("", func(p Plugin) {
		if u, ok := p.(Updater); ok {
			u.Update(prev, next)
		}
	})
}

// AddPreProcessor registers a pipeline stage run before any uploader stage.
// Called by preprocessor plugins from within Install.
func (k *Kernel) AddPreProcessor(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.preProcessors = append(k.preProcessors, fn)
}

// RemovePreProcessor is a best-effort removal: StageFunc values are not
// comparable, so stages are matched by their underlying code pointer and the
// first match is removed. A fresh method value such as u.Stage therefore
// matches the one registered earlier, but so does any other closure or
// method value built from the same function, including one bound to a
// different receiver.
func (k *Kernel) RemovePreProcessor(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.preProcessors = removeStage(k.preProcessors, fn)
}

// AddUploader registers a pipeline stage that performs the actual transfer.
func (k *Kernel) AddUploader(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.uploaders = append(k.uploaders, fn)
}

// RemoveUploader removes a previously registered uploader stage (see
// RemovePreProcessor's caveat on func comparability).
func (k *Kernel) RemoveUploader(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.uploaders = removeStage(k.uploaders, fn)
}

// AddPostProcessor registers a pipeline stage run after every uploader stage
// completes for a batch.
func (k *Kernel) AddPostProcessor(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.postProcessors = append(k.postProcessors, fn)
}

// RemovePostProcessor removes a previously registered postprocessor stage.
func (k *Kernel) RemovePostProcessor(fn StageFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.postProcessors = removeStage(k.postProcessors, fn)
}

func removeStage(stages []StageFunc, target StageFunc) []StageFunc {
	out := stages[:0:0]
	matched := false
	for _, s := range stages {
		if !matched && fmt.Sprintf("%p", s) == fmt.Sprintf("%p", target) {
			matched = true
			continue
		}
		out = append(out, s)
	}
	return out
}
