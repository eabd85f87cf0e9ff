// Package store holds the single reactive session state for an upload
// kernel and notifies subscribers of patches applied to it.
//
// It is a single-writer mapping: callers build a fully-formed replacement
// sub-object and hand it to SetState, which shallow-merges it at the top
// level and fans the (prev, next, patch) triple out to every subscriber.
// The store performs no deep diffing; subscribers must not assume
// reference equality of unchanged sub-trees, only that fields they did not
// touch are preserved across a SetState call that did not name them.
//
// Grounded on the single-writer-plus-listener shape of the
// Uploads/UploadStatusListener pairing, generalized from one listener to
// an arbitrary subscriber set.
package store

import "sync"

// Session is the full upload session state.
type Session struct {
	Files          map[string]FileRecord
	CurrentUploads map[string]BatchState
	AllowNewUpload bool
	Capabilities   Capabilities
	TotalProgress  int
	Meta           map[string]any
	Info           InfoMessage
	Plugins        map[string]any
}

// Capabilities describes what the currently installed uploader(s) support.
type Capabilities struct {
	UploadProgress        bool
	IndividualCancellation bool
	ResumableUploads      bool
}

// InfoMessage is the transient user-visible message slot.
type InfoMessage struct {
	IsHidden bool
	Type     string
	Message  string
	Details  string
}

// BatchState tracks one in-flight upload batch.
type BatchState struct {
	FileIDs []string
	Step    int
	Result  BatchResult
}

// BatchResult is the terminal outcome of a batch.
type BatchResult struct {
	Successful []string
	Failed     []string
	UploadID   string
}

// Patch is a partial Session: every non-nil/non-zero field shallow-replaces
// the corresponding field on the stored Session. Because Go zero values are
// ambiguous with "not set", Patch carries explicit "set" flags for scalar
// fields that have a meaningful zero value.
type Patch struct {
	Files          map[string]FileRecord
	FilesSet       bool
	CurrentUploads map[string]BatchState
	CurrentUploadsSet bool
	AllowNewUpload *bool
	Capabilities   *Capabilities
	TotalProgress  *int
	Meta           map[string]any
	MetaSet        bool
	Info           *InfoMessage
	Plugins        map[string]any
	PluginsSet     bool
}

// Listener is notified after every SetState call with the previous state,
// the new state, and the patch that produced it.
type Listener func(prev, next Session, patch Patch)

// Store is the single mutable session state plus its subscribers.
type Store struct {
	mu        sync.Mutex
	state     Session
	listeners map[int]Listener
	nextID    int
}

// New constructs an empty Store with sane zero-value session state.
func New() *Store {
	return &Store{
		state: Session{
			Files:          map[string]FileRecord{},
			CurrentUploads: map[string]BatchState{},
			Meta:           map[string]any{},
			Plugins:        map[string]any{},
			Capabilities: Capabilities{
				UploadProgress: true,
			},
		},
		listeners: map[int]Listener{},
	}
}

// GetState returns a snapshot of the current session. The returned value is
// a read-only contract: callers must not mutate the maps it contains.
func (s *Store) GetState() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState shallow-merges patch into the current state and delivers
// (prev, next, patch) to every subscriber, in subscription order.
func (s *Store) SetState(patch Patch) {
	s.mu.Lock()
	prev := s.state
	next := prev
	if patch.FilesSet {
		next.Files = patch.Files
	}
	if patch.CurrentUploadsSet {
		next.CurrentUploads = patch.CurrentUploads
	}
	if patch.AllowNewUpload != nil {
		next.AllowNewUpload = *patch.AllowNewUpload
	}
	if patch.Capabilities != nil {
		next.Capabilities = *patch.Capabilities
	}
	if patch.TotalProgress != nil {
		next.TotalProgress = *patch.TotalProgress
	}
	if patch.MetaSet {
		next.Meta = patch.Meta
	}
	if patch.Info != nil {
		next.Info = *patch.Info
	}
	if patch.PluginsSet {
		next.Plugins = patch.Plugins
	}
	s.state = next

	listeners := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(prev, next, patch)
	}
}

// Subscribe registers a listener and returns a function that unsubscribes
// it. Unsubscribe is idempotent.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
