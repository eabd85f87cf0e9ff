package store

import "time"

// FileRecord is the immutable-identity, mutable-progress record for one
// file admitted into a session. The core never inspects Data; it is an
// opaque handle (typically an *os.File or a bytes.Reader wrapper) that
// uploaders read from.
type FileRecord struct {
	ID     string
	Source string

	Name      string
	Extension string
	Type      string // MIME

	Data FileData
	Size *int64 // nil = unknown

	Meta map[string]any

	Progress FileProgress

	IsPaused bool
	Err      error
	Response *UploadResponse
	UploadURL string

	IsRemote bool
	Remote   *RemoteDescriptor
}

// FileData is the minimal read contract the core requires of a file's
// payload. Concrete uploaders may type-assert for io.ReaderAt/io.Seeker
// when they need random access (e.g. to recompute a checksum).
type FileData interface {
	Open() (ReadCloser, error)
}

// ReadCloser is satisfied by *os.File and friends.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// FileProgress tracks a file's upload lifecycle.
type FileProgress struct {
	Percentage     int
	BytesUploaded  int64
	BytesTotal     int64
	UploadStarted  *time.Time
	UploadComplete bool
	Preprocess     *StageProgress
	Postprocess    *StageProgress
}

// StageProgress marks whether a preprocess/postprocess stage touched a file.
type StageProgress struct {
	Mode string // e.g. "determinate", "indeterminate"
	Value int
}

// UploadResponse is the raw result of a successful upload.
type UploadResponse struct {
	Status int
	Body   map[string]any
}

// RemoteDescriptor describes a server-assisted (companion) upload target.
type RemoteDescriptor struct {
	URL             string
	Body            map[string]any
	ProviderOptions map[string]any
	CompanionURL    string
}

// InProgress reports whether the file has started but not finished
// uploading — the set used by the progress aggregator and by
// pause/resume/cancel bookkeeping.
func (f FileRecord) InProgress() bool {
	return f.Progress.UploadStarted != nil && !f.Progress.UploadComplete
}
