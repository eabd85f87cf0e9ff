// Package progress converts per-file byte progress into a single aggregate
// percentage, blending files whose total size is known ("sized") with
// files whose size is not ("unsized").
//
// The blending formula is a direct generalization of the byte-weighted
// percentage math in MultiUpload.changeProgress/uploadFinished
// (client/uploads.go): there, a single multi-file batch tracks
// totalBytesTransferred/totalSizeBytes and falls back to a file-count-based
// percentage when sizes aren't available (fineGrainedUploadProgressNotSupported).
// Here that same blend is generalized to a mix of sized and unsized files
// within one in-progress set, and pulled out so it can be shared across
// many concurrent batches.
package progress

import (
	"math"
	"sync"
	"time"
)

// FileState is the subset of a file record the aggregator needs.
type FileState struct {
	ID            string
	BytesUploaded int64
	BytesTotal    int64 // 0 or unknown handled the same as "unsized"
	HasSize       bool
	InProgress    bool // uploadStarted != nil && !uploadComplete
}

// FilePercentage returns a single file's percentage, 0 when BytesTotal is
// unknown or zero, clamped to [0, 100].
func FilePercentage(f FileState) int {
	if !f.HasSize || f.BytesTotal <= 0 {
		return 0
	}
	pct := int(math.Floor(float64(f.BytesUploaded) / float64(f.BytesTotal) * 100))
	return clamp(pct)
}

// Aggregate computes the total progress percentage across the in-progress
// subset of files, per the sized/unsized blending rule.
func Aggregate(files []FileState) int {
	var inProgress []FileState
	for _, f := range files {
		if f.InProgress {
			inProgress = append(inProgress, f)
		}
	}
	if len(inProgress) == 0 {
		return 0
	}

	var sized, unsized []FileState
	for _, f := range inProgress {
		if f.HasSize && f.BytesTotal > 0 {
			sized = append(sized, f)
		} else {
			unsized = append(unsized, f)
		}
	}

	if len(sized) == 0 {
		var sumPct int
		for _, f := range unsized {
			sumPct += FilePercentage(f)
		}
		total := int(math.Floor(float64(sumPct) / (100 * float64(len(inProgress))) * 100))
		return clamp(total)
	}

	var totalSizedBytes, uploadedSizedBytes int64
	for _, f := range sized {
		totalSizedBytes += f.BytesTotal
		uploadedSizedBytes += f.BytesUploaded
	}
	avg := float64(totalSizedBytes) / float64(len(sized))

	totalBytes := float64(totalSizedBytes) + avg*float64(len(unsized))

	var uploadedUnsizedWeighted float64
	for _, f := range unsized {
		uploadedUnsizedWeighted += avg * float64(FilePercentage(f)) / 100
	}
	uploadedBytes := float64(uploadedSizedBytes) + uploadedUnsizedWeighted

	if totalBytes <= 0 {
		return 0
	}
	total := int(math.Floor(uploadedBytes / totalBytes * 100))
	return clamp(total)
}

func clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Throttle coalesces bursts of Recompute calls into at most one callback
// invocation per window, firing on both the leading and the trailing edge
// (the first call in a quiet period runs immediately; if further calls
// arrive before the window elapses, one more run is guaranteed at the end
// of the window).
type Throttle struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewThrottle constructs a Throttle that invokes fn, leading+trailing, at
// most once per window.
func NewThrottle(window time.Duration, fn func()) *Throttle {
	return &Throttle{window: window, fn: fn}
}

// Trigger requests a recompute. It runs fn immediately if the throttle is
// idle (leading edge), or marks a trailing run pending otherwise.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		t.fn()
		t.timer = time.AfterFunc(t.window, t.onWindowElapsed)
		return
	}
	t.pending = true
}

func (t *Throttle) onWindowElapsed() {
	t.mu.Lock()
	if t.pending {
		t.pending = false
		t.mu.Unlock()
		t.fn()
		t.mu.Lock()
		t.timer = time.AfterFunc(t.window, t.onWindowElapsed)
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
}

// Stop cancels any pending trailing run.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = false
}
