package history

import (
	"sync"

	"github.com/haghost5/hag5bridge/printer"
)

// MetaFunc looks up slicer metadata for a file the printer is printing.
type MetaFunc func(filename string) (JobMeta, bool)

// jobState is what the tracker remembers about one printer between readings.
type jobState struct {
	filename string
	progress int
	elapsed  float64
}

// Tracker turns sensor readings into jobs: a switch to printing opens one,
// a switch to idle closes it.
type Tracker struct {
	history *Manager
	meta    MetaFunc

	mu       sync.Mutex
	printers map[string]*jobState
}

// NewTracker creates a tracker recording into m. meta may be nil.
func NewTracker(m *Manager, meta MetaFunc) *Tracker {
	return &Tracker{
		history:  m,
		meta:     meta,
		printers: make(map[string]*jobState),
	}
}

// Observe feeds one changed reading of printer ip into the tracker.
func (t *Tracker) Observe(ip string, r printer.Reading) {
	t.mu.Lock()
	st, ok := t.printers[ip]
	if !ok {
		st = &jobState{}
		t.printers[ip] = st
	}

	var status string
	switch r.Key {
	case printer.KeyFilename:
		st.filename, _ = r.State.(string)
	case printer.KeyProgress:
		st.progress, _ = r.State.(int)
	case printer.KeyElapsedTime:
		if secs, ok := r.State.(int64); ok {
			st.elapsed = float64(secs)
		}
	case printer.KeyStatus:
		status, _ = r.State.(string)
	}
	snapshot := *st
	t.mu.Unlock()

	switch status {
	case "printing":
		if _, open := t.history.CurrentJob(ip); !open {
			t.start(ip, snapshot)
		}
	case "idle":
		job, open := t.history.CurrentJob(ip)
		if !open {
			return
		}
		result := StatusCancelled
		if snapshot.progress >= 100 {
			result = StatusCompleted
		}
		t.history.FinishJob(ip, result, snapshot.elapsed, filamentUsed(job.Metadata, result, snapshot.progress))
	}
}

func (t *Tracker) start(ip string, st jobState) {
	var meta JobMeta
	if t.meta != nil && st.filename != "" {
		meta, _ = t.meta(st.filename)
	}
	t.history.StartJob(ip, st.filename, meta)
}

// Forget closes any open job of printer ip as an error and drops its state.
func (t *Tracker) Forget(ip string) {
	t.mu.Lock()
	st, ok := t.printers[ip]
	delete(t.printers, ip)
	t.mu.Unlock()

	job, open := t.history.CurrentJob(ip)
	if !open {
		return
	}
	var elapsed float64
	var progress int
	if ok {
		elapsed, progress = st.elapsed, st.progress
	}
	t.history.FinishJob(ip, StatusError, elapsed, filamentUsed(job.Metadata, StatusError, progress))
}

// filamentUsed estimates filament consumption from the slicer total and the
// last progress seen.
func filamentUsed(meta JobMeta, status JobStatus, progress int) float64 {
	if status == StatusCompleted {
		return meta.FilamentTotal
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return meta.FilamentTotal * float64(progress) / 100
}
