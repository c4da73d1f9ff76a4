package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// JobStatus represents the state of a print job.
type JobStatus string

const (
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
	StatusError      JobStatus = "error"
)

// Job represents a print job in history.
type Job struct {
	JobID         string    `json:"job_id"`
	Printer       string    `json:"printer"` // printer IP address
	Filename      string    `json:"filename"`
	Status        JobStatus `json:"status"`
	StartTime     float64   `json:"start_time"`     // Unix timestamp
	EndTime       float64   `json:"end_time"`       // Unix timestamp
	PrintDuration float64   `json:"print_duration"` // seconds as reported by the printer
	TotalDuration float64   `json:"total_duration"` // seconds (includes pauses)
	FilamentUsed  float64   `json:"filament_used"`  // mm, estimated from progress
	Metadata      JobMeta   `json:"metadata"`
}

// JobMeta contains metadata about the printed file.
type JobMeta struct {
	Size          int64   `json:"size,omitempty"`
	Modified      float64 `json:"modified,omitempty"`
	Slicer        string  `json:"slicer,omitempty"`
	SlicerVersion string  `json:"slicer_version,omitempty"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
	FilamentTotal float64 `json:"filament_total,omitempty"`
}

// Totals represents cumulative statistics.
type Totals struct {
	TotalJobs      int     `json:"total_jobs"`
	TotalTime      float64 `json:"total_time"`
	TotalPrintTime float64 `json:"total_print_time"`
	TotalFilament  float64 `json:"total_filament_used"`
	LongestJob     float64 `json:"longest_job"`
	LongestPrint   float64 `json:"longest_print"`
	CompletedJobs  int     `json:"completed_jobs"`
	CancelledJobs  int     `json:"cancelled_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
}

// ChangedAction is the action type for history change events.
type ChangedAction string

const (
	ActionAdded    ChangedAction = "added"
	ActionFinished ChangedAction = "finished"
	ActionDeleted  ChangedAction = "deleted"
)

// ChangedCallback is called when the history changes.
type ChangedCallback func(action ChangedAction, job Job)

// Manager manages print job history for all printers.
type Manager struct {
	mu        sync.RWMutex
	jobs      []*Job
	dataPath  string
	nextJobID int
	current   map[string]*Job // printer -> open job
	callback  ChangedCallback
	now       func() time.Time
}

// NewManager creates a history manager persisting to dataDir/history.json.
func NewManager(dataDir string, callback ChangedCallback) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	m := &Manager{
		dataPath:  filepath.Join(dataDir, "history.json"),
		jobs:      make([]*Job, 0),
		nextJobID: 1,
		current:   make(map[string]*Job),
		callback:  callback,
		now:       time.Now,
	}

	if err := m.load(); err != nil {
		// empty history is fine
		log.Warnf("Failed to load history: %v", err)
	}

	return m, nil
}

type savedState struct {
	Jobs      []*Job `json:"jobs"`
	NextJobID int    `json:"next_job_id"`
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state savedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	m.jobs = state.Jobs
	m.nextJobID = state.NextJobID
	if m.nextJobID == 0 {
		m.nextJobID = len(m.jobs) + 1
	}

	// Jobs still open from a previous run never saw their end.
	for _, job := range m.jobs {
		if job.Status == StatusInProgress {
			job.Status = StatusError
		}
	}
	return nil
}

// save writes history to disk. Caller must hold the write lock.
func (m *Manager) save() {
	data, err := json.MarshalIndent(savedState{Jobs: m.jobs, NextJobID: m.nextJobID}, "", "  ")
	if err != nil {
		log.Errorf("Encoding history: %v", err)
		return
	}
	if err := os.WriteFile(m.dataPath, data, 0644); err != nil {
		log.Errorf("Saving history: %v", err)
	}
}

func (m *Manager) notify(action ChangedAction, job Job) {
	if m.callback != nil {
		m.callback(action, job)
	}
}

// StartJob begins tracking a new print job on printer. A job already open on
// that printer is closed as an error first.
func (m *Manager) StartJob(printer, filename string, metadata JobMeta) Job {
	if prev, ok := m.FinishJob(printer, StatusError, 0, 0); ok {
		log.Warnf("Printer %s started a new job while job %s was open", printer, prev.JobID)
	}

	m.mu.Lock()
	job := &Job{
		JobID:     fmt.Sprintf("%06X", m.nextJobID),
		Printer:   printer,
		Filename:  filename,
		Status:    StatusInProgress,
		StartTime: float64(m.now().Unix()),
		Metadata:  metadata,
	}
	m.nextJobID++
	m.current[printer] = job
	m.jobs = append(m.jobs, job)
	m.save()
	snapshot := *job
	m.mu.Unlock()

	log.Infof("Printer %s: job %s started (%s)", printer, snapshot.JobID, filename)
	m.notify(ActionAdded, snapshot)
	return snapshot
}

// FinishJob completes the open job on printer with the given status. It
// reports false when no job was open.
func (m *Manager) FinishJob(printer string, status JobStatus, printDuration, filamentUsed float64) (Job, bool) {
	m.mu.Lock()
	job, ok := m.current[printer]
	if !ok {
		m.mu.Unlock()
		return Job{}, false
	}

	job.Status = status
	job.EndTime = float64(m.now().Unix())
	job.PrintDuration = printDuration
	job.TotalDuration = job.EndTime - job.StartTime
	job.FilamentUsed = filamentUsed

	delete(m.current, printer)
	m.save()
	snapshot := *job
	m.mu.Unlock()

	log.Infof("Printer %s: job %s %s", printer, snapshot.JobID, status)
	m.notify(ActionFinished, snapshot)
	return snapshot, true
}

// CurrentJob returns the job in progress on printer, if any.
func (m *Manager) CurrentJob(printer string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.current[printer]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns jobs with pagination and optional filtering. Jobs are
// returned newest first unless order is "asc". An empty printer matches all.
func (m *Manager) ListJobs(printer string, start, limit int, before, since float64, order string) ([]Job, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if printer != "" && job.Printer != printer {
			continue
		}
		if before > 0 && job.StartTime >= before {
			continue
		}
		if since > 0 && job.StartTime < since {
			continue
		}
		filtered = append(filtered, *job)
	}

	// Stable sort keeps insertion order for jobs started in the same second.
	if order == "asc" {
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].StartTime < filtered[j].StartTime
		})
	} else {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].StartTime > filtered[j].StartTime
		})
	}

	total := len(filtered)
	if start < 0 {
		start = 0
	}
	if start >= len(filtered) {
		return []Job{}, total
	}
	filtered = filtered[start:]

	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total
}

// GetJob retrieves a specific job by ID.
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.JobID == jobID {
			return *job, true
		}
	}
	return Job{}, false
}

// DeleteJob removes a finished job from history.
func (m *Manager) DeleteJob(jobID string) bool {
	m.mu.Lock()
	var deleted *Job
	for i, job := range m.jobs {
		if job.JobID == jobID && job.Status != StatusInProgress {
			deleted = job
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			m.save()
			break
		}
	}
	m.mu.Unlock()

	if deleted == nil {
		return false
	}
	m.notify(ActionDeleted, *deleted)
	return true
}

// Totals calculates cumulative statistics over finished jobs.
func (m *Manager) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{}
	for _, job := range m.jobs {
		if job.Status == StatusInProgress {
			continue
		}

		totals.TotalJobs++
		totals.TotalTime += job.TotalDuration
		totals.TotalPrintTime += job.PrintDuration
		totals.TotalFilament += job.FilamentUsed

		if job.TotalDuration > totals.LongestJob {
			totals.LongestJob = job.TotalDuration
		}
		if job.PrintDuration > totals.LongestPrint {
			totals.LongestPrint = job.PrintDuration
		}

		switch job.Status {
		case StatusCompleted:
			totals.CompletedJobs++
		case StatusCancelled:
			totals.CancelledJobs++
		case StatusError:
			totals.FailedJobs++
		}
	}
	return totals
}

// Reset clears all finished jobs. Open jobs are kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]*Job, 0, len(m.current))
	for _, job := range m.jobs {
		if job.Status == StatusInProgress {
			kept = append(kept, job)
		}
	}
	m.jobs = kept
	m.save()
}
