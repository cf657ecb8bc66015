// Package upload assembles chunked plan uploads in the background and turns
// the assembled file into a plan record.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/storage"
)

// Status represents the upload processing status.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAssembling    Status = "assembling"
	StatusDecompressing Status = "decompressing"
	StatusIndexing      Status = "indexing"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Job represents an async upload processing job.
type Job struct {
	ID             string           `json:"id"`
	UploadID       string           `json:"uploadId"`
	ProjectID      string           `json:"projectId"`
	FileName       string           `json:"fileName"`
	TotalChunks    int              `json:"totalChunks"`
	OriginalSize   int64            `json:"originalSize"`
	CompressedSize int64            `json:"compressedSize"`
	Encoding       string           `json:"encoding"`
	Status         Status           `json:"status"`
	Progress       float64          `json:"progress"`
	Stage          string           `json:"stage"`
	StageProgress  float64          `json:"stageProgress"`
	FileInfo       *models.FileInfo `json:"fileInfo,omitempty"`
	Plan           *models.Plan     `json:"plan,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// Request describes a finished chunk upload.
type Request struct {
	UploadID       string
	ProjectID      string
	FileName       string
	TotalChunks    int
	OriginalSize   int64
	CompressedSize int64
	Encoding       string
}

// Store defines the interface needed from storage layer.
type Store interface {
	CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.FileInfo, error)
	GetFilePath(id string) (string, error)
	RegisterFile(info *models.FileInfo)
	Open(id string) (storage.Blob, error)
	Delete(id string) error
}

// PlanCreator persists plan records.
type PlanCreator interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
}

// PageCounter reads the page count of an assembled document. It owns r.
type PageCounter func(r io.ReadSeeker) (int, error)

// Manager handles async upload processing.
type Manager struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	store Store
	plans PlanCreator
	count PageCounter
	log   *slog.Logger
	wg    sync.WaitGroup
}

// NewManager creates a new upload processing manager.
func NewManager(store Store, plans PlanCreator, count PageCounter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		jobs:  make(map[string]*Job),
		store: store,
		plans: plans,
		count: count,
		log:   log.With("component", "upload"),
	}
}

// RegisterPlan validates an assembled file as a plan document and records
// it under projectID. The file is deleted when it is not a readable document.
func (m *Manager) RegisterPlan(ctx context.Context, projectID string, info *models.FileInfo) (*models.Plan, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, &models.ValidationError{Field: "projectId", Reason: "is required"}
	}

	blob, err := m.store.Open(info.ID)
	if err != nil {
		return nil, err
	}
	pages, err := m.count(blob)
	if err != nil {
		m.store.Delete(info.ID)
		return nil, &models.ValidationError{Field: "file", Reason: fmt.Sprintf("not a readable plan document: %v", err)}
	}

	plan := &models.Plan{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Name:       info.Name,
		FileID:     info.ID,
		PageCount:  pages,
		Size:       info.Size,
		UploadedAt: info.UploadedAt,
	}
	if err := m.plans.CreatePlan(ctx, plan); err != nil {
		return nil, &models.PersistenceError{Op: "create plan", Err: err}
	}
	m.log.Info("plan registered", "plan", plan.ID, "project", projectID, "pages", pages, "bytes", info.Size)
	return plan, nil
}

// StartJob begins async processing of an upload.
func (m *Manager) StartJob(req Request) (*Job, error) {
	if req.TotalChunks <= 0 {
		return nil, &models.ValidationError{Field: "totalChunks", Reason: "must be positive"}
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, &models.ValidationError{Field: "projectId", Reason: "is required"}
	}

	job := &Job{
		ID:             uuid.New().String(),
		UploadID:       req.UploadID,
		ProjectID:      req.ProjectID,
		FileName:       req.FileName,
		TotalChunks:    req.TotalChunks,
		OriginalSize:   req.OriginalSize,
		CompressedSize: req.CompressedSize,
		Encoding:       req.Encoding,
		Status:         StatusProcessing,
		Stage:          "preparing",
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.processJob(job)

	return m.snapshot(job), nil
}

// GetJob returns a copy of a job.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

func (m *Manager) snapshot(job *Job) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *job
	return &cp
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) processJob(job *Job) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.markJobError(job, fmt.Sprintf("upload processing panicked: %v", r))
		}
	}()

	log := m.log.With("job", job.ID)
	log.Info("processing upload", "file", job.FileName, "chunks", job.TotalChunks)

	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)
	info, err := m.store.CompleteChunkedUpload(job.UploadID, job.FileName, job.TotalChunks)
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to assemble chunks: %v", err))
		return
	}
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 100)

	if job.Encoding == "gzip" {
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 0)
		size, err := m.decompressFile(job, info.ID)
		if err != nil {
			m.store.Delete(info.ID)
			m.markJobError(job, fmt.Sprintf("failed to decompress: %v", err))
			return
		}
		info.Size = size
		m.store.RegisterFile(info)
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 100)
	}

	m.updateJobStatus(job, StatusIndexing, "reading pages", 0)
	plan, err := m.RegisterPlan(context.Background(), job.ProjectID, info)
	if err != nil {
		m.markJobError(job, err.Error())
		return
	}

	m.mu.Lock()
	job.FileInfo = info
	job.Plan = plan
	m.mu.Unlock()
	m.markJobComplete(job)
	log.Info("upload complete", "plan", plan.ID, "bytes", info.Size)
}

// decompressFile replaces a gzip file with its content and returns the new size.
func (m *Manager) decompressFile(job *Job, fileID string) (int64, error) {
	path, err := m.store.GetFilePath(fileID)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("not a gzip file: %w", err)
	}
	defer zr.Close()

	tempPath := path + ".decompressing"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, err
	}

	pw := &progressWriter{w: out, onProgress: func(n int64) {
		if job.OriginalSize > 0 {
			m.updateJobStatus(job, StatusDecompressing, "decompressing file", min(float64(n)*100/float64(job.OriginalSize), 99))
		}
	}}
	written, err := io.Copy(pw, zr)
	out.Close()
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("decompressing: %w", err)
	}
	if job.OriginalSize > 0 && written != job.OriginalSize {
		os.Remove(tempPath)
		return 0, fmt.Errorf("decompressed size mismatch: got %d bytes, expected %d bytes", written, job.OriginalSize)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, err
	}
	return written, nil
}

// progressWriter reports the running byte count at most every 100ms.
type progressWriter struct {
	w          io.Writer
	n          int64
	last       time.Time
	onProgress func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if time.Since(p.last) > 100*time.Millisecond {
		p.onProgress(p.n)
		p.last = time.Now()
	}
	return n, err
}

// updateJobStatus updates job progress.
// Assembling: 0-40%, Decompressing: 40-80%, Indexing: 80-100%.
func (m *Manager) updateJobStatus(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage
	job.StageProgress = stageProgress

	switch status {
	case StatusAssembling:
		job.Progress = stageProgress * 0.4
	case StatusDecompressing:
		job.Progress = 40 + stageProgress*0.4
	case StatusIndexing:
		job.Progress = 80 + stageProgress*0.2
	case StatusComplete:
		job.Progress = 100
	}
}

func (m *Manager) markJobComplete(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusComplete
	job.Stage = "done"
	job.Progress = 100
	now := time.Now()
	job.CompletedAt = &now
}

func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusError
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	m.log.Error("upload failed", "job", job.ID, "error", errMsg)
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		if job.Status == StatusComplete || job.Status == StatusError {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(m.jobs, id)
			}
		}
	}
}
