package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plan-takeoff/backend/internal/models"
)

// Blob is an opened stored file.
type Blob interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
	Size() int64
}

// Store defines the interface for plan file storage.
type Store interface {
	Save(name string, r io.Reader) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	Open(id string) (Blob, error)
	Delete(id string) error
	GetFilePath(id string) (string, error)
	RegisterFile(info *models.FileInfo)
	SaveChunk(uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.FileInfo, error)
}

// LocalStore implements Store using the local filesystem. Files are named
// by id; metadata of files saved before a restart is rebuilt from disk or
// registered from the plan table.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
	}, nil
}

// validID rejects ids that could escape the upload directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *LocalStore) notFound(id string) error {
	return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
}

// Save saves a file to the local filesystem.
func (s *LocalStore) Save(name string, r io.Reader) (*models.FileInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	info := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       size,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info

	return info, nil
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	if !validID(id) {
		return nil, s.notFound(id)
	}

	s.mu.RLock()
	info, ok := s.files[id]
	s.mu.RUnlock()
	if ok {
		return info, nil
	}

	st, err := os.Stat(filepath.Join(s.uploadDir, id))
	if err != nil || st.IsDir() {
		return nil, s.notFound(id)
	}
	info = &models.FileInfo{ID: id, Name: id, Size: st.Size(), UploadedAt: st.ModTime()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info
	return info, nil
}

// RegisterFile records metadata of a file already on disk.
func (s *LocalStore) RegisterFile(info *models.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[info.ID] = info
}

type fileBlob struct {
	*os.File
	size int64
}

func (b fileBlob) Size() int64 { return b.size }

// Open opens a stored file for reading.
func (s *LocalStore) Open(id string) (Blob, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.uploadDir, id))
	if os.IsNotExist(err) {
		return nil, s.notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return fileBlob{File: f, size: st.Size()}, nil
}

// Delete removes a file from storage.
func (s *LocalStore) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.uploadDir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	delete(s.files, id)
	return nil
}

// GetFilePath returns the absolute path to a file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	return filepath.Join(s.uploadDir, id), nil
}

// SaveChunk saves a single chunk to a temporary location.
func (s *LocalStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	if !validID(uploadID) {
		return &models.ValidationError{Field: "uploadId", Reason: "invalid upload id"}
	}
	if chunkIndex < 0 {
		return &models.ValidationError{Field: "chunkIndex", Reason: "must not be negative"}
	}

	chunkDir := filepath.Join(s.uploadDir, "chunks", uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}

	return nil
}

// CompleteChunkedUpload assembles all chunks into a final file.
func (s *LocalStore) CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.FileInfo, error) {
	if !validID(uploadID) {
		return nil, &models.ValidationError{Field: "uploadId", Reason: "invalid upload id"}
	}

	id := uuid.New().String()
	finalPath := filepath.Join(s.uploadDir, id)
	chunkDir := filepath.Join(s.uploadDir, "chunks", uploadID)

	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating final file: %w", err)
	}
	defer out.Close()

	var totalSize int64
	for i := 0; i < totalChunks; i++ {
		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i))
		in, err := os.Open(chunkPath)
		if err != nil {
			out.Close()
			os.Remove(finalPath)
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(finalPath)
			return nil, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		totalSize += n
	}

	info := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       totalSize,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	os.RemoveAll(chunkDir)

	return info, nil
}
