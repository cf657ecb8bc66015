// manager_test.go - Tests for plan file storage
package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plan-takeoff/backend/internal/models"
)

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates upload directory", func(t *testing.T) {
		uploadDir := filepath.Join(t.TempDir(), "uploads")

		if _, err := NewLocalStore(uploadDir); err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if _, err := os.Stat(uploadDir); os.IsNotExist(err) {
			t.Error("Expected upload directory to be created")
		}
	})
}

func TestLocalStore_Save(t *testing.T) {
	t.Run("saves file from reader", func(t *testing.T) {
		store := createTestStore(t)
		content := "%PDF-1.7 plan"

		info, err := store.Save("level1.pdf", strings.NewReader(content))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		if info.ID == "" {
			t.Error("Expected ID to be set")
		}
		if info.Name != "level1.pdf" {
			t.Errorf("Expected name 'level1.pdf', got %v", info.Name)
		}
		if info.Size != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), info.Size)
		}

		data, err := os.ReadFile(filepath.Join(store.uploadDir, info.ID))
		if err != nil {
			t.Fatalf("Failed to read saved file: %v", err)
		}
		if string(data) != content {
			t.Errorf("Expected content %q, got %q", content, data)
		}
	})
}

func TestLocalStore_Get(t *testing.T) {
	t.Run("returns registered metadata", func(t *testing.T) {
		store := createTestStore(t)
		saved, _ := store.Save("a.pdf", strings.NewReader("abc"))

		info, err := store.Get(saved.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if info.Name != "a.pdf" {
			t.Errorf("Expected name 'a.pdf', got %v", info.Name)
		}
	})

	t.Run("rebuilds metadata from disk", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "existing-id"), []byte("12345"), 0644); err != nil {
			t.Fatal(err)
		}
		store, _ := NewLocalStore(dir)

		info, err := store.Get("existing-id")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if info.Size != 5 {
			t.Errorf("Expected size 5, got %d", info.Size)
		}
	})

	t.Run("unknown and unsafe ids are not found", func(t *testing.T) {
		store := createTestStore(t)
		for _, id := range []string{"missing", "../etc/passwd", "", "chunks"} {
			if _, err := store.Get(id); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("Get(%q): expected ErrNotFound, got %v", id, err)
			}
		}
	})
}

func TestLocalStore_Open(t *testing.T) {
	store := createTestStore(t)
	saved, _ := store.Save("plan.pdf", strings.NewReader("0123456789"))

	blob, err := store.Open(saved.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer blob.Close()

	if blob.Size() != 10 {
		t.Errorf("Expected size 10, got %d", blob.Size())
	}

	buf := make([]byte, 3)
	if _, err := blob.ReadAt(buf, 4); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "456" {
		t.Errorf("Expected '456', got %q", buf)
	}

	if _, err := blob.Seek(8, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	rest, _ := io.ReadAll(blob)
	if string(rest) != "89" {
		t.Errorf("Expected '89', got %q", rest)
	}

	if _, err := store.Open("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_Delete(t *testing.T) {
	t.Run("deletes file and metadata", func(t *testing.T) {
		store := createTestStore(t)
		info, _ := store.Save("plan.pdf", strings.NewReader("x"))

		if err := store.Delete(info.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(store.uploadDir, info.ID)); !os.IsNotExist(err) {
			t.Error("Expected file to be removed")
		}
		if _, err := store.Get(info.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		store := createTestStore(t)
		if err := store.Delete("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestLocalStore_GetFilePath(t *testing.T) {
	store := createTestStore(t)
	info, _ := store.Save("plan.pdf", strings.NewReader("x"))

	path, err := store.GetFilePath(info.ID)
	if err != nil {
		t.Fatalf("GetFilePath failed: %v", err)
	}
	if path != filepath.Join(store.uploadDir, info.ID) {
		t.Errorf("Unexpected path %v", path)
	}
}

func TestLocalStore_ChunkedUpload(t *testing.T) {
	t.Run("assembles chunks in order", func(t *testing.T) {
		store := createTestStore(t)
		uploadID := "upload-123"

		// Out of order on purpose.
		for _, i := range []int{2, 0, 1} {
			content := "part" + string(rune('A'+i))
			if err := store.SaveChunk(uploadID, i, strings.NewReader(content)); err != nil {
				t.Fatalf("Failed to save chunk %d: %v", i, err)
			}
		}

		info, err := store.CompleteChunkedUpload(uploadID, "big.pdf", 3)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		data, _ := os.ReadFile(filepath.Join(store.uploadDir, info.ID))
		if string(data) != "partApartBpartC" {
			t.Errorf("Unexpected assembled content %q", data)
		}
		if info.Size != int64(len("partApartBpartC")) {
			t.Errorf("Unexpected size %d", info.Size)
		}
		if _, err := os.Stat(filepath.Join(store.uploadDir, "chunks", uploadID)); !os.IsNotExist(err) {
			t.Error("Expected chunk directory to be removed")
		}
	})

	t.Run("missing chunk fails and leaves no file", func(t *testing.T) {
		store := createTestStore(t)
		store.SaveChunk("upload-456", 0, strings.NewReader("a"))

		if _, err := store.CompleteChunkedUpload("upload-456", "big.pdf", 2); err == nil {
			t.Fatal("Expected error for missing chunk")
		}
		entries, _ := os.ReadDir(store.uploadDir)
		for _, e := range entries {
			if !e.IsDir() {
				t.Errorf("Unexpected leftover file %s", e.Name())
			}
		}
	})

	t.Run("rejects unsafe upload ids", func(t *testing.T) {
		store := createTestStore(t)
		err := store.SaveChunk("../escape", 0, strings.NewReader("a"))
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError, got %v", err)
		}
	})
}
